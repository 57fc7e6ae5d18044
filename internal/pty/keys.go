package pty

import (
	"fmt"
	"strings"
	"syscall"
)

// keySequences maps wire key names to the byte sequences a terminal would
// send. Arrow keys use normal-mode CSI; applications that switched to
// application cursor mode still accept these in practice.
var keySequences = map[string][]byte{
	"enter":       {'\r'},
	"escape":      {0x1b},
	"tab":         {'\t'},
	"shift_tab":   []byte("\x1b[Z"),
	"backspace":   {0x7f},
	"delete":      []byte("\x1b[3~"),
	"space":       {' '},
	"arrow_up":    []byte("\x1b[A"),
	"arrow_down":  []byte("\x1b[B"),
	"arrow_right": []byte("\x1b[C"),
	"arrow_left":  []byte("\x1b[D"),
	"home":        []byte("\x1b[H"),
	"end":         []byte("\x1b[F"),
	"page_up":     []byte("\x1b[5~"),
	"page_down":   []byte("\x1b[6~"),
	"insert":      []byte("\x1b[2~"),
	"f1":          []byte("\x1bOP"),
	"f2":          []byte("\x1bOQ"),
	"f3":          []byte("\x1bOR"),
	"f4":          []byte("\x1bOS"),
	"f5":          []byte("\x1b[15~"),
	"f6":          []byte("\x1b[17~"),
	"f7":          []byte("\x1b[18~"),
	"f8":          []byte("\x1b[19~"),
	"f9":          []byte("\x1b[20~"),
	"f10":         []byte("\x1b[21~"),
	"f11":         []byte("\x1b[23~"),
	"f12":         []byte("\x1b[24~"),
}

// KeySequence resolves a named key to its terminal byte sequence. Names
// "ctrl_a".."ctrl_z" map to control bytes 0x01..0x1a.
func KeySequence(key string) ([]byte, error) {
	if seq, ok := keySequences[key]; ok {
		return seq, nil
	}
	if c, ok := strings.CutPrefix(key, "ctrl_"); ok && len(c) == 1 && c[0] >= 'a' && c[0] <= 'z' {
		return []byte{c[0] - 'a' + 1}, nil
	}
	return nil, fmt.Errorf("unknown key %q", key)
}

var signalNames = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
	"TERM": syscall.SIGTERM,
	"STOP": syscall.SIGSTOP,
	"CONT": syscall.SIGCONT,
}

// ParseSignal resolves a signal name ("SIGTERM", "term", "KILL", ...);
// empty means SIGTERM.
func ParseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		return syscall.SIGTERM, nil
	}
	n := strings.ToUpper(name)
	n = strings.TrimPrefix(n, "SIG")
	if sig, ok := signalNames[n]; ok {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}
