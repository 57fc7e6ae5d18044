// Package terminal holds the local-terminal plumbing used by the watch
// client: raw mode, size tracking, TTY detection, and the detach key
// detector.
package terminal

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

type RawModeGuard struct {
	fd       int
	oldState *term.State
}

// EnableRawMode switches stdin to raw mode so keystrokes reach the remote
// PTY unmodified. Callers must Restore before printing anything.
func EnableRawMode() (*RawModeGuard, error) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &RawModeGuard{fd: fd, oldState: oldState}, nil
}

func (g *RawModeGuard) Restore() {
	term.Restore(g.fd, g.oldState)
}

// Size returns the local terminal geometry.
func Size() (cols, rows uint16, err error) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0, 0, err
	}
	return uint16(w), uint16(h), nil
}

// ResizeSignal returns a channel that fires on SIGWINCH and a cleanup
// function.
func ResizeSignal() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	return ch, func() { signal.Stop(ch); close(ch) }
}

// StdinIsTerminal reports whether stdin is attached to a terminal.
func StdinIsTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd())
}

// StdoutIsTerminal reports whether stdout is attached to a terminal,
// including Cygwin/MSYS pseudo terminals.
func StdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
