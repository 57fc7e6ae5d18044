package monitor

import "strings"

// stripANSI removes ANSI/VT100 escape sequences so phrase matching sees
// plain text. Unterminated sequences at the end of a chunk are dropped.
func stripANSI(s string) string {
	esc := strings.IndexByte(s, '\x1b')
	if esc < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for esc >= 0 {
		b.WriteString(s[:esc])
		s = s[esc+escapeLen(s[esc:]):]
		esc = strings.IndexByte(s, '\x1b')
	}
	b.WriteString(s)
	return b.String()
}

// escapeLen reports how many bytes the escape sequence starting at s[0]
// (an ESC byte) occupies.
func escapeLen(s string) int {
	if len(s) < 2 {
		return len(s)
	}
	switch s[1] {
	case '[':
		// CSI: parameters and intermediates run up to a final byte in
		// 0x40..0x7e.
		for i := 2; i < len(s); i++ {
			if s[i] >= 0x40 && s[i] <= 0x7e {
				return i + 1
			}
		}
		return len(s)
	case ']':
		// OSC: terminated by BEL or by ST (ESC \).
		for i := 2; i < len(s); i++ {
			if s[i] == '\x07' {
				return i + 1
			}
			if s[i] == '\x1b' {
				if i+1 < len(s) && s[i+1] == '\\' {
					return i + 2
				}
				return i
			}
		}
		return len(s)
	default:
		// Two-byte escape (charset selection, keypad modes, ...).
		return 2
	}
}
