package terminal

import (
	"strconv"
	"strings"
)

// DetachDetector recognises the watch client's detach key, Ctrl+]. Two
// encodings are handled: the legacy single byte 0x1d, and the Kitty
// keyboard protocol's \x1b[93;5u (codepoint 93 = ']', modifier 5 =
// 1 + Ctrl). Escape sequences the terminal injects on its own (focus
// events, cursor position reports, mouse reports) are held while being
// parsed and then forwarded untouched.
type DetachDetector struct {
	pending []byte // partial escape sequence; empty outside one
}

func NewDetachDetector() *DetachDetector {
	return &DetachDetector{}
}

// Feed processes a single byte. Returns (detachDetected, bytesToForward).
func (d *DetachDetector) Feed(b byte) (bool, []byte) {
	if len(d.pending) == 0 {
		switch b {
		case 0x1d:
			return true, nil
		case 0x1b:
			d.pending = append(d.pending, b)
			return false, nil
		default:
			return false, []byte{b}
		}
	}

	d.pending = append(d.pending, b)

	// ESC plus one byte: '[' opens a CSI; anything else is a two-byte
	// escape (\x1bN, \x1bO, ...) forwarded as-is.
	if len(d.pending) == 2 {
		if b == '[' {
			return false, nil
		}
		return false, d.release()
	}

	// Inside a CSI. Parameter bytes (0x30..0x3f) and intermediates
	// (0x20..0x2f) accumulate; a final byte (0x40..0x7e) closes the
	// sequence.
	switch {
	case b >= 0x20 && b <= 0x3f:
		return false, nil
	case b >= 0x40 && b <= 0x7e:
		if b == 'u' && isKittyCtrlRBracket(d.pending) {
			d.pending = d.pending[:0]
			return true, nil
		}
		// Some other CSI: a focus event, a cursor report, a mouse
		// report, a different Kitty key. Forward untouched.
		return false, d.release()
	default:
		// Malformed sequence: hand back what accumulated and reset.
		return false, d.release()
	}
}

// release hands out a copy of the pending bytes and resets the parser.
func (d *DetachDetector) release() []byte {
	out := make([]byte, len(d.pending))
	copy(out, d.pending)
	d.pending = d.pending[:0]
	return out
}

// FeedBuf processes a buffer. Returns (detachDetected, bytesToForward).
// Bytes after a detected detach are discarded.
func (d *DetachDetector) FeedBuf(buf []byte) (bool, []byte) {
	forward := make([]byte, 0, len(buf))
	for _, b := range buf {
		detach, out := d.Feed(b)
		if detach {
			return true, forward
		}
		forward = append(forward, out...)
	}
	return false, forward
}

// isKittyCtrlRBracket reports whether seq, a complete CSI ending in 'u',
// encodes Kitty's Ctrl+]: codepoint 93 with modifier 5. The parameter
// section has the form "codepoint[:shifted][;modifier[:event][;text]]";
// an absent modifier means 1, plain ']'.
func isKittyCtrlRBracket(seq []byte) bool {
	params := string(seq[2 : len(seq)-1])
	first, rest, hasModifier := strings.Cut(params, ";")
	cpStr, _, _ := strings.Cut(first, ":")
	cp, err := strconv.Atoi(cpStr)
	if err != nil || cp != 93 {
		return false
	}
	if !hasModifier {
		return false
	}
	modStr, _, _ := strings.Cut(rest, ";")
	modStr, _, _ = strings.Cut(modStr, ":")
	mod, err := strconv.Atoi(modStr)
	return err == nil && mod == 5
}
