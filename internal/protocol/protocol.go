// Package protocol implements the binary multiplexing frame format spoken
// on the /ws endpoint. Every WebSocket binary message carries exactly one
// frame addressing one session (or the global channel).
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Version is the wire protocol generation, reported in the Welcome payload.
const Version = 3

// Frame layout: [type:u8][sessionIdLen:u16 BE][sessionId][payload...].
// An empty session ID addresses the global channel.
const (
	headerLen = 3
	// MaxFrame bounds a single frame; anything larger is rejected before
	// parsing.
	MaxFrame = 16 * 1024 * 1024
	// MaxSessionIDLen keeps session routing keys sane.
	MaxSessionIDLen = 256
)

// Message types.
const (
	TypePing        byte = 1
	TypePong        byte = 2
	TypeSubscribe   byte = 10
	TypeUnsubscribe byte = 11
	TypeWelcome     byte = 12
	TypeStdout      byte = 20
	TypeSnapshotVT  byte = 21
	TypeEvent       byte = 30
	TypeError       byte = 31
	TypeInputText   byte = 40
	TypeInputKey    byte = 41
	TypeResize      byte = 42
	TypeKill        byte = 43
	TypeResetSize   byte = 44
)

// Subscribe payload flags (u32 BE). Zero flags clears the subscription.
const (
	FlagStdout    uint32 = 1
	FlagSnapshots uint32 = 2
	FlagEvents    uint32 = 4
)

// Frame is one decoded wire frame.
type Frame struct {
	Type      byte
	SessionID string
	Payload   []byte
}

// Encode serializes a frame.
func Encode(f Frame) []byte {
	b := make([]byte, headerLen+len(f.SessionID)+len(f.Payload))
	b[0] = f.Type
	binary.BigEndian.PutUint16(b[1:3], uint16(len(f.SessionID)))
	copy(b[headerLen:], f.SessionID)
	copy(b[headerLen+len(f.SessionID):], f.Payload)
	return b
}

// Decode parses a frame. The returned payload aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) > MaxFrame {
		return Frame{}, fmt.Errorf("frame too large: %d bytes", len(b))
	}
	if len(b) < headerLen {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(b))
	}
	sidLen := int(binary.BigEndian.Uint16(b[1:3]))
	if sidLen > MaxSessionIDLen {
		return Frame{}, fmt.Errorf("session id too long: %d bytes", sidLen)
	}
	if headerLen+sidLen > len(b) {
		return Frame{}, fmt.Errorf("session id length %d overruns frame of %d bytes", sidLen, len(b))
	}
	return Frame{
		Type:      b[0],
		SessionID: string(b[headerLen : headerLen+sidLen]),
		Payload:   b[headerLen+sidLen:],
	}, nil
}

// EncodeFlags builds a Subscribe payload.
func EncodeFlags(flags uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], flags)
	return b[:]
}

// ParseFlags reads a Subscribe payload.
func ParseFlags(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("subscribe payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[:4]), nil
}

// EncodeResize builds a Resize payload.
func EncodeResize(cols, rows uint16) []byte {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], cols)
	binary.BigEndian.PutUint16(b[2:4], rows)
	return b[:]
}

// ParseResize reads a Resize payload.
func ParseResize(payload []byte) (cols, rows uint16, err error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("resize payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}

// TypeName names a message type for logs.
func TypeName(t byte) string {
	switch t {
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeSubscribe:
		return "subscribe"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeWelcome:
		return "welcome"
	case TypeStdout:
		return "stdout"
	case TypeSnapshotVT:
		return "snapshot_vt"
	case TypeEvent:
		return "event"
	case TypeError:
		return "error"
	case TypeInputText:
		return "input_text"
	case TypeInputKey:
		return "input_key"
	case TypeResize:
		return "resize"
	case TypeKill:
		return "kill"
	case TypeResetSize:
		return "reset_size"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}
