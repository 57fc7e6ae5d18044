package protocol

import (
	"encoding/json"
	"time"
)

// WelcomePayload is the first frame sent to every client, on the global
// channel.
type WelcomePayload struct {
	OK      bool `json:"ok"`
	Version int  `json:"version"`
}

// ErrorPayload reports a per-frame failure. Code is a machine-readable
// discriminator ("bad_frame", "remote_unavailable", ...) and may be empty.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Structured events pushed as TypeEvent frames. Each carries a "type"
// discriminator; consumers switch on it and ignore unknown types.

// HeaderEvent opens a stdout replay: terminal geometry and the command the
// session runs.
type HeaderEvent struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Command string `json:"command,omitempty"`
	Title   string `json:"title,omitempty"`
}

// ResizeEvent reports a terminal geometry change.
type ResizeEvent struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ExitEvent reports process termination.
type ExitEvent struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exitCode"`
}

// ConnectedEvent is sent on the global channel when a client subscribes to
// global events.
type ConnectedEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// WelcomeFrame builds the handshake frame.
func WelcomeFrame() Frame {
	data, _ := json.Marshal(WelcomePayload{OK: true, Version: Version})
	return Frame{Type: TypeWelcome, Payload: data}
}

// ErrorFrame builds an error frame addressed to sessionID ("" for global).
func ErrorFrame(sessionID, message, code string) Frame {
	data, _ := json.Marshal(ErrorPayload{Message: message, Code: code})
	return Frame{Type: TypeError, SessionID: sessionID, Payload: data}
}

// EventFrame builds a TypeEvent frame from any JSON-marshalable event.
func EventFrame(sessionID string, event any) (Frame, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: TypeEvent, SessionID: sessionID, Payload: data}, nil
}
