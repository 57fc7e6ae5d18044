// Package cast implements the asciinema-flavored cast log format used for
// session recordings: a JSON header line followed by newline-delimited JSON
// event tuples, plus the scanner for "prune points" (escape sequences after
// which earlier output is irrelevant to a fresh viewer).
package cast

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Kind discriminates parsed cast lines.
type Kind int

const (
	KindUnknown Kind = iota
	KindHeader
	KindOutput
	KindInput
	KindResize
	KindMarker
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindOutput:
		return "output"
	case KindInput:
		return "input"
	case KindResize:
		return "resize"
	case KindMarker:
		return "marker"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Header is the first line of a cast file. A line is a header iff it is a
// JSON object carrying a "version" key.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one parsed cast line. Fields are populated according to Kind:
// Header for KindHeader; Time+Data for output/input/marker; Time+Data+
// Cols/Rows for resize; ExitCode+SessionID for exit.
type Event struct {
	Kind      Kind
	Time      float64
	Data      string
	Cols      int
	Rows      int
	ExitCode  int
	SessionID string
	Header    *Header
}

// ParseLine parses one cast line. It is total: malformed input yields
// Event{Kind: KindUnknown} and never an error or panic.
func ParseLine(line []byte) Event {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Event{}
	}
	switch trimmed[0] {
	case '{':
		return parseHeaderLine(trimmed)
	case '[':
		return parseEventLine(trimmed)
	}
	return Event{}
}

func parseHeaderLine(line []byte) Event {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return Event{}
	}
	if _, ok := probe["version"]; !ok {
		return Event{}
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Event{}
	}
	return Event{Kind: KindHeader, Header: &h}
}

func parseEventLine(line []byte) Event {
	var arr []json.RawMessage
	if err := json.Unmarshal(line, &arr); err != nil || len(arr) < 3 {
		return Event{}
	}

	// The exit record breaks the [time, code, data] shape: it is
	// ["exit", exitCode, sessionID].
	var discriminator string
	if json.Unmarshal(arr[0], &discriminator) == nil && discriminator == "exit" {
		var code int
		if err := json.Unmarshal(arr[1], &code); err != nil {
			return Event{}
		}
		var sid string
		_ = json.Unmarshal(arr[2], &sid)
		return Event{Kind: KindExit, ExitCode: code, SessionID: sid}
	}

	var t float64
	if err := json.Unmarshal(arr[0], &t); err != nil {
		return Event{}
	}
	var code string
	if err := json.Unmarshal(arr[1], &code); err != nil {
		return Event{}
	}
	var data string
	if err := json.Unmarshal(arr[2], &data); err != nil {
		return Event{}
	}

	switch code {
	case "o":
		return Event{Kind: KindOutput, Time: t, Data: data}
	case "i":
		return Event{Kind: KindInput, Time: t, Data: data}
	case "m":
		return Event{Kind: KindMarker, Time: t, Data: data}
	case "r":
		cols, rows := ParseDims(data)
		return Event{Kind: KindResize, Time: t, Data: data, Cols: cols, Rows: rows}
	}
	return Event{}
}

// ParseDims parses a "COLSxROWS" resize payload. Malformed input yields
// (0, 0).
func ParseDims(data string) (cols, rows int) {
	c, r, ok := strings.Cut(data, "x")
	if !ok {
		return 0, 0
	}
	cols, err := strconv.Atoi(c)
	if err != nil {
		return 0, 0
	}
	rows, err = strconv.Atoi(r)
	if err != nil {
		return 0, 0
	}
	return cols, rows
}

// Encoders return a single cast line without the trailing newline.

func EncodeHeader(h Header) ([]byte, error) {
	return json.Marshal(h)
}

func EncodeOutput(t float64, data string) ([]byte, error) {
	return json.Marshal([]any{t, "o", data})
}

func EncodeInput(t float64, data string) ([]byte, error) {
	return json.Marshal([]any{t, "i", data})
}

func EncodeResize(t float64, cols, rows int) ([]byte, error) {
	return json.Marshal([]any{t, "r", strconv.Itoa(cols) + "x" + strconv.Itoa(rows)})
}

func EncodeExit(code int, sessionID string) ([]byte, error) {
	return json.Marshal([]any{"exit", code, sessionID})
}

// pruneSequences are escape sequences that invalidate all prior output for
// a fresh viewer. Order matters only for tie-breaking in FindLastPrunePoint.
var pruneSequences = []string{
	"\x1b[3J",       // clear scrollback
	"\x1bc",         // RIS full reset
	"\x1b[2J",       // clear screen
	"\x1b[H\x1b[J",  // cursor home + clear to end
	"\x1b[H\x1b[2J", // cursor home + clear screen
	"\x1b[?1049h",   // alternate screen enter
	"\x1b[?1049l",   // alternate screen leave
	"\x1b[?47h",     // legacy alternate screen enter
	"\x1b[?47l",     // legacy alternate screen leave
}

// ContainsPrune reports whether data carries any prune sequence. Cheap
// pre-check before FindLastPrunePoint on hot paths.
func ContainsPrune(data string) bool {
	if !strings.Contains(data, "\x1b") {
		return false
	}
	for _, seq := range pruneSequences {
		if strings.Contains(data, seq) {
			return true
		}
	}
	return false
}

// PrunePoint locates the rightmost prune sequence within an output chunk.
type PrunePoint struct {
	Sequence string // the matched escape sequence
	After    int    // byte offset immediately past the sequence
}

// FindLastPrunePoint scans data for the rightmost prune sequence. When two
// sequences end at the same offset (one is a suffix of the other, e.g.
// clear-screen inside home+clear-screen) the longer match is reported; the
// After offset is identical either way.
func FindLastPrunePoint(data string) (PrunePoint, bool) {
	if !strings.Contains(data, "\x1b") {
		return PrunePoint{}, false
	}
	var best PrunePoint
	found := false
	for _, seq := range pruneSequences {
		i := strings.LastIndex(data, seq)
		if i < 0 {
			continue
		}
		end := i + len(seq)
		if !found || end > best.After || (end == best.After && len(seq) > len(best.Sequence)) {
			best = PrunePoint{Sequence: seq, After: end}
			found = true
		}
	}
	return best, found
}
