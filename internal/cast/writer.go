package cast

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Writer appends cast lines to a log file. Event timestamps are seconds
// elapsed since the writer was created (the header's epoch). Safe for
// concurrent use; the PTY read loop and the resize path share one writer.
type Writer struct {
	mu    sync.Mutex
	f     *os.File
	start time.Time
}

// NewWriter creates (or truncates) the cast file at path and writes the
// header line.
func NewWriter(path string, h Header) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open cast file: %w", err)
	}
	w := &Writer{f: f, start: time.Now()}
	line, err := EncodeHeader(h)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if err := w.appendLine(line); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) elapsed() float64 {
	return time.Since(w.start).Seconds()
}

func (w *Writer) appendLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("cast writer closed")
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append cast line: %w", err)
	}
	return nil
}

func (w *Writer) Output(data []byte) error {
	line, err := EncodeOutput(w.elapsed(), string(data))
	if err != nil {
		return err
	}
	return w.appendLine(line)
}

func (w *Writer) Input(data []byte) error {
	line, err := EncodeInput(w.elapsed(), string(data))
	if err != nil {
		return err
	}
	return w.appendLine(line)
}

func (w *Writer) Resize(cols, rows int) error {
	line, err := EncodeResize(w.elapsed(), cols, rows)
	if err != nil {
		return err
	}
	return w.appendLine(line)
}

func (w *Writer) Exit(code int, sessionID string) error {
	line, err := EncodeExit(code, sessionID)
	if err != nil {
		return err
	}
	return w.appendLine(line)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
