// Package stream follows cast logs as they grow and fans their events out
// to subscribers, replaying trimmed history to each new subscriber first.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrTruncated means the file shrank below the committed offset. The log is
// append-only; a shrink means it was replaced and tailing cannot continue.
var ErrTruncated = errors.New("cast file truncated")

const (
	// Poll cadence while waiting for the file to appear.
	appearPoll = 200 * time.Millisecond
	// Safety-net poll cadence once fsnotify is watching.
	fallbackPoll = time.Second
)

// Line is one complete cast line together with the file offset just past
// its newline. Offsets let the hub compute clear offsets exactly.
type Line struct {
	Data []byte
	End  int64
}

// Tailer follows one growing file from a starting offset, delivering
// complete lines in order. Partial trailing lines are held until their
// newline arrives.
type Tailer struct {
	path  string
	lines chan Line
	done  chan struct{}
	stop  sync.Once

	mu     sync.Mutex
	offset int64
	err    error

	carry      []byte
	carryStart int64 // file offset of carry[0]
}

// NewTailer starts tailing path from offset. If the file does not exist yet
// it is polled for until it appears or Stop is called.
func NewTailer(path string, offset int64) *Tailer {
	t := &Tailer{
		path:   path,
		lines:  make(chan Line, 64),
		done:   make(chan struct{}),
		offset: offset,
	}
	t.carryStart = offset
	go t.run()
	return t
}

// Lines delivers complete lines in file order. The channel closes when the
// tailer stops; check Err afterwards.
func (t *Tailer) Lines() <-chan Line { return t.lines }

// Err reports why tailing ended. Valid after Lines closes; nil means a
// clean Stop.
func (t *Tailer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Offset is the committed read offset (everything before it was consumed).
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Stop ends tailing. Idempotent.
func (t *Tailer) Stop() {
	t.stop.Do(func() { close(t.done) })
}

func (t *Tailer) setErr(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

func (t *Tailer) run() {
	defer close(t.lines)

	f, err := t.waitForFile()
	if err != nil {
		t.setErr(err)
		return
	}
	if f == nil {
		return // stopped while waiting
	}
	defer f.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Degraded mode: polling only.
		slog.Warn("fsnotify unavailable, tailing by poll", "path", t.path, "error", err)
		watcher = nil
	} else {
		defer watcher.Close()
		// Watch the parent directory: write events carry the file name and
		// the watch survives rotations of the file itself.
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			slog.Warn("watch dir failed, tailing by poll", "path", t.path, "error", err)
			watcher.Close()
			watcher = nil
		}
	}

	// Catch up whatever is already there.
	if err := t.consume(f); err != nil {
		t.setErr(err)
		return
	}

	ticker := time.NewTicker(fallbackPoll)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var werrs chan error
	if watcher != nil {
		events = watcher.Events
		werrs = watcher.Errors
	}

	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if err := t.consume(f); err != nil {
				t.setErr(err)
				return
			}
		case err, ok := <-werrs:
			if !ok {
				werrs = nil
				continue
			}
			slog.Warn("watch error", "path", t.path, "error", err)
		case <-ticker.C:
			if err := t.consume(f); err != nil {
				t.setErr(err)
				return
			}
		}
	}
}

// waitForFile polls until the file exists, then opens it. Returns (nil, nil)
// when stopped first.
func (t *Tailer) waitForFile() (*os.File, error) {
	for {
		f, err := os.Open(t.path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", t.path, err)
		}
		select {
		case <-t.done:
			return nil, nil
		case <-time.After(appearPoll):
		}
	}
}

// consume reads everything between the committed offset and the current
// size and delivers the complete lines found.
func (t *Tailer) consume(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", t.path, err)
	}
	size := fi.Size()

	t.mu.Lock()
	read := t.carryStart + int64(len(t.carry))
	t.mu.Unlock()

	if size < read {
		return ErrTruncated
	}
	if size == read {
		return nil
	}

	if _, err := f.Seek(read, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", t.path, err)
	}
	delta := make([]byte, size-read)
	if _, err := io.ReadFull(f, delta); err != nil {
		return fmt.Errorf("read %s: %w", t.path, err)
	}

	data := append(t.carry, delta...)
	base := t.carryStart
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, data[:i])
		end := base + int64(i) + 1
		data = data[i+1:]
		base = end

		t.mu.Lock()
		t.offset = end
		t.mu.Unlock()

		select {
		case t.lines <- Line{Data: line, End: end}:
		case <-t.done:
			return nil
		}
	}

	t.mu.Lock()
	t.carry = append([]byte(nil), data...)
	t.carryStart = base
	t.mu.Unlock()
	return nil
}
