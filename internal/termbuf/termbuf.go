// Package termbuf keeps a per-session rolling tail of raw terminal output,
// packaged as binary snapshots a freshly attached client can paint from
// without replaying the whole cast file.
package termbuf

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/vibetunnel/vtserver/internal/cast"
)

const (
	// SnapshotVersion is the snapshot wire format generation.
	SnapshotVersion = 1
	// maxTail caps the buffered output per session; the front is trimmed
	// once a session exceeds it.
	maxTail = 256 * 1024

	defaultDebounce = 50 * time.Millisecond

	headerLen = 11 // 'V' 'T' ver cols cols rows rows seq seq seq seq
)

// Snapshot is a decoded terminal snapshot.
type Snapshot struct {
	Cols uint16
	Rows uint16
	Seq  uint32
	Data []byte
}

type buffer struct {
	data []byte
	cols uint16
	rows uint16
	seq  uint32

	subs    map[uint64]func()
	pending bool
	timer   *time.Timer
}

// Tracker maintains one rolling buffer per session. Safe for concurrent
// use.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*buffer
	nextSub  uint64
	debounce time.Duration
}

type Options struct {
	Debounce time.Duration // change-notification spacing, default 50ms
}

func New(opts Options) *Tracker {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	return &Tracker{
		sessions: make(map[string]*buffer),
		debounce: opts.Debounce,
	}
}

func (t *Tracker) buf(id string) *buffer {
	b, ok := t.sessions[id]
	if !ok {
		b = &buffer{cols: 80, rows: 24, subs: make(map[uint64]func())}
		t.sessions[id] = b
	}
	return b
}

// Feed appends a chunk of raw PTY output. A prune sequence in the chunk
// resets the buffer to the bytes after the prune point, mirroring what a
// real terminal keeps on screen after a clear.
func (t *Tracker) Feed(id string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	t.mu.Lock()
	b := t.buf(id)
	if p, ok := cast.FindLastPrunePoint(string(chunk)); ok {
		b.data = append(b.data[:0], chunk[p.After:]...)
	} else {
		b.data = append(b.data, chunk...)
	}
	if excess := len(b.data) - maxTail; excess > 0 {
		b.data = b.data[excess:]
	}
	b.seq++
	t.markDirtyLocked(id, b)
	t.mu.Unlock()
}

// SetSize records the session's terminal geometry.
func (t *Tracker) SetSize(id string, cols, rows uint16) {
	t.mu.Lock()
	b := t.buf(id)
	if b.cols != cols || b.rows != rows {
		b.cols, b.rows = cols, rows
		b.seq++
		t.markDirtyLocked(id, b)
	}
	t.mu.Unlock()
}

// Snapshot encodes the session's current state. Unknown sessions yield an
// empty 80x24 snapshot.
func (t *Tracker) Snapshot(id string) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.sessions[id]
	if !ok {
		b = &buffer{cols: 80, rows: 24}
	}
	out := make([]byte, headerLen+len(b.data))
	out[0], out[1] = 'V', 'T'
	out[2] = SnapshotVersion
	binary.BigEndian.PutUint16(out[3:5], b.cols)
	binary.BigEndian.PutUint16(out[5:7], b.rows)
	binary.BigEndian.PutUint32(out[7:11], b.seq)
	copy(out[headerLen:], b.data)
	return out
}

// SubscribeChanges registers a change callback for a session, invoked at
// most once per debounce window. The callback runs on a timer goroutine;
// it should only schedule work.
func (t *Tracker) SubscribeChanges(id string, fn func()) (cancel func()) {
	t.mu.Lock()
	b := t.buf(id)
	sub := t.nextSub
	t.nextSub++
	b.subs[sub] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		if cur, ok := t.sessions[id]; ok && cur == b {
			delete(b.subs, sub)
		}
		t.mu.Unlock()
	}
}

// Drop discards a session's buffer and subscriptions.
func (t *Tracker) Drop(id string) {
	t.mu.Lock()
	if b, ok := t.sessions[id]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(t.sessions, id)
	}
	t.mu.Unlock()
}

func (t *Tracker) markDirtyLocked(id string, b *buffer) {
	if len(b.subs) == 0 || b.pending {
		return
	}
	b.pending = true
	b.timer = time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		cur, ok := t.sessions[id]
		if !ok || cur != b {
			t.mu.Unlock()
			return
		}
		b.pending = false
		fns := make([]func(), 0, len(b.subs))
		for _, fn := range b.subs {
			fns = append(fns, fn)
		}
		t.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

// DecodeSnapshot parses a snapshot produced by Snapshot.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	if len(b) < headerLen {
		return Snapshot{}, fmt.Errorf("snapshot too short: %d bytes", len(b))
	}
	if b[0] != 'V' || b[1] != 'T' {
		return Snapshot{}, fmt.Errorf("bad snapshot magic % 02x", b[:2])
	}
	if b[2] != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported snapshot version %d", b[2])
	}
	return Snapshot{
		Cols: binary.BigEndian.Uint16(b[3:5]),
		Rows: binary.BigEndian.Uint16(b[5:7]),
		Seq:  binary.BigEndian.Uint32(b[7:11]),
		Data: b[headerLen:],
	}, nil
}
