package wsv3

import (
	"context"
	"sync"

	"nhooyr.io/websocket"

	"github.com/vibetunnel/vtserver/internal/protocol"
)

// DefaultSendBudget bounds the stdout bytes queued for one client before
// the connection is declared too slow and dropped.
const DefaultSendBudget = 4 << 20

// outbox is a client's outbound queue, served by a single writer goroutine
// so slow consumers never block the hub. Stdout frames count against a byte
// budget; snapshots coalesce to at most one pending per session; everything
// else is small and queues normally.
type outbox struct {
	conn       *websocket.Conn
	budget     int64
	onOverflow func()

	mu          sync.Mutex
	frames      []protocol.Frame
	snaps       map[string][]byte
	snapOrder   []string
	stdoutBytes int64
	closed      bool

	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newOutbox(conn *websocket.Conn, budget int64, onOverflow func()) *outbox {
	if budget <= 0 {
		budget = DefaultSendBudget
	}
	return &outbox{
		conn:       conn,
		budget:     budget,
		onOverflow: onOverflow,
		snaps:      make(map[string][]byte),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. Exceeding the stdout budget trips
// the overflow callback once and discards everything after it.
func (o *outbox) enqueue(f protocol.Frame) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if f.Type == protocol.TypeStdout {
		if o.stdoutBytes+int64(len(f.Payload)) > o.budget {
			o.closed = true
			o.mu.Unlock()
			o.stopLoop()
			if o.onOverflow != nil {
				o.onOverflow()
			}
			return
		}
		o.stdoutBytes += int64(len(f.Payload))
	}
	o.frames = append(o.frames, f)
	o.mu.Unlock()
	o.wake()
}

// enqueueSnapshot queues a terminal snapshot, replacing any snapshot still
// pending for the same session.
func (o *outbox) enqueueSnapshot(sessionID string, payload []byte) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if _, pending := o.snaps[sessionID]; !pending {
		o.snapOrder = append(o.snapOrder, sessionID)
	}
	o.snaps[sessionID] = payload
	o.mu.Unlock()
	o.wake()
}

func (o *outbox) wake() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// pop returns the next frame to send: queued frames first, then pending
// snapshots in arrival order.
func (o *outbox) pop() (protocol.Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) > 0 {
		f := o.frames[0]
		o.frames = o.frames[1:]
		if f.Type == protocol.TypeStdout {
			o.stdoutBytes -= int64(len(f.Payload))
		}
		return f, true
	}
	for len(o.snapOrder) > 0 {
		sid := o.snapOrder[0]
		o.snapOrder = o.snapOrder[1:]
		payload, ok := o.snaps[sid]
		if !ok {
			continue
		}
		delete(o.snaps, sid)
		return protocol.Frame{Type: protocol.TypeSnapshotVT, SessionID: sid, Payload: payload}, true
	}
	return protocol.Frame{}, false
}

// run is the writer loop. It exits on write failure, stop, or ctx cancel.
func (o *outbox) run(ctx context.Context) {
	for {
		for {
			f, ok := o.pop()
			if !ok {
				break
			}
			if err := o.conn.Write(ctx, websocket.MessageBinary, protocol.Encode(f)); err != nil {
				return
			}
		}
		select {
		case <-o.kick:
		case <-o.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// stop ends the writer loop and rejects further enqueues. Idempotent.
func (o *outbox) stop() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stopLoop()
}

func (o *outbox) stopLoop() {
	o.stopOnce.Do(func() { close(o.done) })
}
