package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/vibetunnel/vtserver/internal/protocol"
	"github.com/vibetunnel/vtserver/internal/store"
)

// DefaultDialTimeout bounds the websocket handshake to a remote.
const DefaultDialTimeout = 5 * time.Second

// ErrUpstreamClosed is returned once the upstream handle has been shut down.
var ErrUpstreamClosed = errors.New("upstream closed")

// Upstream is the connection handle for one remote. The websocket is dialed
// lazily on the first send and re-dialed after a failure; subscription state
// outlives the connection. All sends for a remote are serialized, so frames
// forwarded after a reconnect always follow the replayed subscriptions.
type Upstream struct {
	id      string
	name    string
	url     string
	token   string
	handler FrameHandler

	dialTimeout time.Duration
	onConnect   func()

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	// flags is session ID → client ID → that client's subscribe flags.
	// sent is the union last written upstream per session; it is cleared
	// when the connection drops so a reconnect replays everything.
	flags  map[string]map[string]uint32
	sent   map[string]uint32
	closed bool
}

// NewUpstream builds a connection handle for a remote. No I/O happens until
// the first send.
func NewUpstream(rem store.Remote, handler FrameHandler, opts Options) *Upstream {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Upstream{
		id:          rem.ID,
		name:        rem.Name,
		url:         rem.URL,
		token:       rem.Token,
		handler:     handler,
		dialTimeout: timeout,
		flags:       make(map[string]map[string]uint32),
		sent:        make(map[string]uint32),
	}
}

// RemoteID returns the remote's registry ID.
func (u *Upstream) RemoteID() string { return u.id }

// Name returns the remote's registered name.
func (u *Upstream) Name() string { return u.name }

// Connected reports whether a websocket to the remote is currently up.
func (u *Upstream) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil
}

// SetClientFlags records one local client's subscribe flags for a session
// (zero removes the client's contribution) and, when the aggregate union
// across all clients changes, sends the remote a Subscribe with the new
// union. A union shrinking to zero is retracted with an Unsubscribe.
func (u *Upstream) SetClientFlags(ctx context.Context, sessionID, clientID string, flags uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrUpstreamClosed
	}

	clients := u.flags[sessionID]
	if flags == 0 {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(u.flags, sessionID)
		}
	} else {
		if clients == nil {
			clients = make(map[string]uint32)
			u.flags[sessionID] = clients
		}
		clients[clientID] = flags
	}
	return u.syncSessionLocked(ctx, sessionID)
}

// DropClient removes a client's contributions from every session and
// propagates the shrunk unions. Errors are logged; the client is already
// gone.
func (u *Upstream) DropClient(ctx context.Context, clientID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	for sid, clients := range u.flags {
		if _, ok := clients[clientID]; !ok {
			continue
		}
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(u.flags, sid)
		}
		if err := u.syncSessionLocked(ctx, sid); err != nil {
			slog.Warn("propagating shrunk subscription", "remote", u.name, "session", sid, "err", err)
		}
	}
}

// Forward sends a frame to the remote, dialing or re-dialing as needed.
func (u *Upstream) Forward(ctx context.Context, f protocol.Frame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrUpstreamClosed
	}

	conn, err := u.ensureConnLocked(ctx)
	if err != nil {
		return err
	}
	if err := u.writeLocked(ctx, conn, f); err == nil {
		return nil
	}
	// The connection died underneath us. Dial once more; the fresh dial
	// replays subscriptions before this frame goes out.
	conn, err = u.ensureConnLocked(ctx)
	if err != nil {
		return err
	}
	return u.writeLocked(ctx, conn, f)
}

// Close tears down the connection. Pending subscription state is discarded.
func (u *Upstream) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	if u.conn != nil {
		u.teardownLocked(u.conn)
	}
}

// syncSessionLocked sends the session's aggregate union upstream when it
// differs from what the remote last saw: Subscribe with the union, or
// Unsubscribe once the union drops to zero.
func (u *Upstream) syncSessionLocked(ctx context.Context, sessionID string) error {
	union := u.unionLocked(sessionID)
	last, wasSent := u.sent[sessionID]
	if wasSent && last == union {
		return nil
	}
	if !wasSent && union == 0 {
		// Nothing to retract: the remote never saw this session, or the
		// connection (and its subscriptions) is already gone.
		return nil
	}

	f := protocol.Frame{Type: protocol.TypeUnsubscribe, SessionID: sessionID}
	if union != 0 {
		f = protocol.Frame{Type: protocol.TypeSubscribe, SessionID: sessionID, Payload: protocol.EncodeFlags(union)}
	}
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := u.ensureConnLocked(ctx)
		if err != nil {
			return err
		}
		// A fresh dial replays subscriptions; this one may be covered now.
		if last, wasSent := u.sent[sessionID]; wasSent && last == union {
			return nil
		}
		if union == 0 {
			if _, stillSent := u.sent[sessionID]; !stillSent {
				// The drop that forced the re-dial already retracted it.
				return nil
			}
		}
		if err := u.writeLocked(ctx, conn, f); err != nil {
			continue
		}
		if union == 0 {
			delete(u.sent, sessionID)
		} else {
			u.sent[sessionID] = union
		}
		return nil
	}
	return fmt.Errorf("syncing %s on remote %s: connection lost", sessionID, u.name)
}

func (u *Upstream) unionLocked(sessionID string) uint32 {
	var union uint32
	for _, f := range u.flags[sessionID] {
		union |= f
	}
	return union
}

// ensureConnLocked returns the live connection, dialing if none is up. A
// fresh dial replays a Subscribe for every session with a non-zero union
// before returning, so the triggering send goes out after them.
func (u *Upstream) ensureConnLocked(ctx context.Context) (*websocket.Conn, error) {
	if u.conn != nil {
		return u.conn, nil
	}

	wsURL := WebsocketURL(u.url)
	dialCtx, cancel := context.WithTimeout(ctx, u.dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if u.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + u.token}}
	}
	conn, _, err := websocket.Dial(dialCtx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("dialing remote %s: %w", u.name, err)
	}
	conn.SetReadLimit(-1)

	readCtx, cancelRead := context.WithCancel(context.Background())
	u.conn = conn
	u.cancel = cancelRead
	go u.readLoop(readCtx, conn)

	slog.Info("connected to remote", "remote", u.name, "url", wsURL)
	if u.onConnect != nil {
		go u.onConnect()
	}

	for sid, clients := range u.flags {
		var union uint32
		for _, f := range clients {
			union |= f
		}
		if union == 0 {
			continue
		}
		sub := protocol.Frame{Type: protocol.TypeSubscribe, SessionID: sid, Payload: protocol.EncodeFlags(union)}
		if err := u.writeLocked(ctx, conn, sub); err != nil {
			return nil, fmt.Errorf("replaying subscription for %s: %w", sid, err)
		}
		u.sent[sid] = union
	}
	return conn, nil
}

// writeLocked sends one frame; on failure the connection is torn down so
// the next send re-dials.
func (u *Upstream) writeLocked(ctx context.Context, conn *websocket.Conn, f protocol.Frame) error {
	if err := conn.Write(ctx, websocket.MessageBinary, protocol.Encode(f)); err != nil {
		u.teardownLocked(conn)
		return fmt.Errorf("sending %s to remote %s: %w", protocol.TypeName(f.Type), u.name, err)
	}
	return nil
}

// teardownLocked marks the connection down. Client flag contributions are
// kept; the sent map is cleared so a reconnect replays every subscription.
func (u *Upstream) teardownLocked(conn *websocket.Conn) {
	if u.conn != conn {
		return
	}
	u.conn = nil
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
	u.sent = make(map[string]uint32)
	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop delivers frames from the remote to the handler until the
// connection drops.
func (u *Upstream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			u.mu.Lock()
			current := u.conn == conn
			if current {
				u.teardownLocked(conn)
			}
			closed := u.closed
			u.mu.Unlock()
			if current && !closed {
				slog.Warn("remote connection lost", "remote", u.name, "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("bad frame from remote", "remote", u.name, "err", err)
			continue
		}
		if f.Type == protocol.TypeWelcome {
			slog.Debug("remote welcome", "remote", u.name)
			continue
		}
		u.handler(u.id, f)
	}
}

// WebsocketURL converts a server base URL to its websocket endpoint:
// http becomes ws, https becomes wss, and a /ws path suffix is appended
// when missing.
func WebsocketURL(raw string) string {
	u := raw
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if !strings.HasSuffix(u, "/ws") {
		u = strings.TrimSuffix(u, "/") + "/ws"
	}
	return u
}
