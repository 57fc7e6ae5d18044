// Package wsv3 implements the multiplexed websocket endpoint: one
// connection carries binary v3 frames for any number of sessions, local or
// federated from remote servers.
package wsv3

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/vibetunnel/vtserver/internal/gitstatus"
	"github.com/vibetunnel/vtserver/internal/monitor"
	"github.com/vibetunnel/vtserver/internal/ownership"
	"github.com/vibetunnel/vtserver/internal/protocol"
	"github.com/vibetunnel/vtserver/internal/pty"
	"github.com/vibetunnel/vtserver/internal/remote"
	"github.com/vibetunnel/vtserver/internal/session"
	"github.com/vibetunnel/vtserver/internal/store"
	"github.com/vibetunnel/vtserver/internal/stream"
	"github.com/vibetunnel/vtserver/internal/termbuf"
)

// Config collects the components a hub serves. Sessions and Streams are
// required; the rest degrade gracefully when nil (tests, reduced setups).
type Config struct {
	Sessions *session.Manager
	Streams  *stream.Hub
	PTYs     *pty.Manager
	Owners   *ownership.Service
	Monitor  *monitor.Monitor
	Buffers  *termbuf.Tracker
	Git      *gitstatus.Manager

	// SendBudget bounds queued stdout bytes per client. Default 4 MiB.
	SendBudget int64
}

// Hub owns all connected websocket clients and routes their frames to the
// local components or, for federated sessions, to the remote registry.
type Hub struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*Client
	remotes *remote.Registry
	closed  bool

	done chan struct{}
}

// NewHub starts a hub. When cfg.Monitor is set, its notifications are
// broadcast on the global channel to clients subscribed with FlagEvents.
func NewHub(cfg Config) *Hub {
	if cfg.SendBudget <= 0 {
		cfg.SendBudget = DefaultSendBudget
	}
	h := &Hub{
		cfg:     cfg,
		clients: make(map[string]*Client),
		done:    make(chan struct{}),
	}
	if cfg.Monitor != nil {
		id, ch := cfg.Monitor.Subscribe()
		go h.pumpNotifications(id, ch)
	}
	return h
}

// SetRemotes installs the HQ federation registry. Called once during server
// wiring, before any client connects; the registry's frame handler should
// be this hub's RemoteFrame.
func (h *Hub) SetRemotes(r *remote.Registry) {
	h.mu.Lock()
	h.remotes = r
	h.mu.Unlock()
}

// HandleConn serves one client connection to completion: Welcome, then the
// dispatch loop. It blocks until the connection closes and all client state
// is released.
func (h *Hub) HandleConn(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(protocol.MaxFrame)
	c := &Client{
		hub:  h,
		id:   uuid.NewString(),
		conn: conn,
		subs: make(map[string]*clientSub),
	}
	c.out = newOutbox(conn, h.cfg.SendBudget, func() {
		slog.Warn("client too slow, dropping", "client", c.id)
		conn.Close(websocket.StatusTryAgainLater, "send buffer overflow")
	})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusServiceRestart, "server restarting")
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	go c.out.run(ctx)
	c.out.enqueue(protocol.WelcomeFrame())
	slog.Info("client connected", "client", c.id)

	c.readLoop(ctx)
	c.teardown()
	slog.Info("client disconnected", "client", c.id)
}

// RemoteFrame fans a frame read from an upstream connection out to the
// local clients subscribed to its session, filtered by each client's own
// flags. It is the handler the remote registry is constructed with.
func (h *Hub) RemoteFrame(remoteID string, f protocol.Frame) {
	for _, c := range h.snapshotClients() {
		c.relayRemote(remoteID, f)
	}
}

// Close disconnects every client with StatusServiceRestart and stops the
// notification pump. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	close(h.done)
	for _, c := range clients {
		c.conn.Close(websocket.StatusServiceRestart, "server restarting")
	}
}

// ClientCount reports connected clients (health endpoint).
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) pumpNotifications(id uint64, ch <-chan monitor.Notification) {
	defer h.cfg.Monitor.Unsubscribe(id)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			f, err := protocol.EventFrame(n.SessionID, n)
			if err != nil {
				slog.Warn("encoding notification", "type", n.Type, "err", err)
				continue
			}
			for _, c := range h.snapshotClients() {
				if c.globalEvents() {
					c.out.enqueue(f)
				}
			}
		case <-h.done:
			return
		}
	}
}

func (h *Hub) snapshotClients() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) removeClient(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *Hub) remoteRegistry() *remote.Registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remotes
}

// remoteFor resolves a session to its owning remote, when HQ mode is on
// and the session is routed.
func (h *Hub) remoteFor(sessionID string) (*remote.Registry, store.Remote, bool) {
	reg := h.remoteRegistry()
	if reg == nil {
		return nil, store.Remote{}, false
	}
	rem, ok := reg.RemoteForSession(sessionID)
	return reg, rem, ok
}

// workingDir resolves a session's working directory from its sidecar, for
// the git watcher.
func (h *Hub) workingDir(sessionID string) string {
	if h.cfg.Sessions == nil {
		return ""
	}
	info, err := h.cfg.Sessions.LoadInfo(sessionID)
	if err != nil {
		return ""
	}
	return info.WorkingDir
}
