// Package remote implements HQ federation: a persistent registry of
// downstream servers plus lazily dialed upstream websocket connections
// that proxy v3 frames for the sessions those servers own.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vibetunnel/vtserver/internal/protocol"
	"github.com/vibetunnel/vtserver/internal/store"
)

var (
	// ErrClosed is returned after the registry has been shut down.
	ErrClosed = errors.New("registry closed")
	// ErrUnknownRemote is returned for operations naming an unregistered
	// remote.
	ErrUnknownRemote = errors.New("unknown remote")
)

// FrameHandler receives frames read from an upstream connection. The hub
// installs its fan-out here; handlers must not block.
type FrameHandler func(remoteID string, f protocol.Frame)

// Options tunes upstream connections created by the registry.
type Options struct {
	// DialTimeout bounds the websocket handshake to a remote. Default 5s.
	DialTimeout time.Duration
}

// Registry tracks registered remotes and the sessionID → remote routing
// table. Both are written through to the store so routing survives a
// restart. Upstream connections are created on first use and shared.
type Registry struct {
	store       store.Store
	handler     FrameHandler
	dialTimeout time.Duration

	mu        sync.RWMutex
	remotes   map[string]store.Remote // by remote ID
	sessions  map[string]string       // session ID → remote ID
	upstreams map[string]*Upstream
	closed    bool
}

// NewRegistry loads persisted remotes and session routes from st. The
// handler receives every frame any upstream connection delivers.
func NewRegistry(ctx context.Context, st store.Store, handler FrameHandler, opts Options) (*Registry, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	r := &Registry{
		store:       st,
		handler:     handler,
		dialTimeout: timeout,
		remotes:     make(map[string]store.Remote),
		sessions:    make(map[string]string),
		upstreams:   make(map[string]*Upstream),
	}

	remotes, err := st.ListRemotes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading remotes: %w", err)
	}
	for _, rem := range remotes {
		r.remotes[rem.ID] = rem
	}

	routes, err := st.ListRemoteSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading session routes: %w", err)
	}
	for _, rs := range routes {
		r.sessions[rs.SessionID] = rs.RemoteID
	}

	if len(r.remotes) > 0 {
		slog.Info("remote registry loaded", "remotes", len(r.remotes), "routed_sessions", len(r.sessions))
	}
	return r, nil
}

// Register adds or updates a remote by name. A re-registration under an
// existing name keeps the remote's ID and registration time; changed
// connection settings drop any live upstream so the next send dials fresh.
func (r *Registry) Register(ctx context.Context, name, url, token string) (store.Remote, error) {
	if name == "" {
		return store.Remote{}, errors.New("remote name required")
	}
	if url == "" {
		return store.Remote{}, errors.New("remote url required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return store.Remote{}, ErrClosed
	}

	now := time.Now().UTC()
	rem := store.Remote{
		ID:           uuid.NewString(),
		Name:         name,
		URL:          url,
		Token:        token,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	for _, existing := range r.remotes {
		if existing.Name == name {
			rem.ID = existing.ID
			rem.RegisteredAt = existing.RegisteredAt
			rem.LastSeenAt = existing.LastSeenAt
			break
		}
	}

	if err := r.store.UpsertRemote(ctx, rem); err != nil {
		return store.Remote{}, fmt.Errorf("persisting remote %s: %w", name, err)
	}
	r.remotes[rem.ID] = rem

	if up, ok := r.upstreams[rem.ID]; ok && (up.url != url || up.token != token) {
		up.Close()
		delete(r.upstreams, rem.ID)
	}

	slog.Info("remote registered", "name", name, "id", rem.ID, "url", url)
	return rem, nil
}

// Deregister removes a remote, its session routes, and its upstream
// connection.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rem, ok := r.remotes[id]
	if !ok {
		return ErrUnknownRemote
	}
	if err := r.store.DeleteRemote(ctx, id); err != nil {
		return fmt.Errorf("deleting remote %s: %w", rem.Name, err)
	}
	delete(r.remotes, id)
	for sid, rid := range r.sessions {
		if rid == id {
			delete(r.sessions, sid)
		}
	}
	if up, ok := r.upstreams[id]; ok {
		up.Close()
		delete(r.upstreams, id)
	}
	slog.Info("remote deregistered", "name", rem.Name, "id", id)
	return nil
}

// AddSession routes a session ID to a remote. Re-adding moves the route.
func (r *Registry) AddSession(ctx context.Context, sessionID, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.remotes[remoteID]; !ok {
		return ErrUnknownRemote
	}
	if err := r.store.AddRemoteSession(ctx, sessionID, remoteID); err != nil {
		return fmt.Errorf("persisting session route: %w", err)
	}
	r.sessions[sessionID] = remoteID
	return nil
}

// RemoveSession drops a session route. Unknown sessions are a no-op.
func (r *Registry) RemoveSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return nil
	}
	if err := r.store.RemoveRemoteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("removing session route: %w", err)
	}
	delete(r.sessions, sessionID)
	return nil
}

// RemoteForSession resolves the remote owning a session, if any.
func (r *Registry) RemoteForSession(sessionID string) (store.Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[sessionID]
	if !ok {
		return store.Remote{}, false
	}
	rem, ok := r.remotes[id]
	return rem, ok
}

// Get returns a remote by ID.
func (r *Registry) Get(id string) (store.Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rem, ok := r.remotes[id]
	return rem, ok
}

// GetByName returns a remote by its unique name.
func (r *Registry) GetByName(name string) (store.Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rem := range r.remotes {
		if rem.Name == name {
			return rem, true
		}
	}
	return store.Remote{}, false
}

// List returns all remotes ordered by name.
func (r *Registry) List() []store.Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Remote, 0, len(r.remotes))
	for _, rem := range r.remotes {
		out = append(out, rem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Upstream returns the shared upstream connection handle for a remote,
// creating it if needed. The connection itself is dialed on first send.
func (r *Registry) Upstream(remoteID string) (*Upstream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	rem, ok := r.remotes[remoteID]
	if !ok {
		return nil, ErrUnknownRemote
	}
	up, ok := r.upstreams[remoteID]
	if !ok {
		up = NewUpstream(rem, r.handler, Options{DialTimeout: r.dialTimeout})
		up.onConnect = func() { r.touch(rem.ID) }
		r.upstreams[remoteID] = up
	}
	return up, nil
}

// DropClient removes a disconnected client's flag contributions from every
// upstream and propagates the shrunk unions.
func (r *Registry) DropClient(ctx context.Context, clientID string) {
	r.mu.RLock()
	ups := make([]*Upstream, 0, len(r.upstreams))
	for _, up := range r.upstreams {
		ups = append(ups, up)
	}
	r.mu.RUnlock()
	for _, up := range ups {
		up.DropClient(ctx, clientID)
	}
}

// Close shuts down every upstream connection. The store stays open; it
// belongs to the caller.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, up := range r.upstreams {
		up.Close()
		delete(r.upstreams, id)
	}
}

func (r *Registry) touch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.TouchRemote(ctx, id); err != nil {
		slog.Warn("updating remote last-seen", "remote", id, "err", err)
		return
	}
	r.mu.Lock()
	if rem, ok := r.remotes[id]; ok {
		rem.LastSeenAt = time.Now().UTC()
		r.remotes[id] = rem
	}
	r.mu.Unlock()
}
