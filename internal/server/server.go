// Package server assembles the session, recording, and websocket components
// into one runnable unit and serves the /ws and /healthz endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/vibetunnel/vtserver/internal/auth"
	"github.com/vibetunnel/vtserver/internal/config"
	"github.com/vibetunnel/vtserver/internal/gitstatus"
	"github.com/vibetunnel/vtserver/internal/monitor"
	"github.com/vibetunnel/vtserver/internal/ownership"
	"github.com/vibetunnel/vtserver/internal/pty"
	"github.com/vibetunnel/vtserver/internal/remote"
	"github.com/vibetunnel/vtserver/internal/session"
	"github.com/vibetunnel/vtserver/internal/store"
	"github.com/vibetunnel/vtserver/internal/stream"
	"github.com/vibetunnel/vtserver/internal/termbuf"
	"github.com/vibetunnel/vtserver/internal/wsv3"
)

// Version is reported by /healthz and `vts version`. Overridable at build
// time with -ldflags "-X .../internal/server.Version=...".
var Version = "1.0.0"

// bufferDropGrace keeps a session's terminal buffer around briefly after
// exit, matching the monitor's grace, so late subscribers still get a
// final snapshot.
const bufferDropGrace = 5 * time.Second

const shutdownTimeout = 5 * time.Second

// Server owns every long-lived component: session registry, PTY manager,
// cast stream hub, terminal buffers, activity monitor, git watcher, the
// websocket hub, and, when HQ mode is on, the federation registry.
type Server struct {
	cfg   *config.Config
	token string

	sessions *session.Manager
	streams  *stream.Hub
	ptys     *pty.Manager
	owners   *ownership.Service
	monitor  *monitor.Monitor
	buffers  *termbuf.Tracker
	git      *gitstatus.Manager
	hub      *wsv3.Hub

	// HQ mode only; nil otherwise.
	registry *remote.Registry
	db       store.Store

	ln        net.Listener
	closeOnce sync.Once
}

// New builds a server from cfg: ensures the auth token exists, opens the
// control directory, and wires all components together. HQ federation is
// initialised when cfg.HQ is active.
func New(cfg *config.Config) (*Server, error) {
	token, err := auth.LoadOrGenerate(cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("loading auth token: %w", err)
	}
	slog.Info("auth token ready", "token", token)

	sessions, err := session.NewManager(cfg.Server.ControlDir)
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		token:    token,
		sessions: sessions,
		streams:  stream.NewHub(sessions),
		owners:   ownership.New(ownership.Options{}),
		monitor:  monitor.New(monitor.Options{}),
		buffers:  termbuf.New(termbuf.Options{}),
		git:      gitstatus.New(gitstatus.Options{}),
	}

	s.owners.OnChange(func(sessionID, newOwner, prevOwner, pending string) {
		slog.Debug("input owner changed",
			"session", sessionID, "owner", newOwner, "prev", prevOwner)
	})

	s.ptys = pty.NewManager(sessions, pty.Hooks{
		OnStart: func(ps *pty.Session) {
			cols, rows := ps.Size()
			s.buffers.SetSize(ps.ID, cols, rows)
			s.monitor.SessionStarted(ps.ID, ps.Name, ps.Command)
			s.monitor.UpdateCommand(ps.ID, strings.Join(ps.Command, " "))
		},
		OnOutput: func(id string, chunk []byte) {
			s.monitor.TrackOutput(id, chunk)
			s.buffers.Feed(id, chunk)
		},
		OnResize: func(id string, cols, rows uint16) {
			s.buffers.SetSize(id, cols, rows)
		},
		OnExit: func(id string, exitCode int) {
			// The command completes when the session does; report it
			// before the exit notification so the pair reads in order.
			s.monitor.HandleCommandCompletion(id, exitCode)
			s.monitor.SessionExited(id, exitCode)
			time.AfterFunc(bufferDropGrace, func() { s.buffers.Drop(id) })
		},
		OnAssistantTurn: func(id string) {
			s.monitor.NotifyAssistantTurn(id)
		},
	})

	s.hub = wsv3.NewHub(wsv3.Config{
		Sessions: sessions,
		Streams:  s.streams,
		PTYs:     s.ptys,
		Owners:   s.owners,
		Monitor:  s.monitor,
		Buffers:  s.buffers,
		Git:      s.git,
	})

	if cfg.HQ.Active() {
		if err := s.initHQ(cfg); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// initHQ opens the registry store and registers (or refreshes) every remote
// from the config. Previously persisted remotes and session routes load
// automatically.
func (s *Server) initHQ(cfg *config.Config) error {
	db, err := store.NewSQLiteStore(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("opening HQ registry store: %w", err)
	}
	s.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg, err := remote.NewRegistry(ctx, db, s.hub.RemoteFrame, remote.Options{})
	if err != nil {
		return fmt.Errorf("loading HQ registry: %w", err)
	}
	s.registry = reg
	s.hub.SetRemotes(reg)

	for _, rc := range cfg.HQ.Remotes {
		if _, err := reg.Register(ctx, rc.Name, rc.URL, rc.Token); err != nil {
			return fmt.Errorf("registering remote %q: %w", rc.Name, err)
		}
	}
	return nil
}

// Token returns the auth token clients must present.
func (s *Server) Token() string { return s.token }

// Registry returns the HQ federation registry, or nil outside HQ mode.
func (s *Server) Registry() *remote.Registry { return s.registry }

// Handler returns the HTTP routes. Run serves this same handler; tests can
// mount it on an httptest server instead.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Listen binds the configured address. Separate from Run so callers can
// read the bound address (":0" picks a free port) before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listen address, or the configured one before
// Listen has run.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Server.Listen
	}
	return s.ln.Addr().String()
}

// Run spawns any configured autostart sessions and serves until ctx is
// cancelled. On cancellation connected clients are told the server is
// restarting and in-flight requests get a 5s drain budget.
func (s *Server) Run(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	srv := &http.Server{Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.autostart()

	slog.Info("websocket server listening", "addr", s.Addr(), "server", s.cfg.Server.Name)
	if err := srv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Close releases every component. Safe to call repeatedly and after Run
// has returned.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.hub.Close()
		if s.registry != nil {
			s.registry.Close()
		}
		if s.db != nil {
			_ = s.db.Close()
		}
		s.ptys.Close()
		s.streams.Close()
		s.git.Close()
		s.monitor.Stop()
		s.owners.Stop()
		if s.ln != nil {
			_ = s.ln.Close()
		}
	})
}

func (s *Server) autostart() {
	for _, sc := range s.cfg.Sessions {
		ps, err := s.ptys.Spawn(pty.SpawnOpts{
			Name:    sc.Name,
			Command: sc.Command,
			Dir:     sc.Dir,
			Cols:    uint16(sc.Cols),
			Rows:    uint16(sc.Rows),
		})
		if err != nil {
			slog.Error("autostart session failed", "name", sc.Name, "err", err)
			continue
		}
		slog.Info("autostart session running", "session", ps.ID, "command", sc.Command[0])
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !auth.Validate(auth.BearerToken(r), s.token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("websocket accept error", "err", err)
		return
	}

	s.hub.HandleConn(r.Context(), conn)
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:   "ok",
		Version:  Version,
		Sessions: len(s.ptys.List()),
	})
}
