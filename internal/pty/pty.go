// Package pty spawns and drives terminal sessions. Each session runs a
// command under a pseudo-terminal and records everything to the session's
// cast file; attached clients never talk to the PTY directly, they follow
// the file.
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/vibetunnel/vtserver/internal/cast"
	"github.com/vibetunnel/vtserver/internal/session"
)

// ErrNotRunning is returned for operations on sessions this manager is not
// currently running.
var ErrNotRunning = errors.New("session not running")

// SessionIDEnv is set in every spawned process so shell hooks can find
// their own session.
const SessionIDEnv = "VIBETUNNEL_SESSION_ID"

const (
	defaultCols = 80
	defaultRows = 24

	// readerDrainBudget bounds how long the exit path waits for the PTY
	// reader to flush trailing output before the exit record is written.
	readerDrainBudget = 2 * time.Second
)

// SpawnOpts configures a new session.
type SpawnOpts struct {
	Name    string
	Command []string
	Dir     string
	Cols    uint16
	Rows    uint16
	Env     []string // extra KEY=VALUE entries
}

// Hooks are optional lifecycle and data taps, wired once before Spawn is
// first called. Callbacks run on session goroutines and must not block.
type Hooks struct {
	OnStart         func(s *Session)
	OnExit          func(id string, exitCode int)
	OnOutput        func(id string, chunk []byte)
	OnResize        func(id string, cols, rows uint16)
	OnAssistantTurn func(id string)
}

// Session is a live PTY session.
type Session struct {
	ID        string
	Name      string
	Command   []string
	Dir       string
	StartedAt time.Time

	spawnCols uint16
	spawnRows uint16

	mu      sync.Mutex
	cols    uint16
	rows    uint16
	master  *os.File
	writer  *cast.Writer
	cmd     *exec.Cmd
	inputCh chan []byte
	done    chan struct{} // closed after the exit record is written
}

// Size returns the current terminal geometry.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Done is closed once the session has fully exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Manager owns the live sessions of this process. Sidecar metadata and
// cast files live under the session manager's control directory, where
// they outlive the process.
type Manager struct {
	sessions *session.Manager
	hooks    Hooks

	mu   sync.Mutex
	live map[string]*Session
}

func NewManager(sessions *session.Manager, hooks Hooks) *Manager {
	return &Manager{
		sessions: sessions,
		hooks:    hooks,
		live:     make(map[string]*Session),
	}
}

// Spawn starts command under a new PTY session and begins recording.
func (m *Manager) Spawn(opts SpawnOpts) (*Session, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command must not be empty")
	}
	if err := validateCommand(opts.Command[0]); err != nil {
		return nil, err
	}
	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolving working dir: %w", err)
		}
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("working directory %q does not exist", dir)
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	id := uuid.NewString()
	paths, err := m.sessions.CreatePaths(id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	info := &session.Info{
		ID:         id,
		Name:       opts.Name,
		Command:    opts.Command,
		WorkingDir: dir,
		Status:     session.StatusStarting,
		Cols:       int(cols),
		Rows:       int(rows),
		StartedAt:  now,
	}
	if err := m.sessions.SaveInfo(info); err != nil {
		return nil, err
	}

	writer, err := cast.NewWriter(paths.Stdout, cast.Header{
		Version:   2,
		Width:     int(cols),
		Height:    int(rows),
		Timestamp: now.Unix(),
		Command:   strings.Join(opts.Command, " "),
		Title:     opts.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cast file: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, SessionIDEnv+"="+id)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("starting pty: %w", err)
	}

	info.Status = session.StatusRunning
	if cmd.Process != nil {
		info.Pid = cmd.Process.Pid
	}
	if err := m.sessions.SaveInfo(info); err != nil {
		slog.Warn("sidecar update failed", "session", id, "err", err)
	}

	s := &Session{
		ID:        id,
		Name:      opts.Name,
		Command:   opts.Command,
		Dir:       dir,
		StartedAt: now,
		spawnCols: cols,
		spawnRows: rows,
		cols:      cols,
		rows:      rows,
		master:    master,
		writer:    writer,
		cmd:       cmd,
		inputCh:   make(chan []byte, 256),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.live[id] = s
	m.mu.Unlock()

	readerDone := make(chan struct{})
	go m.readLoop(s, readerDone)
	go m.writeLoop(s)
	go m.waitLoop(s, readerDone)

	slog.Info("session spawned", "session", id, "command", opts.Command[0], "pid", info.Pid)
	if m.hooks.OnStart != nil {
		m.hooks.OnStart(s)
	}
	return s, nil
}

// readLoop drains the PTY into the cast file and the output tap.
func (m *Manager) readLoop(s *Session, readerDone chan struct{}) {
	defer close(readerDone)
	buf := make([]byte, 4096)
	for {
		n, readErr := s.master.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := s.writer.Output(data); err != nil {
				slog.Error("cast write failed", "session", s.ID, "err", err)
			}
			if m.hooks.OnOutput != nil {
				m.hooks.OnOutput(s.ID, data)
			}
		}
		if readErr != nil {
			if readErr != io.EOF && !isEIO(readErr) {
				slog.Error("pty read failed", "session", s.ID, "err", readErr)
			}
			return
		}
	}
}

// writeLoop feeds queued input into the PTY until the session ends.
func (m *Manager) writeLoop(s *Session) {
	for {
		select {
		case data := <-s.inputCh:
			if _, err := s.master.Write(data); err != nil {
				slog.Error("pty write failed", "session", s.ID, "err", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// waitLoop reaps the process, then finalizes the cast file and sidecar.
// The exit record goes in only after the reader drained (or gave up), so
// replays see output before exit.
func (m *Manager) waitLoop(s *Session, readerDone chan struct{}) {
	var exitCode int
	if waitErr := s.cmd.Wait(); waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	select {
	case <-readerDone:
	case <-time.After(readerDrainBudget):
		slog.Warn("pty reader still draining at exit", "session", s.ID)
	}
	s.master.Close()

	if err := s.writer.Exit(exitCode, s.ID); err != nil {
		slog.Error("exit record write failed", "session", s.ID, "err", err)
	}
	s.writer.Close()

	if err := m.sessions.UpdateInfo(s.ID, func(info *session.Info) {
		info.Status = session.StatusExited
		info.ExitCode = &exitCode
	}); err != nil {
		slog.Warn("sidecar exit update failed", "session", s.ID, "err", err)
	}

	m.mu.Lock()
	delete(m.live, s.ID)
	m.mu.Unlock()
	close(s.done)

	slog.Info("session exited", "session", s.ID, "code", exitCode)
	if m.hooks.OnExit != nil {
		m.hooks.OnExit(s.ID, exitCode)
	}
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[id]
	return s, ok
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		out = append(out, s)
	}
	return out
}

// SendText queues raw text as PTY input. Non-blocking: a full input queue
// is an error rather than a stall.
func (m *Manager) SendText(id, text string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	select {
	case s.inputCh <- []byte(text):
		return nil
	default:
		return fmt.Errorf("input queue full for session %s", id)
	}
}

// SendKey queues a named special key.
func (m *Manager) SendKey(id, key string) error {
	seq, err := KeySequence(key)
	if err != nil {
		return err
	}
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	select {
	case s.inputCh <- seq:
		return nil
	default:
		return fmt.Errorf("input queue full for session %s", id)
	}
}

// Resize changes the PTY geometry and records it in the cast file.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 || cols > 10000 || rows > 10000 {
		return fmt.Errorf("unreasonable terminal size %dx%d", cols, rows)
	}
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if err := pty.Setsize(s.master, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resizing pty: %w", err)
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	if err := s.writer.Resize(int(cols), int(rows)); err != nil {
		slog.Error("resize record write failed", "session", id, "err", err)
	}
	if err := m.sessions.UpdateInfo(id, func(info *session.Info) {
		info.Cols, info.Rows = int(cols), int(rows)
	}); err != nil {
		slog.Warn("sidecar resize update failed", "session", id, "err", err)
	}
	if m.hooks.OnResize != nil {
		m.hooks.OnResize(id, cols, rows)
	}
	return nil
}

// ResetSize restores the geometry the session was spawned with.
func (m *Manager) ResetSize(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	return m.Resize(id, s.spawnCols, s.spawnRows)
}

// NotifyAssistantTurn reports that an agent inside the session finished a
// turn. Shell hooks use VIBETUNNEL_SESSION_ID to address their own session.
// Purely advisory: turn detection from output keeps working without it.
func (m *Manager) NotifyAssistantTurn(id string) error {
	if _, ok := m.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if m.hooks.OnAssistantTurn != nil {
		m.hooks.OnAssistantTurn(id)
	}
	return nil
}

// Kill signals the session's process. An empty signal name means SIGTERM.
func (m *Manager) Kill(id, signalName string) error {
	sig, err := ParseSignal(signalName)
	if err != nil {
		return err
	}
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if s.cmd.Process == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if err := s.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("signaling session %s: %w", id, err)
	}
	return nil
}

// Close terminates every live session and waits for their exit records.
func (m *Manager) Close() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	deadline := time.After(5 * time.Second)
	for _, s := range live {
		select {
		case <-s.done:
		case <-deadline:
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			<-s.done
		}
	}
}

func validateCommand(name string) error {
	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err != nil {
			return fmt.Errorf("command %q does not exist", name)
		}
		return nil
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("command %q not found in PATH", name)
	}
	return nil
}

// isEIO reports the EIO a PTY master returns once the slave side closed.
func isEIO(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno == syscall.EIO
		}
	}
	return false
}
