// Package session manages the on-disk session registry: one directory per
// session under the control directory, holding the cast log ("stdout") and
// the JSON sidecar ("session.json").
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrInvalidID = errors.New("invalid session id")
)

// Session status values stored in the sidecar.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusExited   = "exited"
)

// Info is the session sidecar. Keys are camelCase to stay compatible with
// the sidecars written by other frontends sharing the control directory.
type Info struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Command    []string  `json:"command"`
	WorkingDir string    `json:"workingDir,omitempty"`
	Pid        int       `json:"pid,omitempty"`
	Status     string    `json:"status"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	Cols       int       `json:"cols,omitempty"`
	Rows       int       `json:"rows,omitempty"`
	StartedAt  time.Time `json:"startedAt"`

	// LastClearOffset is the byte offset into the cast log from which a
	// fresh viewer can start replay without losing visible state. Advanced
	// monotonically by the output hub when it finds prune points.
	LastClearOffset int64 `json:"lastClearOffset,omitempty"`
}

// Paths locates a session's files on disk.
type Paths struct {
	Dir    string
	Stdout string
	Info   string
}

// Manager resolves session paths and reads/writes sidecars. Sidecar writes
// are atomic (write-then-rename) and serialized, so concurrent readers see
// either the old or the new file, never a torn one. Read-modify-write
// updates hold the same lock for their whole load+mutate+save cycle.
type Manager struct {
	controlDir string
	mu         sync.Mutex
}

// DefaultControlDir returns ~/.vibetunnel/control.
func DefaultControlDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vibetunnel", "control")
	}
	return filepath.Join(home, ".vibetunnel", "control")
}

func NewManager(controlDir string) (*Manager, error) {
	if controlDir == "" {
		controlDir = DefaultControlDir()
	}
	if err := os.MkdirAll(controlDir, 0o755); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}
	return &Manager{controlDir: controlDir}, nil
}

func (m *Manager) ControlDir() string { return m.controlDir }

// validID rejects ids that could escape the control directory. Session ids
// arrive over the wire, so this is load-bearing.
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	return true
}

func (m *Manager) paths(id string) Paths {
	dir := filepath.Join(m.controlDir, id)
	return Paths{
		Dir:    dir,
		Stdout: filepath.Join(dir, "stdout"),
		Info:   filepath.Join(dir, "session.json"),
	}
}

// Paths returns the file locations for an existing session. ErrNotFound if
// the session directory does not exist.
func (m *Manager) Paths(id string) (Paths, error) {
	if !validID(id) {
		return Paths{}, ErrInvalidID
	}
	p := m.paths(id)
	if _, err := os.Stat(p.Dir); err != nil {
		if os.IsNotExist(err) {
			return Paths{}, ErrNotFound
		}
		return Paths{}, fmt.Errorf("stat session dir: %w", err)
	}
	return p, nil
}

// CreatePaths makes the session directory and returns its paths. Used by
// the PTY manager at spawn time.
func (m *Manager) CreatePaths(id string) (Paths, error) {
	if !validID(id) {
		return Paths{}, ErrInvalidID
	}
	p := m.paths(id)
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create session dir: %w", err)
	}
	return p, nil
}

// LoadInfo reads the sidecar. ErrNotFound when the session or its sidecar
// is absent.
func (m *Manager) LoadInfo(id string) (*Info, error) {
	p, err := m.Paths(id)
	if err != nil {
		return nil, err
	}
	return readInfo(p.Info)
}

func readInfo(path string) (*Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("parse sidecar: %w", err)
	}
	return &info, nil
}

// SaveInfo writes the sidecar atomically. Last writer wins.
func (m *Manager) SaveInfo(info *Info) error {
	if !validID(info.ID) {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeInfoLocked(info)
}

// writeInfoLocked needs m.mu held.
func (m *Manager) writeInfoLocked(info *Info) error {
	p := m.paths(info.ID)
	if _, err := os.Stat(p.Dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat session dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := renameio.WriteFile(p.Info, data, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// UpdateInfo applies mutate to the current sidecar as one critical section.
// Load, mutate, and save all happen under the write lock so concurrent
// updaters never overwrite each other's fields with a stale snapshot.
func (m *Manager) UpdateInfo(id string, mutate func(*Info)) error {
	if !validID(id) {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info, err := readInfo(m.paths(id).Info)
	if err != nil {
		return err
	}
	mutate(info)
	return m.writeInfoLocked(info)
}

// List returns the sidecars of every session directory that has one.
// Directories without a parsable sidecar are skipped.
func (m *Manager) List() ([]*Info, error) {
	entries, err := os.ReadDir(m.controlDir)
	if err != nil {
		return nil, fmt.Errorf("read control dir: %w", err)
	}
	var infos []*Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := m.LoadInfo(e.Name())
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Remove deletes a session directory and everything in it.
func (m *Manager) Remove(id string) error {
	p, err := m.Paths(id)
	if err != nil {
		return err
	}
	return os.RemoveAll(p.Dir)
}
