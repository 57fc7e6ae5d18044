// Package gitstatus watches git repositories and reports working-tree
// status changes. One watcher per repository is shared by every session
// whose working directory resolves into it.
package gitstatus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNotARepo is returned by Watch for paths outside any git repository.
var ErrNotARepo = errors.New("not inside a git repository")

const defaultDebounce = 500 * time.Millisecond

// Status is a compact working-tree summary.
type Status struct {
	Branch    string `json:"branch,omitempty"`
	Ahead     int    `json:"ahead,omitempty"`
	Behind    int    `json:"behind,omitempty"`
	Modified  int    `json:"modified,omitempty"`
	Added     int    `json:"added,omitempty"`
	Deleted   int    `json:"deleted,omitempty"`
	Untracked int    `json:"untracked,omitempty"`
}

// RunGitFunc executes a git command in dir and returns its stdout.
type RunGitFunc func(dir string, args ...string) (string, error)

type Options struct {
	Debounce time.Duration
	RunGit   RunGitFunc // test hook
}

// Manager tracks one refcounted watcher per repository root.
type Manager struct {
	mu    sync.Mutex
	repos map[string]*repoWatcher

	debounce time.Duration
	runGit   RunGitFunc
	nextSub  uint64
	closed   bool
}

type repoWatcher struct {
	root    string
	refs    int
	subs    map[uint64]func(Status)
	watcher *fsnotify.Watcher
	done    chan struct{}
	last    *Status
	pending bool
}

func New(opts Options) *Manager {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.RunGit == nil {
		opts.RunGit = runGit
	}
	return &Manager{
		repos:    make(map[string]*repoWatcher),
		debounce: opts.Debounce,
		runGit:   opts.RunGit,
	}
}

// FindRepoRoot walks up from dir to the nearest directory containing .git.
func FindRepoRoot(dir string) (string, error) {
	d, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(d, ".git")); err == nil {
			return d, nil
		}
		parent := filepath.Dir(d)
		if parent == d {
			return "", fmt.Errorf("%w: %s", ErrNotARepo, dir)
		}
		d = parent
	}
}

// Watch subscribes fn to status changes for the repository containing
// repoPath. The current status is delivered asynchronously right after
// subscribing; afterwards fn fires only when the status actually changes.
func (m *Manager) Watch(repoPath string, fn func(Status)) (cancel func(), err error) {
	root, err := FindRepoRoot(repoPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("gitstatus manager closed")
	}

	rw, ok := m.repos[root]
	if !ok {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("starting repo watcher: %w", err)
		}
		// Root for working-tree edits, .git for HEAD/index moves.
		if err := w.Add(root); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching %s: %w", root, err)
		}
		if err := w.Add(filepath.Join(root, ".git")); err != nil {
			slog.Warn("git dir not watchable", "repo", root, "err", err)
		}
		rw = &repoWatcher{
			root:    root,
			subs:    make(map[uint64]func(Status)),
			watcher: w,
			done:    make(chan struct{}),
		}
		m.repos[root] = rw
		go m.watchLoop(rw)
	}
	rw.refs++
	id := m.nextSub
	m.nextSub++
	rw.subs[id] = fn

	if rw.last != nil {
		cached := *rw.last
		go fn(cached)
	} else {
		m.kickLocked(rw)
	}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.repos[root]
		if !ok || cur != rw {
			return
		}
		if _, ok := rw.subs[id]; !ok {
			return
		}
		delete(rw.subs, id)
		rw.refs--
		if rw.refs == 0 {
			m.dropLocked(rw)
		}
	}, nil
}

// Close stops every repository watcher.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, rw := range m.repos {
		m.dropLocked(rw)
	}
}

func (m *Manager) dropLocked(rw *repoWatcher) {
	close(rw.done)
	rw.watcher.Close()
	delete(m.repos, rw.root)
}

func (m *Manager) watchLoop(rw *repoWatcher) {
	for {
		select {
		case <-rw.done:
			return
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			m.mu.Lock()
			m.kickLocked(rw)
			m.mu.Unlock()
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("repo watcher error", "repo", rw.root, "err", err)
		}
	}
}

// kickLocked arms the debounced recompute; bursts of filesystem events
// collapse into one git invocation.
func (m *Manager) kickLocked(rw *repoWatcher) {
	if rw.pending {
		return
	}
	rw.pending = true
	time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		if cur, ok := m.repos[rw.root]; !ok || cur != rw {
			m.mu.Unlock()
			return
		}
		rw.pending = false
		m.mu.Unlock()

		status, err := m.compute(rw.root)
		if err != nil {
			slog.Warn("git status failed", "repo", rw.root, "err", err)
			return
		}

		m.mu.Lock()
		if cur, ok := m.repos[rw.root]; !ok || cur != rw {
			m.mu.Unlock()
			return
		}
		if rw.last != nil && *rw.last == status {
			m.mu.Unlock()
			return
		}
		rw.last = &status
		fns := make([]func(Status), 0, len(rw.subs))
		for _, fn := range rw.subs {
			fns = append(fns, fn)
		}
		m.mu.Unlock()

		for _, fn := range fns {
			fn(status)
		}
	})
}

func (m *Manager) compute(root string) (Status, error) {
	out, err := m.runGit(root, "status", "--porcelain=v1", "-b")
	if err != nil {
		return Status{}, err
	}
	status, hasUpstream := parsePorcelain(out)
	if hasUpstream {
		if rl, err := m.runGit(root, "rev-list", "--left-right", "--count", "@{upstream}...HEAD"); err == nil {
			status.Behind, status.Ahead = parseLeftRight(rl)
		}
	}
	return status, nil
}

// parsePorcelain reads `git status --porcelain=v1 -b` output. The branch
// header looks like "## main...origin/main [ahead 1]" or "## HEAD (no
// branch)" when detached.
func parsePorcelain(out string) (Status, bool) {
	var st Status
	hasUpstream := false
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			head := strings.TrimPrefix(line, "## ")
			if i := strings.Index(head, "..."); i >= 0 {
				hasUpstream = true
				head = head[:i]
			} else if i := strings.IndexByte(head, ' '); i >= 0 {
				head = head[:i]
			}
			st.Branch = head
			continue
		}
		if len(line) < 2 {
			continue
		}
		x, y := line[0], line[1]
		switch {
		case x == '?' && y == '?':
			st.Untracked++
		case x == 'D' || y == 'D':
			st.Deleted++
		case x == 'A' || y == 'A':
			st.Added++
		default:
			st.Modified++
		}
	}
	return st, hasUpstream
}

// parseLeftRight reads `git rev-list --left-right --count` output:
// "<behind>\t<ahead>" relative to @{upstream}...HEAD.
func parseLeftRight(out string) (behind, ahead int) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return 0, 0
	}
	behind, _ = strconv.Atoi(fields[0])
	ahead, _ = strconv.Atoi(fields[1])
	return behind, ahead
}

func runGit(dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return out.String(), nil
}
