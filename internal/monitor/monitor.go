// Package monitor watches session lifecycle and terminal output and turns
// them into notifications: session start/exit, long command completion,
// terminal bells, and assistant turn-taking for AI agent sessions.
package monitor

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// NotificationType discriminates notifications on the wire.
type NotificationType string

const (
	NotifySessionStart    NotificationType = "session-start"
	NotifySessionExit     NotificationType = "session-exit"
	NotifyCommandFinished NotificationType = "command-finished"
	NotifyCommandError    NotificationType = "command-error"
	NotifyAssistantTurn   NotificationType = "assistant-turn"
	NotifyBell            NotificationType = "bell"
)

// Notification is a single event delivered to subscribers.
type Notification struct {
	Type        NotificationType `json:"type"`
	SessionID   string           `json:"sessionId"`
	SessionName string           `json:"sessionName,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	ExitCode    *int             `json:"exitCode,omitempty"`
	Command     string           `json:"command,omitempty"`
	DurationMs  int64            `json:"durationMs,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// Activity is the best-effort "what is this session doing" readout parsed
// from agent status lines.
type Activity struct {
	App    string `json:"app,omitempty"`
	Status string `json:"status,omitempty"`
}

// SessionState is the monitor's view of one session.
type SessionState struct {
	ID             string
	Name           string
	Command        []string
	StartedAt      time.Time
	IsAssistant    bool
	Active         bool
	LastActivity   time.Time
	TurnNotified   bool
	LastCommand    string
	CommandStartAt time.Time
	Activity       Activity
	Exited         bool
}

const (
	// commandThresholdMs filters out trivial commands: completions faster
	// than this never notify.
	commandThresholdMs = 3000

	defaultMarkIdleDelay = time.Second
	defaultIdleDebounce  = 2 * time.Second
	defaultExitGrace     = 5 * time.Second
	defaultBellInterval  = time.Second
)

// Phrases that indicate an assistant is mid-turn or has finished one.
// Matched against ANSI-stripped output.
var (
	workingPhrases  = []string{"✻", "Thinking", "Analyzing", "Working on", "Let me"}
	finishedPhrases = []string{"I've completed", "I've finished", "Done!", "Here's", "The task is complete"}
)

type Options struct {
	MarkIdleDelay time.Duration // delay after a finished phrase before going idle
	IdleDebounce  time.Duration // inactivity window that ends a turn
	ExitGrace     time.Duration // how long exited sessions stay queryable
	BellInterval  time.Duration // min spacing between bell notifications
	Now           func() time.Time
}

type sessionState struct {
	SessionState

	lastBell    time.Time
	idleSeq     uint64 // invalidates pending mark-idle timers
	debounceSeq uint64 // invalidates pending inactivity timers
	idleTimer   *time.Timer
	debounce    *time.Timer
	removal     *time.Timer
}

// Monitor tracks session state and fans out notifications. Safe for
// concurrent use.
type Monitor struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	subs     map[uint64]chan Notification
	nextSub  uint64
	closed   bool

	markIdleDelay time.Duration
	idleDebounce  time.Duration
	exitGrace     time.Duration
	bellInterval  time.Duration
	now           func() time.Time
}

func New(opts Options) *Monitor {
	if opts.MarkIdleDelay <= 0 {
		opts.MarkIdleDelay = defaultMarkIdleDelay
	}
	if opts.IdleDebounce <= 0 {
		opts.IdleDebounce = defaultIdleDebounce
	}
	if opts.ExitGrace <= 0 {
		opts.ExitGrace = defaultExitGrace
	}
	if opts.BellInterval <= 0 {
		opts.BellInterval = defaultBellInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		sessions:      make(map[string]*sessionState),
		subs:          make(map[uint64]chan Notification),
		markIdleDelay: opts.MarkIdleDelay,
		idleDebounce:  opts.IdleDebounce,
		exitGrace:     opts.ExitGrace,
		bellInterval:  opts.BellInterval,
		now:           opts.Now,
	}
}

// Subscribe returns a buffered notification channel. Slow subscribers drop
// notifications rather than block the monitor.
func (m *Monitor) Subscribe() (uint64, <-chan Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Notification, 256)
	m.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscription.
func (m *Monitor) Unsubscribe(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subs[id]; ok {
		close(ch)
		delete(m.subs, id)
	}
}

// SessionStarted registers a session and emits a start notification.
// Sessions whose command mentions "claude" get assistant turn tracking.
func (m *Monitor) SessionStarted(id, name string, command []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	now := m.now()
	st := &sessionState{SessionState: SessionState{
		ID:           id,
		Name:         name,
		Command:      command,
		StartedAt:    now,
		IsAssistant:  isAssistantCommand(command),
		LastActivity: now,
	}}
	m.sessions[id] = st
	m.publishLocked(Notification{
		Type:        NotifySessionStart,
		SessionID:   id,
		SessionName: name,
		Timestamp:   now,
		Command:     strings.Join(command, " "),
	})
}

// SessionExited emits an exit notification and schedules state removal
// after a grace period so late queries still see the session.
func (m *Monitor) SessionExited(id string, exitCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok || st.Exited {
		return
	}
	st.Exited = true
	st.Active = false
	m.stopTimersLocked(st)
	code := exitCode
	m.publishLocked(Notification{
		Type:        NotifySessionExit,
		SessionID:   id,
		SessionName: st.Name,
		Timestamp:   m.now(),
		ExitCode:    &code,
	})
	st.removal = time.AfterFunc(m.exitGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.sessions[id]; ok && cur == st {
			delete(m.sessions, id)
		}
	})
}

// TrackOutput scans a raw PTY output chunk for bells and, on assistant
// sessions, for turn activity.
func (m *Monitor) TrackOutput(id string, chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok || st.Exited || m.closed {
		return
	}
	now := m.now()
	st.LastActivity = now

	if bytes.IndexByte(chunk, 0x07) >= 0 && now.Sub(st.lastBell) >= m.bellInterval {
		st.lastBell = now
		m.publishLocked(Notification{
			Type:        NotifyBell,
			SessionID:   id,
			SessionName: st.Name,
			Timestamp:   now,
		})
	}

	if !st.IsAssistant {
		return
	}
	clean := stripANSI(string(chunk))

	if status, ok := statusFromOutput(clean); ok {
		st.Activity = Activity{App: "claude", Status: status}
	}

	switch {
	case containsAny(clean, workingPhrases):
		st.Active = true
		st.TurnNotified = false
		st.idleSeq++ // cancel pending mark-idle
		m.scheduleDebounceLocked(st)
	case containsAny(clean, finishedPhrases):
		m.scheduleMarkIdleLocked(st)
	case st.Active:
		m.scheduleDebounceLocked(st)
	}
}

// UpdateCommand records the command now running in the session and starts
// its completion clock.
func (m *Monitor) UpdateCommand(id, command string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[id]; ok {
		st.LastCommand = command
		st.CommandStartAt = m.now()
	}
}

// HandleCommandCompletion closes out the command recorded by UpdateCommand,
// notifying only when it ran long enough to be worth telling the user
// about. Without a recorded start there is nothing to report.
func (m *Monitor) HandleCommandCompletion(id string, exitCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok || m.closed || st.CommandStartAt.IsZero() {
		return
	}
	now := m.now()
	durationMs := now.Sub(st.CommandStartAt).Milliseconds()
	command := st.LastCommand
	st.LastCommand = ""
	st.CommandStartAt = time.Time{}
	if durationMs < commandThresholdMs {
		return
	}
	typ := NotifyCommandFinished
	if exitCode != 0 {
		typ = NotifyCommandError
	}
	code := exitCode
	m.publishLocked(Notification{
		Type:        typ,
		SessionID:   id,
		SessionName: st.Name,
		Timestamp:   now,
		ExitCode:    &code,
		Command:     command,
		DurationMs:  durationMs,
	})
}

// NotifyAssistantTurn is the external completion signal (agent hook). It
// fires immediately unless a turn notification is already latched.
func (m *Monitor) NotifyAssistantTurn(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok || m.closed {
		return
	}
	st.Active = false
	if st.TurnNotified {
		return
	}
	st.TurnNotified = true
	m.publishLocked(Notification{
		Type:        NotifyAssistantTurn,
		SessionID:   id,
		SessionName: st.Name,
		Timestamp:   m.now(),
		Message:     "Your turn",
	})
}

// Sessions returns a snapshot of all tracked sessions, including recently
// exited ones still inside the grace window.
func (m *Monitor) Sessions() []SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionState, 0, len(m.sessions))
	for _, st := range m.sessions {
		out = append(out, st.SessionState)
	}
	return out
}

// State returns the tracked state for one session.
func (m *Monitor) State(id string) (SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok {
		return SessionState{}, false
	}
	return st.SessionState, true
}

// Stop cancels all timers and stops publishing. Subscriptions stay open
// until their owners unsubscribe.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, st := range m.sessions {
		m.stopTimersLocked(st)
		if st.removal != nil {
			st.removal.Stop()
		}
	}
}

// scheduleMarkIdleLocked arms the short post-finished-phrase timer. A new
// finished phrase resets it.
func (m *Monitor) scheduleMarkIdleLocked(st *sessionState) {
	st.idleSeq++
	seq := st.idleSeq
	id := st.ID
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	st.idleTimer = time.AfterFunc(m.markIdleDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.sessions[id]
		if !ok || cur != st || st.idleSeq != seq || m.closed {
			return
		}
		m.goIdleLocked(st)
	})
}

// scheduleDebounceLocked arms the inactivity window. Every output chunk on
// an active session pushes it out again.
func (m *Monitor) scheduleDebounceLocked(st *sessionState) {
	st.debounceSeq++
	seq := st.debounceSeq
	id := st.ID
	if st.debounce != nil {
		st.debounce.Stop()
	}
	st.debounce = time.AfterFunc(m.idleDebounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.sessions[id]
		if !ok || cur != st || st.debounceSeq != seq || m.closed {
			return
		}
		if st.Active {
			m.goIdleLocked(st)
		}
	})
}

func (m *Monitor) goIdleLocked(st *sessionState) {
	st.Active = false
	if st.TurnNotified {
		return
	}
	st.TurnNotified = true
	slog.Debug("assistant turn ended", "session", st.ID)
	m.publishLocked(Notification{
		Type:        NotifyAssistantTurn,
		SessionID:   st.ID,
		SessionName: st.Name,
		Timestamp:   m.now(),
		Message:     "Your turn",
	})
}

func (m *Monitor) stopTimersLocked(st *sessionState) {
	st.idleSeq++
	st.debounceSeq++
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	if st.debounce != nil {
		st.debounce.Stop()
	}
}

func (m *Monitor) publishLocked(n Notification) {
	for _, ch := range m.subs {
		select {
		case ch <- n:
		default: // drop for slow subscribers
		}
	}
}

func isAssistantCommand(command []string) bool {
	for _, arg := range command {
		if strings.Contains(strings.ToLower(arg), "claude") {
			return true
		}
	}
	return false
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// statusFromOutput extracts the status text from an agent spinner line such
// as "✻ Crunching… (esc to interrupt)".
func statusFromOutput(clean string) (string, bool) {
	i := strings.Index(clean, "✻")
	if i < 0 {
		return "", false
	}
	rest := clean[i+len("✻"):]
	if j := strings.IndexByte(rest, '\n'); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.IndexByte(rest, '('); j >= 0 {
		rest = rest[:j]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}
	return rest, true
}
