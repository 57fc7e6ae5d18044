// Package ownership tracks keyboard control: the most recent client to
// claim a session's input owns it, displacing the previous owner.
// Ownership expires after inactivity so an abandoned tab cannot hold a
// session hostage.
package ownership

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	// DefaultTimeout is how long an owner may stay idle before the session
	// counts as unowned again.
	DefaultTimeout = 30 * time.Second
	// DefaultSweepEvery is the cadence of the background expiry sweep.
	DefaultSweepEvery = 5 * time.Second
)

// ChangeFunc observes ownership transitions. newOwner is "" when the
// session became unowned (release or expiry). pending carries the new
// owner's uncommitted input line so frontends can restore what was being
// typed.
type ChangeFunc func(sessionID, newOwner, prevOwner, pending string)

type Options struct {
	Timeout    time.Duration
	SweepEvery time.Duration
	Now        func() time.Time // test hook
}

type entry struct {
	clientID     string
	lastActivity time.Time
	pending      string
}

// Service is the ownership table. All operations are safe for concurrent
// use; change listeners run synchronously in registration order, outside
// the table lock.
type Service struct {
	mu        sync.Mutex
	entries   map[string]*entry
	listeners []ChangeFunc

	timeout time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func New(opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = DefaultSweepEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		entries: make(map[string]*entry),
		timeout: opts.Timeout,
		now:     opts.Now,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop(opts.SweepEvery)
	return s
}

// OnChange registers a transition listener. Listeners must be registered
// before traffic starts; registration order is delivery order.
func (s *Service) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Claim makes clientID the owner of the session, displacing any previous
// owner, and records pending as the uncommitted input. Listeners are
// notified when the owner or the pending input actually changed; a repeat
// claim only refreshes the activity clock.
func (s *Service) Claim(sessionID, clientID, pending string) {
	s.mu.Lock()
	var prev, prevPending string
	if e, ok := s.entries[sessionID]; ok {
		prev = e.clientID
		prevPending = e.pending
	}
	s.entries[sessionID] = &entry{clientID: clientID, lastActivity: s.now(), pending: pending}
	if prev == clientID && prevPending == pending {
		s.mu.Unlock()
		return
	}
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.notify(listeners, sessionID, clientID, prev, pending)
}

// UpdatePending records the caller's uncommitted input. A non-owner
// calling this takes the session over; it is Claim under another name.
func (s *Service) UpdatePending(sessionID, clientID, pending string) {
	s.Claim(sessionID, clientID, pending)
}

// HasOwnership reports whether clientID may write to the session: true
// when the session is unowned (no record, or the record expired) or when
// clientID holds the live record.
func (s *Service) HasOwnership(sessionID, clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok || s.now().Sub(e.lastActivity) > s.timeout {
		return true
	}
	return e.clientID == clientID
}

// Release gives up ownership. A release by a non-owner is a no-op.
func (s *Service) Release(sessionID, clientID string) {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if !ok || e.clientID != clientID {
		s.mu.Unlock()
		return
	}
	delete(s.entries, sessionID)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.notify(listeners, sessionID, "", clientID, "")
}

// ReleaseAllForClient releases every session the client owns. Called on
// client disconnect.
func (s *Service) ReleaseAllForClient(clientID string) {
	s.mu.Lock()
	var dropped []string
	for sid, e := range s.entries {
		if e.clientID == clientID {
			dropped = append(dropped, sid)
			delete(s.entries, sid)
		}
	}
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, sid := range dropped {
		s.notify(listeners, sid, "", clientID, "")
	}
}

// Owner returns the current live owner of a session, or "".
func (s *Service) Owner(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok || s.now().Sub(e.lastActivity) > s.timeout {
		return ""
	}
	return e.clientID
}

// Stop ends the expiry sweeper. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep expires owners idle past the timeout, notifying each transition.
// The pending input dies with the record.
func (s *Service) sweep() {
	type expired struct {
		sessionID string
		owner     string
	}
	s.mu.Lock()
	now := s.now()
	var gone []expired
	for sid, e := range s.entries {
		if now.Sub(e.lastActivity) > s.timeout {
			gone = append(gone, expired{sessionID: sid, owner: e.clientID})
			delete(s.entries, sid)
		}
	}
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, g := range gone {
		slog.Debug("input ownership expired", "session", g.sessionID, "owner", g.owner)
		s.notify(listeners, g.sessionID, "", g.owner, "")
	}
}

// notify runs listeners in order, shielding the service from panics so one
// broken listener cannot silence the rest.
func (s *Service) notify(listeners []ChangeFunc, sessionID, newOwner, prevOwner, pending string) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("ownership listener panicked", "session", sessionID, "panic", r)
				}
			}()
			fn(sessionID, newOwner, prevOwner, pending)
		}()
	}
}
