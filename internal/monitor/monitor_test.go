package monitor

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(t *testing.T) (*Monitor, <-chan Notification) {
	t.Helper()
	m := New(Options{
		MarkIdleDelay: 25 * time.Millisecond,
		IdleDebounce:  60 * time.Millisecond,
		ExitGrace:     100 * time.Millisecond,
		BellInterval:  50 * time.Millisecond,
	})
	t.Cleanup(m.Stop)
	id, ch := m.Subscribe()
	t.Cleanup(func() { m.Unsubscribe(id) })
	return m, ch
}

// newClockedMonitor runs the monitor off a fake clock so command durations
// come out exact.
func newClockedMonitor(t *testing.T) (*Monitor, *fakeClock, <-chan Notification) {
	t.Helper()
	clock := newFakeClock()
	m := New(Options{
		MarkIdleDelay: 25 * time.Millisecond,
		IdleDebounce:  60 * time.Millisecond,
		ExitGrace:     100 * time.Millisecond,
		BellInterval:  50 * time.Millisecond,
		Now:           clock.Now,
	})
	t.Cleanup(m.Stop)
	id, ch := m.Subscribe()
	t.Cleanup(func() { m.Unsubscribe(id) })
	return m, clock, ch
}

func nextNotification(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for notification")
	}
	return Notification{}
}

func expectNone(t *testing.T, ch <-chan Notification, wait time.Duration) {
	t.Helper()
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(wait):
	}
}

// startSession registers a session and consumes its start notification.
func startSession(t *testing.T, m *Monitor, ch <-chan Notification, id string, command []string) {
	t.Helper()
	m.SessionStarted(id, "sess-"+id, command)
	n := nextNotification(t, ch)
	if n.Type != NotifySessionStart {
		t.Fatalf("first notification = %s, want %s", n.Type, NotifySessionStart)
	}
}

func TestSessionLifecycleNotifications(t *testing.T) {
	m, ch := newTestMonitor(t)

	m.SessionStarted("s1", "build", []string{"make", "all"})
	n := nextNotification(t, ch)
	if n.Type != NotifySessionStart || n.SessionID != "s1" || n.SessionName != "build" {
		t.Fatalf("start notification = %+v", n)
	}
	if n.Command != "make all" {
		t.Fatalf("start command = %q, want %q", n.Command, "make all")
	}

	m.SessionExited("s1", 2)
	n = nextNotification(t, ch)
	if n.Type != NotifySessionExit {
		t.Fatalf("exit type = %s", n.Type)
	}
	if n.ExitCode == nil || *n.ExitCode != 2 {
		t.Fatalf("exit code = %v, want 2", n.ExitCode)
	}

	// State stays queryable during the grace window.
	st, ok := m.State("s1")
	if !ok || !st.Exited {
		t.Fatalf("state during grace = %+v ok=%v, want exited state", st, ok)
	}
	// Then it disappears.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := m.State("s1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session state not removed after grace window")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDuplicateExitIgnored(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "s1", []string{"bash"})

	m.SessionExited("s1", 0)
	nextNotification(t, ch)
	m.SessionExited("s1", 0)
	expectNone(t, ch, 40*time.Millisecond)
}

func TestBellRateLimited(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "s1", []string{"bash"})

	m.TrackOutput("s1", []byte("ding\x07"))
	n := nextNotification(t, ch)
	if n.Type != NotifyBell {
		t.Fatalf("type = %s, want %s", n.Type, NotifyBell)
	}

	// Within the rate limit window: suppressed.
	m.TrackOutput("s1", []byte("\x07\x07"))
	expectNone(t, ch, 20*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	m.TrackOutput("s1", []byte("\x07"))
	if n := nextNotification(t, ch); n.Type != NotifyBell {
		t.Fatalf("type after window = %s, want %s", n.Type, NotifyBell)
	}
}

func TestCommandCompletionThreshold(t *testing.T) {
	m, clock, ch := newClockedMonitor(t)
	startSession(t, m, ch, "s1", []string{"zsh"})

	m.UpdateCommand("s1", "ls")
	clock.Advance(120 * time.Millisecond)
	m.HandleCommandCompletion("s1", 0)
	expectNone(t, ch, 30*time.Millisecond)

	m.UpdateCommand("s1", "make test")
	clock.Advance(4500 * time.Millisecond)
	m.HandleCommandCompletion("s1", 0)
	n := nextNotification(t, ch)
	if n.Type != NotifyCommandFinished {
		t.Fatalf("type = %s, want %s", n.Type, NotifyCommandFinished)
	}
	if n.Command != "make test" || n.DurationMs != 4500 {
		t.Fatalf("notification = %+v", n)
	}

	// Exactly at the threshold still fires, as an error on non-zero exit.
	m.UpdateCommand("s1", "make broken")
	clock.Advance(3 * time.Second)
	m.HandleCommandCompletion("s1", 2)
	n = nextNotification(t, ch)
	if n.Type != NotifyCommandError {
		t.Fatalf("type = %s, want %s", n.Type, NotifyCommandError)
	}
	if n.ExitCode == nil || *n.ExitCode != 2 {
		t.Fatalf("exit code = %v, want 2", n.ExitCode)
	}

	// A completion with no recorded command stays silent.
	clock.Advance(time.Minute)
	m.HandleCommandCompletion("s1", 1)
	expectNone(t, ch, 30*time.Millisecond)
}

func TestAssistantTurnAfterFinishedPhrase(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "s1", []string{"claude", "--continue"})

	m.TrackOutput("s1", []byte("✻ Thinking…\n"))
	expectNone(t, ch, 20*time.Millisecond)

	m.TrackOutput("s1", []byte("I've completed the refactor.\n"))
	n := nextNotification(t, ch)
	if n.Type != NotifyAssistantTurn {
		t.Fatalf("type = %s, want %s", n.Type, NotifyAssistantTurn)
	}

	// Latched: a second finished phrase stays silent.
	m.TrackOutput("s1", []byte("Done!\n"))
	expectNone(t, ch, 80*time.Millisecond)
}

func TestWorkingPhraseClearsTurnLatch(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "s1", []string{"claude"})

	m.TrackOutput("s1", []byte("Done!"))
	if n := nextNotification(t, ch); n.Type != NotifyAssistantTurn {
		t.Fatalf("type = %s, want %s", n.Type, NotifyAssistantTurn)
	}

	m.TrackOutput("s1", []byte("Let me look at that file."))
	m.TrackOutput("s1", []byte("Done!"))
	if n := nextNotification(t, ch); n.Type != NotifyAssistantTurn {
		t.Fatalf("second turn type = %s, want %s", n.Type, NotifyAssistantTurn)
	}
}

func TestIdleDebounceEndsTurn(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "s1", []string{"claude"})

	// Working output with no finished phrase: the inactivity window alone
	// must end the turn.
	m.TrackOutput("s1", []byte("Working on the parser\n"))
	n := nextNotification(t, ch)
	if n.Type != NotifyAssistantTurn {
		t.Fatalf("type = %s, want %s", n.Type, NotifyAssistantTurn)
	}
}

func TestNonAssistantSessionNeverTurns(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "s1", []string{"htop"})

	m.TrackOutput("s1", []byte("Done! Here's the summary."))
	expectNone(t, ch, 100*time.Millisecond)
}

func TestAssistantDetectionIsCaseInsensitive(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "s1", []string{"/usr/local/bin/Claude"})

	st, ok := m.State("s1")
	if !ok || !st.IsAssistant {
		t.Fatalf("state = %+v, want assistant session", st)
	}
}

func TestStatusLineUpdatesActivity(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "s1", []string{"claude"})

	m.TrackOutput("s1", []byte("\x1b[38;5;205m✻\x1b[0m Compacting conversation… (esc to interrupt)\n"))
	st, ok := m.State("s1")
	if !ok {
		t.Fatal("session missing")
	}
	if st.Activity.App != "claude" {
		t.Fatalf("activity app = %q, want claude", st.Activity.App)
	}
	if st.Activity.Status != "Compacting conversation…" {
		t.Fatalf("activity status = %q", st.Activity.Status)
	}
	if !st.Active {
		t.Fatal("status line did not mark session active")
	}
}

func TestNotifyAssistantTurnExternalSignal(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "s1", []string{"claude"})

	m.NotifyAssistantTurn("s1")
	n := nextNotification(t, ch)
	if n.Type != NotifyAssistantTurn {
		t.Fatalf("type = %s, want %s", n.Type, NotifyAssistantTurn)
	}

	m.NotifyAssistantTurn("s1")
	expectNone(t, ch, 30*time.Millisecond)
}

func TestUpdateCommandTracked(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "s1", []string{"zsh"})

	m.UpdateCommand("s1", "git rebase -i main")
	st, _ := m.State("s1")
	if st.LastCommand != "git rebase -i main" {
		t.Fatalf("last command = %q", st.LastCommand)
	}
	if st.CommandStartAt.IsZero() {
		t.Fatal("command start time not recorded")
	}
}

func TestStripANSI(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"\x1b[31mred\x1b[0m", "red"},
		{"\x1b]0;title\x07after", "after"},
		{"\x1b]0;title\x1b\\after", "after"},
		{"a\x1b[2Jb", "ab"},
		{"trailing\x1b", "trailing"},
	} {
		if got := stripANSI(tc.in); got != tc.want {
			t.Errorf("stripANSI(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSessionsSnapshot(t *testing.T) {
	m, ch := newTestMonitor(t)
	startSession(t, m, ch, "a", []string{"bash"})
	startSession(t, m, ch, "b", []string{"claude"})

	got := m.Sessions()
	if len(got) != 2 {
		t.Fatalf("sessions = %d, want 2", len(got))
	}
	names := map[string]bool{}
	for _, s := range got {
		names[s.ID] = true
	}
	if !names["a"] || !names["b"] {
		t.Fatalf("session ids = %v", names)
	}
	if !strings.HasPrefix(got[0].Name, "sess-") {
		t.Fatalf("name = %q", got[0].Name)
	}
}
