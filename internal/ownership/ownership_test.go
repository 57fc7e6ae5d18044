package ownership

import (
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

type change struct {
	sessionID string
	newOwner  string
	prevOwner string
	pending   string
}

// newTestService uses a fake clock and an effectively disabled background
// sweeper so tests drive expiry explicitly.
func newTestService(t *testing.T) (*Service, *fakeClock, *[]change) {
	t.Helper()
	clock := newFakeClock()
	s := New(Options{Timeout: 30 * time.Second, SweepEvery: time.Hour, Now: clock.Now})
	t.Cleanup(s.Stop)
	var changes []change
	s.OnChange(func(sessionID, newOwner, prevOwner, pending string) {
		changes = append(changes, change{sessionID, newOwner, prevOwner, pending})
	})
	return s, clock, &changes
}

func TestClaimUnownedSession(t *testing.T) {
	s, _, changes := newTestService(t)

	s.Claim("s1", "alice", "")
	if !s.HasOwnership("s1", "alice") {
		t.Fatal("claimer does not own session")
	}
	if got := len(*changes); got != 1 {
		t.Fatalf("change notifications = %d, want 1", got)
	}
	want := change{"s1", "alice", "", ""}
	if (*changes)[0] != want {
		t.Fatalf("notification = %+v, want %+v", (*changes)[0], want)
	}
}

func TestClaimDisplacesLiveOwner(t *testing.T) {
	s, _, changes := newTestService(t)

	s.Claim("s1", "alice", "ls")
	s.Claim("s1", "bob", "")

	if !s.HasOwnership("s1", "bob") {
		t.Fatal("new claimant does not own session")
	}
	if s.HasOwnership("s1", "alice") {
		t.Fatal("displaced owner still owns session")
	}
	if got := s.Owner("s1"); got != "bob" {
		t.Fatalf("Owner = %q, want bob", got)
	}
	want := []change{
		{"s1", "alice", "", "ls"},
		{"s1", "bob", "alice", ""},
	}
	if len(*changes) != len(want) {
		t.Fatalf("notifications = %+v, want %+v", *changes, want)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Fatalf("notification %d = %+v, want %+v", i, (*changes)[i], want[i])
		}
	}
}

func TestReclaimBySameOwnerRefreshes(t *testing.T) {
	s, clock, changes := newTestService(t)

	s.Claim("s1", "alice", "")
	clock.Advance(20 * time.Second)
	s.Claim("s1", "alice", "")
	// The reclaim reset the clock, so 20 more seconds stays under the
	// 30 second timeout.
	clock.Advance(20 * time.Second)
	if got := s.Owner("s1"); got != "alice" {
		t.Fatalf("Owner = %q, want alice (reclaim did not refresh activity)", got)
	}
	if got := len(*changes); got != 1 {
		t.Fatalf("change notifications = %d, want 1 (reclaim is not a transition)", got)
	}
}

func TestClaimExpiredSessionTakesOver(t *testing.T) {
	s, clock, changes := newTestService(t)

	s.Claim("s1", "alice", "half-typed comm")
	clock.Advance(31 * time.Second)

	s.Claim("s1", "bob", "")
	if !s.HasOwnership("s1", "bob") {
		t.Fatal("new owner not recorded")
	}
	last := (*changes)[len(*changes)-1]
	want := change{"s1", "bob", "alice", ""}
	if last != want {
		t.Fatalf("takeover notification = %+v, want %+v", last, want)
	}
}

func TestUpdatePendingByNonOwnerTakesOver(t *testing.T) {
	s, _, changes := newTestService(t)

	s.Claim("s1", "alice", "")
	s.UpdatePending("s1", "bob", "vim notes")

	if got := s.Owner("s1"); got != "bob" {
		t.Fatalf("Owner = %q, want bob (pending update by non-owner is a claim)", got)
	}
	last := (*changes)[len(*changes)-1]
	want := change{"s1", "bob", "alice", "vim notes"}
	if last != want {
		t.Fatalf("takeover notification = %+v, want %+v", last, want)
	}
}

func TestUpdatePendingByOwner(t *testing.T) {
	s, clock, changes := newTestService(t)

	s.Claim("s1", "alice", "")
	s.UpdatePending("s1", "alice", "ls -la")

	last := (*changes)[len(*changes)-1]
	want := change{"s1", "alice", "alice", "ls -la"}
	if last != want {
		t.Fatalf("pending-change notification = %+v, want %+v", last, want)
	}

	before := len(*changes)
	s.UpdatePending("s1", "alice", "ls -la")
	if got := len(*changes); got != before {
		t.Fatalf("unchanged pending notified: %d notifications, want %d", got, before)
	}

	// UpdatePending counts as activity.
	clock.Advance(25 * time.Second)
	s.UpdatePending("s1", "alice", "ls -lart")
	clock.Advance(25 * time.Second)
	if got := s.Owner("s1"); got != "alice" {
		t.Fatalf("Owner = %q, want alice (UpdatePending did not refresh activity)", got)
	}
}

func TestHasOwnershipUnownedSession(t *testing.T) {
	s, _, _ := newTestService(t)

	if !s.HasOwnership("s1", "anyone") {
		t.Fatal("unowned session must be writable by anyone")
	}
}

func TestHasOwnershipExpires(t *testing.T) {
	s, clock, _ := newTestService(t)

	s.Claim("s1", "alice", "")
	clock.Advance(30 * time.Second)
	if !s.HasOwnership("s1", "alice") {
		t.Fatal("ownership expired at exactly the timeout")
	}
	if s.HasOwnership("s1", "bob") {
		t.Fatal("live record writable by non-owner")
	}
	clock.Advance(time.Second)
	if !s.HasOwnership("s1", "bob") {
		t.Fatal("expired record still blocks other clients")
	}
	if got := s.Owner("s1"); got != "" {
		t.Fatalf("Owner = %q, want empty for expired entry", got)
	}
}

func TestReleaseClearsOwnership(t *testing.T) {
	s, _, changes := newTestService(t)

	s.Claim("s1", "alice", "echo hi")
	s.Release("s1", "alice")

	if got := s.Owner("s1"); got != "" {
		t.Fatalf("Owner = %q, want empty after release", got)
	}
	last := (*changes)[len(*changes)-1]
	want := change{"s1", "", "alice", ""}
	if last != want {
		t.Fatalf("release notification = %+v, want %+v", last, want)
	}
}

func TestReleaseByNonOwnerIsNoop(t *testing.T) {
	s, _, changes := newTestService(t)

	s.Claim("s1", "alice", "")
	before := len(*changes)
	s.Release("s1", "bob")
	if got := s.Owner("s1"); got != "alice" {
		t.Fatalf("Owner = %q, want alice (non-owner release removed ownership)", got)
	}
	if got := len(*changes); got != before {
		t.Fatalf("change notifications = %d, want %d", got, before)
	}
}

func TestReleaseAllForClient(t *testing.T) {
	s, _, changes := newTestService(t)

	s.Claim("s1", "alice", "")
	s.Claim("s2", "alice", "")
	s.Claim("s3", "bob", "")
	before := len(*changes)

	s.ReleaseAllForClient("alice")

	if s.Owner("s1") != "" || s.Owner("s2") != "" {
		t.Fatal("alice still owns sessions after ReleaseAllForClient")
	}
	if got := s.Owner("s3"); got != "bob" {
		t.Fatalf("unrelated owner lost session: Owner(s3) = %q", got)
	}
	released := map[string]bool{}
	for _, c := range (*changes)[before:] {
		if c.newOwner != "" || c.prevOwner != "alice" || c.pending != "" {
			t.Fatalf("unexpected notification %+v", c)
		}
		released[c.sessionID] = true
	}
	if !released["s1"] || !released["s2"] || len(released) != 2 {
		t.Fatalf("released sessions = %v, want s1 and s2", released)
	}
}

func TestSweepExpiresIdleOwners(t *testing.T) {
	s, clock, changes := newTestService(t)

	s.Claim("s1", "alice", "git st")
	s.Claim("s2", "bob", "")
	clock.Advance(20 * time.Second)
	s.Claim("s2", "bob", "") // refresh
	clock.Advance(15 * time.Second)

	before := len(*changes)
	s.sweep()

	if got := s.Owner("s1"); got != "" {
		t.Fatalf("idle owner survived sweep: Owner(s1) = %q", got)
	}
	if got := s.Owner("s2"); got != "bob" {
		t.Fatalf("active owner expired by sweep: Owner(s2) = %q", got)
	}
	got := (*changes)[before:]
	if len(got) != 1 {
		t.Fatalf("sweep notifications = %d, want 1", len(got))
	}
	want := change{"s1", "", "alice", ""}
	if got[0] != want {
		t.Fatalf("sweep notification = %+v, want %+v", got[0], want)
	}
}

func TestListenerPanicDoesNotStopOthers(t *testing.T) {
	clock := newFakeClock()
	s := New(Options{Timeout: 30 * time.Second, SweepEvery: time.Hour, Now: clock.Now})
	defer s.Stop()

	var order []string
	s.OnChange(func(string, string, string, string) {
		order = append(order, "first")
		panic("listener bug")
	})
	s.OnChange(func(string, string, string, string) {
		order = append(order, "second")
	})

	s.Claim("s1", "alice", "")

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("listener order = %v, want [first second]", order)
	}
	if got := s.Owner("s1"); got != "alice" {
		t.Fatalf("claim state lost after listener panic: Owner = %q", got)
	}
}
