package stream

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vibetunnel/vtserver/internal/cast"
	"github.com/vibetunnel/vtserver/internal/session"
)

// castLine encodes one output event line (with newline) for test fixtures.
func castLine(t *testing.T, ts float64, data string) string {
	t.Helper()
	line, err := cast.EncodeOutput(ts, data)
	if err != nil {
		t.Fatal(err)
	}
	return string(line) + "\n"
}

func headerLine(t *testing.T, w, h int) string {
	t.Helper()
	line, err := cast.EncodeHeader(cast.Header{Version: 2, Width: w, Height: h})
	if err != nil {
		t.Fatal(err)
	}
	return string(line) + "\n"
}

// newTestSession creates a session dir with a sidecar and the given cast
// file content. Returns the manager and the stdout path.
func newTestSession(t *testing.T, id, content string) (*session.Manager, string) {
	t.Helper()
	mgr, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, err := mgr.CreatePaths(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.SaveInfo(&session.Info{ID: id, Status: session.StatusRunning, Command: []string{"sh"}}); err != nil {
		t.Fatal(err)
	}
	if content != "" {
		if err := os.WriteFile(p.Stdout, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return mgr, p.Stdout
}

func subscribeCollect(t *testing.T, h *Hub, id string) (<-chan Event, func()) {
	t.Helper()
	ch := make(chan Event, 256)
	cancel, err := h.Subscribe(id, func(ev Event) { ch <- ev })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(cancel)
	return ch, cancel
}

func expectEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Kind != kind {
			t.Fatalf("event kind = %v (%+v), want %v", ev.Kind, ev, kind)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %v event", kind)
	}
	return Event{}
}

func TestReplayDeliversHeaderAndHistory(t *testing.T) {
	content := headerLine(t, 100, 30) +
		castLine(t, 0.1, "one") +
		castLine(t, 0.2, "two")
	mgr, _ := newTestSession(t, "s1", content)
	h := NewHub(mgr)
	defer h.Close()

	ch, _ := subscribeCollect(t, h, "s1")

	hdr := expectEvent(t, ch, EventHeader)
	if hdr.Header.Width != 100 || hdr.Header.Height != 30 {
		t.Fatalf("header dims = %dx%d, want 100x30", hdr.Header.Width, hdr.Header.Height)
	}
	if hdr.Live {
		t.Fatal("replayed header marked live")
	}
	if ev := expectEvent(t, ch, EventOutput); ev.Data != "one" || ev.Time != 0 {
		t.Fatalf("output 1 = %+v, want data=one time=0", ev)
	}
	if ev := expectEvent(t, ch, EventOutput); ev.Data != "two" {
		t.Fatalf("output 2 = %+v", ev)
	}
}

func TestReplayWithClearTrimsHistory(t *testing.T) {
	pre := headerLine(t, 80, 24) +
		castLine(t, 0.1, "hello") +
		castLine(t, 0.2, "pre\x1b[2Jafter")
	content := pre + castLine(t, 0.3, "more")
	mgr, _ := newTestSession(t, "s1", content)
	h := NewHub(mgr)
	defer h.Close()

	ch, _ := subscribeCollect(t, h, "s1")

	expectEvent(t, ch, EventHeader)
	if ev := expectEvent(t, ch, EventOutput); ev.Data != "after" {
		t.Fatalf("first retained output = %q, want after", ev.Data)
	}
	if ev := expectEvent(t, ch, EventOutput); ev.Data != "more" {
		t.Fatalf("second retained output = %q, want more", ev.Data)
	}

	// The clear offset lands len("after") bytes before the end of the
	// clearing line, so a future replay reproduces exactly the tail.
	wantOffset := int64(len(pre) - len("after"))
	info, err := mgr.LoadInfo("s1")
	if err != nil {
		t.Fatal(err)
	}
	if info.LastClearOffset != wantOffset {
		t.Fatalf("lastClearOffset = %d, want %d", info.LastClearOffset, wantOffset)
	}
}

func TestReplayResizeBeforeClearSetsHeaderDims(t *testing.T) {
	resize, err := cast.EncodeResize(0.15, 132, 43)
	if err != nil {
		t.Fatal(err)
	}
	content := headerLine(t, 80, 24) +
		castLine(t, 0.1, "old") +
		string(resize) + "\n" +
		castLine(t, 0.2, "\x1b[2Jfresh")
	mgr, _ := newTestSession(t, "s1", content)
	h := NewHub(mgr)
	defer h.Close()

	ch, _ := subscribeCollect(t, h, "s1")

	hdr := expectEvent(t, ch, EventHeader)
	if hdr.Header.Width != 132 || hdr.Header.Height != 43 {
		t.Fatalf("header dims = %dx%d, want 132x43 (resize before clear)", hdr.Header.Width, hdr.Header.Height)
	}
	if ev := expectEvent(t, ch, EventOutput); ev.Data != "fresh" {
		t.Fatalf("output = %q, want fresh", ev.Data)
	}
	// The resize itself still arrives after history.
	if ev := expectEvent(t, ch, EventResize); ev.Cols != 132 || ev.Rows != 43 {
		t.Fatalf("resize = %dx%d, want 132x43", ev.Cols, ev.Rows)
	}
}

func TestHeaderOnlyThenLiveAppend(t *testing.T) {
	mgr, stdout := newTestSession(t, "s1", headerLine(t, 80, 24))
	h := NewHub(mgr)
	defer h.Close()

	ch, _ := subscribeCollect(t, h, "s1")
	expectEvent(t, ch, EventHeader)

	appendFile(t, stdout, castLine(t, 1.0, "live data"))

	ev := expectEvent(t, ch, EventOutput)
	if ev.Data != "live data" {
		t.Fatalf("live output = %q", ev.Data)
	}
	if !ev.Live {
		t.Fatal("appended output not marked live")
	}
}

func TestExitEventTerminates(t *testing.T) {
	exitLine, err := cast.EncodeExit(3, "s1")
	if err != nil {
		t.Fatal(err)
	}
	content := headerLine(t, 80, 24) + castLine(t, 0.1, "bye") + string(exitLine) + "\n"
	mgr, _ := newTestSession(t, "s1", content)
	h := NewHub(mgr)
	defer h.Close()

	ch, _ := subscribeCollect(t, h, "s1")

	expectEvent(t, ch, EventHeader)
	expectEvent(t, ch, EventOutput)
	ev := expectEvent(t, ch, EventExit)
	if ev.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", ev.ExitCode)
	}
}

func TestLiveExitStopsTailing(t *testing.T) {
	mgr, stdout := newTestSession(t, "s1", headerLine(t, 80, 24))
	h := NewHub(mgr)
	defer h.Close()

	ch, _ := subscribeCollect(t, h, "s1")
	expectEvent(t, ch, EventHeader)

	exitLine, err := cast.EncodeExit(0, "s1")
	if err != nil {
		t.Fatal(err)
	}
	appendFile(t, stdout, string(exitLine)+"\n")

	ev := expectEvent(t, ch, EventExit)
	if !ev.Live || ev.ExitCode != 0 {
		t.Fatalf("exit = %+v, want live code 0", ev)
	}
}

func TestUnparsableLiveLineDeliveredRaw(t *testing.T) {
	mgr, stdout := newTestSession(t, "s1", headerLine(t, 80, 24))
	h := NewHub(mgr)
	defer h.Close()

	ch, _ := subscribeCollect(t, h, "s1")
	expectEvent(t, ch, EventHeader)

	// A recorded input line is a known kind and stays out of the stream;
	// a chunk the codec cannot parse reaches live followers as-is.
	input, err := cast.EncodeInput(0.5, "typed")
	if err != nil {
		t.Fatal(err)
	}
	appendFile(t, stdout, string(input)+"\n")
	appendFile(t, stdout, "not-json\n")

	ev := expectEvent(t, ch, EventOutput)
	if ev.Data != "not-json" {
		t.Fatalf("raw output = %q, want not-json", ev.Data)
	}
	if !ev.Live {
		t.Fatal("raw line not marked live")
	}
}

func TestMissingSessionDeliversError(t *testing.T) {
	mgr, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := NewHub(mgr)
	defer h.Close()

	ch, _ := subscribeCollect(t, h, "ghost")
	ev := expectEvent(t, ch, EventError)
	if !strings.Contains(ev.Message, "not found") {
		t.Fatalf("error message = %q", ev.Message)
	}
}

func TestNoSidecarMeansNoPersistence(t *testing.T) {
	mgr, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, err := mgr.CreatePaths("bare")
	if err != nil {
		t.Fatal(err)
	}
	content := headerLine(t, 80, 24) + castLine(t, 0.1, "x\x1b[2Jy")
	if err := os.WriteFile(p.Stdout, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewHub(mgr)
	defer h.Close()

	ch, _ := subscribeCollect(t, h, "bare")
	expectEvent(t, ch, EventHeader)
	if ev := expectEvent(t, ch, EventOutput); ev.Data != "y" {
		t.Fatalf("output = %q, want y", ev.Data)
	}

	if _, err := os.Stat(p.Info); !os.IsNotExist(err) {
		t.Fatalf("sidecar should not be created, stat err = %v", err)
	}
}

func TestSecondSubscriberReplaysWithoutDuplicates(t *testing.T) {
	mgr, stdout := newTestSession(t, "s1", headerLine(t, 80, 24)+castLine(t, 0.1, "a"))
	h := NewHub(mgr)
	defer h.Close()

	chA, _ := subscribeCollect(t, h, "s1")
	expectEvent(t, chA, EventHeader)
	expectEvent(t, chA, EventOutput)

	appendFile(t, stdout, castLine(t, 0.2, "b"))
	if ev := expectEvent(t, chA, EventOutput); ev.Data != "b" {
		t.Fatalf("A live = %q", ev.Data)
	}

	chB, _ := subscribeCollect(t, h, "s1")
	expectEvent(t, chB, EventHeader)
	if ev := expectEvent(t, chB, EventOutput); ev.Data != "a" {
		t.Fatalf("B history 1 = %q", ev.Data)
	}
	if ev := expectEvent(t, chB, EventOutput); ev.Data != "b" {
		t.Fatalf("B history 2 = %q", ev.Data)
	}

	appendFile(t, stdout, castLine(t, 0.3, "c"))
	if ev := expectEvent(t, chA, EventOutput); ev.Data != "c" {
		t.Fatalf("A live 2 = %q", ev.Data)
	}
	if ev := expectEvent(t, chB, EventOutput); ev.Data != "c" {
		t.Fatalf("B live = %q", ev.Data)
	}

	// Exactly once each: no stray extra events.
	select {
	case ev := <-chA:
		t.Fatalf("unexpected extra event for A: %+v", ev)
	case ev := <-chB:
		t.Fatalf("unexpected extra event for B: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	mgr, stdout := newTestSession(t, "s1", headerLine(t, 80, 24))
	h := NewHub(mgr)
	defer h.Close()

	ch, cancel := subscribeCollect(t, h, "s1")
	expectEvent(t, ch, EventHeader)
	cancel()
	cancel() // idempotent

	appendFile(t, stdout, castLine(t, 0.5, "ignored"))
	select {
	case ev := <-ch:
		t.Fatalf("event after cancel: %+v", ev)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestManySubscribersSeeSameLiveOrder(t *testing.T) {
	mgr, stdout := newTestSession(t, "s1", headerLine(t, 80, 24))
	h := NewHub(mgr)
	defer h.Close()

	const n = 4
	chans := make([]<-chan Event, n)
	for i := 0; i < n; i++ {
		ch, _ := subscribeCollect(t, h, "s1")
		chans[i] = ch
		expectEvent(t, ch, EventHeader)
	}

	var body string
	for i := 0; i < 10; i++ {
		body += castLine(t, float64(i), fmt.Sprintf("line-%d", i))
	}
	appendFile(t, stdout, body)

	for ci, ch := range chans {
		for i := 0; i < 10; i++ {
			ev := expectEvent(t, ch, EventOutput)
			if want := fmt.Sprintf("line-%d", i); ev.Data != want {
				t.Fatalf("subscriber %d event %d = %q, want %q", ci, i, ev.Data, want)
			}
		}
	}
}
