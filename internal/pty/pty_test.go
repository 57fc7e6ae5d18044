package pty

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/vibetunnel/vtserver/internal/cast"
	"github.com/vibetunnel/vtserver/internal/session"
)

func newTestManager(t *testing.T, hooks Hooks) (*Manager, *session.Manager) {
	t.Helper()
	sessions, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	m := NewManager(sessions, hooks)
	t.Cleanup(m.Close)
	return m, sessions
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not exit", s.ID)
	}
}

func readCast(t *testing.T, sessions *session.Manager, id string) []cast.Event {
	t.Helper()
	p, err := sessions.Paths(id)
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	data, err := os.ReadFile(p.Stdout)
	if err != nil {
		t.Fatalf("reading cast file: %v", err)
	}
	var events []cast.Event
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		events = append(events, cast.ParseLine(line))
	}
	return events
}

func TestSpawnRecordsCastFile(t *testing.T) {
	m, sessions := newTestManager(t, Hooks{})

	s, err := m.Spawn(SpawnOpts{
		Name:    "echo-test",
		Command: []string{"sh", "-c", "echo hello-from-pty"},
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, s)

	events := readCast(t, sessions, s.ID)
	if len(events) < 3 {
		t.Fatalf("cast events = %d, want header+output+exit", len(events))
	}
	if events[0].Kind != cast.KindHeader {
		t.Fatalf("first event = %v, want header", events[0].Kind)
	}
	if events[0].Header.Version != 2 || events[0].Header.Width != 80 || events[0].Header.Height != 24 {
		t.Fatalf("header = %+v", events[0].Header)
	}

	var sawOutput bool
	for _, ev := range events {
		if ev.Kind == cast.KindOutput && strings.Contains(ev.Data, "hello-from-pty") {
			sawOutput = true
		}
	}
	if !sawOutput {
		t.Fatal("command output missing from cast file")
	}

	last := events[len(events)-1]
	if last.Kind != cast.KindExit || last.ExitCode != 0 || last.SessionID != s.ID {
		t.Fatalf("last event = %+v, want exit 0 for %s", last, s.ID)
	}

	info, err := sessions.LoadInfo(s.ID)
	if err != nil {
		t.Fatalf("LoadInfo: %v", err)
	}
	if info.Status != session.StatusExited || info.ExitCode == nil || *info.ExitCode != 0 {
		t.Fatalf("sidecar = %+v, want exited 0", info)
	}
}

func TestSpawnExportsSessionID(t *testing.T) {
	m, sessions := newTestManager(t, Hooks{})

	s, err := m.Spawn(SpawnOpts{
		Command: []string{"sh", "-c", "echo sid=$VIBETUNNEL_SESSION_ID"},
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, s)

	var out strings.Builder
	for _, ev := range readCast(t, sessions, s.ID) {
		if ev.Kind == cast.KindOutput {
			out.WriteString(ev.Data)
		}
	}
	if !strings.Contains(out.String(), "sid="+s.ID) {
		t.Fatalf("output %q missing session id %s", out.String(), s.ID)
	}
}

func TestExitCodePropagated(t *testing.T) {
	m, sessions := newTestManager(t, Hooks{})

	s, err := m.Spawn(SpawnOpts{Command: []string{"sh", "-c", "exit 7"}, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, s)

	events := readCast(t, sessions, s.ID)
	last := events[len(events)-1]
	if last.Kind != cast.KindExit || last.ExitCode != 7 {
		t.Fatalf("exit event = %+v, want code 7", last)
	}
	info, _ := sessions.LoadInfo(s.ID)
	if info.ExitCode == nil || *info.ExitCode != 7 {
		t.Fatalf("sidecar exit code = %v, want 7", info.ExitCode)
	}
}

func TestSendTextReachesProcess(t *testing.T) {
	m, sessions := newTestManager(t, Hooks{})

	s, err := m.Spawn(SpawnOpts{
		Command: []string{"sh", "-c", "read line; echo got:$line"},
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := m.SendText(s.ID, "marco\r"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitDone(t, s)

	var out strings.Builder
	for _, ev := range readCast(t, sessions, s.ID) {
		if ev.Kind == cast.KindOutput {
			out.WriteString(ev.Data)
		}
	}
	if !strings.Contains(out.String(), "got:marco") {
		t.Fatalf("output %q missing echoed input", out.String())
	}
}

func TestResizeRecordsEvent(t *testing.T) {
	m, sessions := newTestManager(t, Hooks{})

	s, err := m.Spawn(SpawnOpts{Command: []string{"sleep", "30"}, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := m.Resize(s.ID, 100, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if cols, rows := s.Size(); cols != 100 || rows != 40 {
		t.Fatalf("size = %dx%d, want 100x40", cols, rows)
	}

	var sawResize bool
	for _, ev := range readCast(t, sessions, s.ID) {
		if ev.Kind == cast.KindResize && ev.Cols == 100 && ev.Rows == 40 {
			sawResize = true
		}
	}
	if !sawResize {
		t.Fatal("resize event missing from cast file")
	}

	info, _ := sessions.LoadInfo(s.ID)
	if info.Cols != 100 || info.Rows != 40 {
		t.Fatalf("sidecar size = %dx%d, want 100x40", info.Cols, info.Rows)
	}

	if err := m.ResetSize(s.ID); err != nil {
		t.Fatalf("ResetSize: %v", err)
	}
	if cols, rows := s.Size(); cols != 80 || rows != 24 {
		t.Fatalf("size after reset = %dx%d, want 80x24", cols, rows)
	}

	if err := m.Kill(s.ID, ""); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitDone(t, s)
}

func TestResizeRejectsNonsense(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	if err := m.Resize("whatever", 0, 40); err == nil {
		t.Fatal("accepted zero cols")
	}
	if err := m.Resize("whatever", 80, 20000); err == nil {
		t.Fatal("accepted 20000 rows")
	}
}

func TestKillEndsSession(t *testing.T) {
	m, sessions := newTestManager(t, Hooks{})

	s, err := m.Spawn(SpawnOpts{Command: []string{"sleep", "60"}, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := m.Kill(s.ID, "SIGTERM"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitDone(t, s)

	if _, ok := m.Get(s.ID); ok {
		t.Fatal("killed session still listed as live")
	}
	events := readCast(t, sessions, s.ID)
	if events[len(events)-1].Kind != cast.KindExit {
		t.Fatal("cast file missing exit record")
	}
	info, _ := sessions.LoadInfo(s.ID)
	if info.Status != session.StatusExited {
		t.Fatalf("sidecar status = %q, want exited", info.Status)
	}
}

func TestSpawnValidation(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})

	if _, err := m.Spawn(SpawnOpts{}); err == nil {
		t.Fatal("accepted empty command")
	}
	if _, err := m.Spawn(SpawnOpts{Command: []string{"definitely-not-a-binary-xyz"}}); err == nil {
		t.Fatal("accepted missing binary")
	}
	if _, err := m.Spawn(SpawnOpts{Command: []string{"sh"}, Dir: "/no/such/dir"}); err == nil {
		t.Fatal("accepted missing working dir")
	}
}

func TestOperationsOnUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	if err := m.SendText("ghost", "x"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("SendText err = %v, want ErrNotRunning", err)
	}
	if err := m.Kill("ghost", ""); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Kill err = %v, want ErrNotRunning", err)
	}
}

func TestHooksFire(t *testing.T) {
	started := make(chan string, 1)
	output := make(chan []byte, 64)
	exited := make(chan int, 1)
	m, _ := newTestManager(t, Hooks{
		OnStart:  func(s *Session) { started <- s.ID },
		OnOutput: func(id string, chunk []byte) { output <- chunk },
		OnExit:   func(id string, code int) { exited <- code },
	})

	s, err := m.Spawn(SpawnOpts{Command: []string{"sh", "-c", "echo tap"}, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case id := <-started:
		if id != s.ID {
			t.Fatalf("OnStart id = %s, want %s", id, s.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnStart never fired")
	}

	var seen []byte
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(seen, []byte("tap")) {
		select {
		case chunk := <-output:
			seen = append(seen, chunk...)
		case <-deadline:
			t.Fatalf("OnOutput never delivered command output, got %q", seen)
		}
	}

	select {
	case code := <-exited:
		if code != 0 {
			t.Fatalf("OnExit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit never fired")
	}
}

func TestNotifyAssistantTurn(t *testing.T) {
	turns := make(chan string, 1)
	m, _ := newTestManager(t, Hooks{
		OnAssistantTurn: func(id string) { turns <- id },
	})

	s, err := m.Spawn(SpawnOpts{Command: []string{"sleep", "30"}, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := m.NotifyAssistantTurn(s.ID); err != nil {
		t.Fatalf("NotifyAssistantTurn: %v", err)
	}
	select {
	case id := <-turns:
		if id != s.ID {
			t.Fatalf("turn id = %s, want %s", id, s.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnAssistantTurn never fired")
	}

	if err := m.NotifyAssistantTurn("ghost"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}

	if err := m.Kill(s.ID, ""); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitDone(t, s)
}

func TestKeySequences(t *testing.T) {
	for _, tc := range []struct {
		key  string
		want []byte
	}{
		{"enter", []byte{'\r'}},
		{"escape", []byte{0x1b}},
		{"arrow_up", []byte("\x1b[A")},
		{"page_down", []byte("\x1b[6~")},
		{"f5", []byte("\x1b[15~")},
		{"ctrl_c", []byte{0x03}},
		{"ctrl_z", []byte{0x1a}},
	} {
		got, err := KeySequence(tc.key)
		if err != nil {
			t.Errorf("KeySequence(%q): %v", tc.key, err)
			continue
		}
		if !bytes.Equal(got, tc.want) {
			t.Errorf("KeySequence(%q) = % 02x, want % 02x", tc.key, got, tc.want)
		}
	}
	if _, err := KeySequence("hyper_meta_x"); err == nil {
		t.Error("KeySequence accepted an unknown key")
	}
}

func TestParseSignal(t *testing.T) {
	for _, tc := range []struct {
		name string
		want syscall.Signal
	}{
		{"", syscall.SIGTERM},
		{"SIGTERM", syscall.SIGTERM},
		{"term", syscall.SIGTERM},
		{"KILL", syscall.SIGKILL},
		{"sighup", syscall.SIGHUP},
	} {
		got, err := ParseSignal(tc.name)
		if err != nil {
			t.Errorf("ParseSignal(%q): %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseSignal(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
	if _, err := ParseSignal("SIGWHATEVER"); err == nil {
		t.Error("ParseSignal accepted an unknown signal")
	}
}
