package stream

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func nextLine(t *testing.T, tl *Tailer) Line {
	t.Helper()
	select {
	case line, ok := <-tl.Lines():
		if !ok {
			t.Fatalf("lines channel closed early: %v", tl.Err())
		}
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for line")
	}
	return Line{}
}

func TestTailerDeliversExistingThenAppended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	appendFile(t, path, "first\nsecond\n")

	tl := NewTailer(path, 0)
	defer tl.Stop()

	l1 := nextLine(t, tl)
	if string(l1.Data) != "first" || l1.End != 6 {
		t.Fatalf("line 1 = %q end %d, want first/6", l1.Data, l1.End)
	}
	l2 := nextLine(t, tl)
	if string(l2.Data) != "second" || l2.End != 13 {
		t.Fatalf("line 2 = %q end %d, want second/13", l2.Data, l2.End)
	}

	appendFile(t, path, "third\n")
	l3 := nextLine(t, tl)
	if string(l3.Data) != "third" || l3.End != 19 {
		t.Fatalf("line 3 = %q end %d, want third/19", l3.Data, l3.End)
	}
}

func TestTailerHoldsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	appendFile(t, path, "complete\npart")

	tl := NewTailer(path, 0)
	defer tl.Stop()

	if got := nextLine(t, tl); string(got.Data) != "complete" {
		t.Fatalf("line = %q, want complete", got.Data)
	}

	// The partial tail must not be delivered yet.
	select {
	case line := <-tl.Lines():
		t.Fatalf("unexpected line %q before newline", line.Data)
	case <-time.After(1500 * time.Millisecond):
	}

	appendFile(t, path, "ial\n")
	if got := nextLine(t, tl); string(got.Data) != "partial" {
		t.Fatalf("line = %q, want partial", got.Data)
	}
}

func TestTailerStartOffsetSkipsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	appendFile(t, path, "old\nnew\n")

	tl := NewTailer(path, 4) // just past "old\n"
	defer tl.Stop()

	got := nextLine(t, tl)
	if string(got.Data) != "new" || got.End != 8 {
		t.Fatalf("line = %q end %d, want new/8", got.Data, got.End)
	}
}

func TestTailerWaitsForFileToAppear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")

	tl := NewTailer(path, 0)
	defer tl.Stop()

	time.Sleep(300 * time.Millisecond)
	appendFile(t, path, "hello\n")

	if got := nextLine(t, tl); string(got.Data) != "hello" {
		t.Fatalf("line = %q, want hello", got.Data)
	}
}

func TestTailerTruncationIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	appendFile(t, path, "one\ntwo\n")

	tl := NewTailer(path, 0)
	defer tl.Stop()
	nextLine(t, tl)
	nextLine(t, tl)

	if err := os.Truncate(path, 2); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-tl.Lines():
		if ok {
			t.Fatal("expected channel close after truncation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for truncation detection")
	}
	if err := tl.Err(); !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestTailerStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	appendFile(t, path, "x\n")

	tl := NewTailer(path, 0)
	nextLine(t, tl)
	tl.Stop()
	tl.Stop()

	select {
	case _, ok := <-tl.Lines():
		if ok {
			t.Fatal("expected closed channel after Stop")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for close")
	}
	if err := tl.Err(); err != nil {
		t.Fatalf("err after clean stop = %v, want nil", err)
	}
}
