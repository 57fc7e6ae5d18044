package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/vibetunnel/vtserver/internal/cast"
	"github.com/vibetunnel/vtserver/internal/session"
)

// EventKind discriminates hub events delivered to subscribers.
type EventKind int

const (
	EventHeader EventKind = iota
	EventOutput
	EventResize
	EventExit
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventHeader:
		return "header"
	case EventOutput:
		return "output"
	case EventResize:
		return "resize"
	case EventExit:
		return "exit"
	default:
		return "error"
	}
}

// Event is what subscribers receive. Live is false for replayed history,
// true for events observed after the subscription was established. All
// history precedes any live event.
type Event struct {
	Kind     EventKind
	Live     bool
	Header   *cast.Header // EventHeader
	Time     float64
	Data     string // EventOutput; raw resize payload for EventResize
	Cols     int    // EventResize
	Rows     int
	ExitCode int    // EventExit
	Message  string // EventError
}

// Sessions is the slice of the session registry the hub needs: path
// resolution and sidecar access for the persisted clear offset.
type Sessions interface {
	Paths(id string) (session.Paths, error)
	LoadInfo(id string) (*session.Info, error)
	UpdateInfo(id string, mutate func(*session.Info)) error
}

var errHubClosed = errors.New("output hub closed")

// Hub tails one cast log per session with at least one subscriber and fans
// events out. Each new subscriber first receives the session's trimmed
// history (everything from the last clear point), then live events.
type Hub struct {
	sessions Sessions

	mu      sync.Mutex
	streams map[string]*sessionStream
	closed  bool

	nextSub atomic.Uint64
}

func NewHub(sessions Sessions) *Hub {
	return &Hub{
		sessions: sessions,
		streams:  make(map[string]*sessionStream),
	}
}

// Subscribe registers fn for a session's events. fn must be quick and must
// not block; it is called from hub goroutines. The returned cancel is
// idempotent, must not be called from inside fn, and guarantees fn is never
// invoked after it returns. A missing session is reported to fn as an
// EventError, not as a Subscribe error.
func (h *Hub) Subscribe(sessionID string, fn func(Event)) (func(), error) {
	if sessionID == "" {
		return nil, errors.New("empty session id")
	}
	if fn == nil {
		return nil, errors.New("nil subscriber callback")
	}

	sub := &subscriber{
		id:    h.nextSub.Add(1),
		fn:    fn,
		state: subWaiting,
	}

	// A stream found in the map can tear down before register lands on it;
	// retry with a fresh one. The window is a map lookup, so one or two
	// attempts settle it.
	for attempt := 0; attempt < 10; attempt++ {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, errHubClosed
		}
		s, ok := h.streams[sessionID]
		if !ok {
			s = newSessionStream(h, sessionID)
			h.streams[sessionID] = s
		}
		h.mu.Unlock()

		if !s.register(sub) {
			continue
		}
		cancel := func() {
			sub.mu.Lock()
			if sub.closed {
				sub.mu.Unlock()
				return
			}
			sub.closed = true
			sub.mu.Unlock()
			s.removeSub(sub)
		}
		return cancel, nil
	}
	return nil, fmt.Errorf("subscribe %s: stream kept tearing down", sessionID)
}

// Close stops every tailer and drops all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	streams := make([]*sessionStream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	for _, s := range streams {
		s.teardown(nil)
	}
}

func (h *Hub) dropStream(id string, s *sessionStream) {
	h.mu.Lock()
	if cur, ok := h.streams[id]; ok && cur == s {
		delete(h.streams, id)
	}
	h.mu.Unlock()
}

type subState int

const (
	subWaiting   subState = iota // registered, replay not launched yet
	subReplaying                 // replay running, live events buffered
	subActive                    // receiving live events directly
)

type subscriber struct {
	id    uint64
	fn    func(Event)
	state subState

	// backlog buffers live events that arrive while this subscriber's
	// history replay is still running. Guarded by the stream mutex.
	backlog []Event

	mu     sync.Mutex // serializes fn calls and guards closed
	closed bool
}

// deliver invokes fn unless the subscriber was cancelled. The mutex is what
// makes cancel's "never after return" guarantee hold across the replay
// goroutine and the stream's line reader.
func (sub *subscriber) deliver(ev Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.fn(ev)
}

// sessionStream is the per-session fan-out state. The mutex serializes
// subscription changes with live delivery, which is what guarantees a
// subscriber's history strictly precedes its live events.
type sessionStream struct {
	hub *Hub
	id  string

	mu            sync.Mutex
	subs          map[uint64]*subscriber
	tailer        *Tailer
	tailStarted   bool
	tailStopped   bool
	delivered     int64 // offset after the last line fanned out
	initialActive bool  // tailer-establishing replay in flight
	replaysActive int
	clearOffset   int64 // best known lastClearOffset, cached
	torndown      bool
}

func newSessionStream(h *Hub, id string) *sessionStream {
	return &sessionStream{
		hub:  h,
		id:   id,
		subs: make(map[uint64]*subscriber),
	}
}

// register adds sub and kicks off its history replay. Returns false when
// the stream already tore down (the caller retries on a fresh stream).
func (s *sessionStream) register(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torndown {
		return false
	}
	s.subs[sub.id] = sub
	switch {
	case s.tailStarted || s.tailStopped:
		s.launchReplayLocked(sub, s.delivered)
	case s.initialActive:
		// Queued behind the initial replay; launched when the tail start
		// offset is known.
	default:
		s.initialActive = true
		s.launchReplayLocked(sub, -1)
	}
	return true
}

func (s *sessionStream) removeSub(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub.id)
	idle := len(s.subs) == 0 && s.replaysActive == 0 && !s.torndown
	s.mu.Unlock()
	if idle {
		s.teardown(nil)
	}
}

// teardown stops the stream. With err != nil every remaining subscriber
// gets an EventError first.
func (s *sessionStream) teardown(err error) {
	s.mu.Lock()
	if s.torndown {
		s.mu.Unlock()
		return
	}
	s.torndown = true
	subs := s.subs
	s.subs = make(map[uint64]*subscriber)
	tailer := s.tailer
	// Leave the hub map before releasing the mutex: a Subscribe that sees
	// torndown is then guaranteed a fresh stream on retry.
	s.hub.dropStream(s.id, s)
	s.mu.Unlock()

	if err != nil {
		slog.Warn("session stream failed", "session", s.id, "error", err)
		for _, sub := range subs {
			sub.deliver(Event{Kind: EventError, Live: true, Message: err.Error()})
		}
	}
	if tailer != nil {
		tailer.Stop()
	}
}

// launchReplayLocked starts a history replay for sub; the stream mutex is
// held. upTo < 0 means scan to EOF and report the offset reached (the
// initial replay that establishes where tailing starts).
func (s *sessionStream) launchReplayLocked(sub *subscriber, upTo int64) {
	sub.state = subReplaying
	s.replaysActive++
	initial := upTo < 0
	go func() {
		res, err := s.hub.replay(s.id, sub, upTo)
		s.finishReplay(sub, initial, res, err)
	}()
}

func (s *sessionStream) finishReplay(sub *subscriber, initial bool, res replayResult, err error) {
	var fatal error

	s.mu.Lock()
	s.replaysActive--

	if err != nil {
		var gone *sessionGoneError
		if errors.As(err, &gone) {
			// The session itself is missing; nobody else will fare better.
			fatal = err
		} else {
			slog.Warn("history replay failed", "session", s.id, "error", err)
			sub.deliver(Event{Kind: EventError, Live: false, Message: err.Error()})
			delete(s.subs, sub.id)
		}
	}

	if initial && fatal == nil && !s.torndown {
		s.initialActive = false
		s.delivered = res.endOffset
		if res.newClear > s.clearOffset {
			s.clearOffset = res.newClear
		}
		if res.sawExit {
			// Log is complete; late subscribers replay straight from the
			// file, no tailer needed.
			s.tailStopped = true
		} else {
			s.tailer = NewTailer(res.stdoutPath, res.endOffset)
			s.tailStarted = true
			go s.readLines(s.tailer)
		}
		for _, waiting := range s.subs {
			if waiting.state == subWaiting {
				s.launchReplayLocked(waiting, s.delivered)
			}
		}
	}

	if err == nil && !s.torndown {
		// Flush live events buffered during replay, then go direct.
		// Holding the mutex here is what orders the flush before any
		// subsequent live fan-out.
		for _, ev := range sub.backlog {
			sub.deliver(ev)
		}
		sub.backlog = nil
		sub.state = subActive
	}

	idle := len(s.subs) == 0 && s.replaysActive == 0 && !s.torndown
	s.mu.Unlock()

	if fatal != nil {
		s.teardown(fatal)
		return
	}
	if idle {
		s.teardown(nil)
	}
}

// readLines pumps tailer lines into the fan-out until the tailer ends.
func (s *sessionStream) readLines(t *Tailer) {
	for line := range t.Lines() {
		s.handleLine(line)
	}
	if err := t.Err(); err != nil {
		s.teardown(fmt.Errorf("tailing failed: %w", err))
		return
	}
	s.mu.Lock()
	s.tailStopped = true
	s.mu.Unlock()
}

func (s *sessionStream) handleLine(line Line) {
	lineStart := line.End - int64(len(line.Data)) - 1

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torndown {
		return
	}
	s.delivered = line.End

	ev := cast.ParseLine(line.Data)
	switch ev.Kind {
	case cast.KindOutput:
		s.advanceClearOffsetLocked(ev.Data, line.End)
		s.fanoutLocked(Event{Kind: EventOutput, Live: true, Time: ev.Time, Data: ev.Data})
	case cast.KindResize:
		s.fanoutLocked(Event{Kind: EventResize, Live: true, Time: ev.Time, Data: ev.Data, Cols: ev.Cols, Rows: ev.Rows})
	case cast.KindExit:
		s.fanoutLocked(Event{Kind: EventExit, Live: true, ExitCode: ev.ExitCode})
		s.tailStopped = true
		s.tailer.Stop()
	case cast.KindHeader:
		// Only a header at the very start of the file is meaningful; the
		// session writer emits it before any output.
		if lineStart == 0 && ev.Header != nil {
			s.fanoutLocked(Event{Kind: EventHeader, Live: true, Header: ev.Header})
		}
	case cast.KindInput, cast.KindMarker:
		// Recorded input and markers are not terminal output.
	default:
		// Some producers append non-asciinema chunks. Live followers still
		// get them, as raw output.
		s.fanoutLocked(Event{Kind: EventOutput, Live: true, Data: string(line.Data)})
	}
}

// advanceClearOffsetLocked persists a new clear offset when a live output
// chunk contains a prune point. The sidecar is only updated, never created.
func (s *sessionStream) advanceClearOffsetLocked(data string, lineEnd int64) {
	p, ok := cast.FindLastPrunePoint(data)
	if !ok {
		return
	}
	tail := data[p.After:]
	newOffset := lineEnd - int64(len(tail))
	if newOffset <= s.clearOffset {
		return
	}
	s.clearOffset = newOffset
	err := s.hub.sessions.UpdateInfo(s.id, func(info *session.Info) {
		if newOffset > info.LastClearOffset {
			info.LastClearOffset = newOffset
		}
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		slog.Warn("persist clear offset", "session", s.id, "error", err)
	}
}

func (s *sessionStream) fanoutLocked(ev Event) {
	for _, sub := range s.subs {
		if sub.state == subActive {
			sub.deliver(ev)
		} else {
			sub.backlog = append(sub.backlog, ev)
		}
	}
}

// sessionGoneError marks replay failures that doom the whole stream, not
// just one subscriber.
type sessionGoneError struct{ err error }

func (e *sessionGoneError) Error() string { return e.err.Error() }
func (e *sessionGoneError) Unwrap() error { return e.err }

type replayResult struct {
	endOffset  int64 // offset after the last complete line consumed
	newClear   int64 // clear offset discovered during the scan
	sawExit    bool
	stdoutPath string
}

// replay streams a session's trimmed history to one subscriber.
//
// The scan starts at the persisted clear offset (capped by the region
// limit), discards events preceding any prune point it finds, and delivers
// in order: the header with pre-clear dimensions applied, the retained
// output with zeroed timestamps, the latest resize, and the exit record if
// present. upTo limits the scan to complete lines ending at or before that
// offset; upTo < 0 scans to EOF.
func (h *Hub) replay(sessionID string, sub *subscriber, upTo int64) (replayResult, error) {
	var res replayResult

	paths, err := h.sessions.Paths(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInvalidID) {
			return res, &sessionGoneError{fmt.Errorf("session %s: %w", sessionID, err)}
		}
		return res, fmt.Errorf("resolve session %s: %w", sessionID, err)
	}
	res.stdoutPath = paths.Stdout

	var persisted int64
	sidecar := false
	if info, ierr := h.sessions.LoadInfo(sessionID); ierr == nil {
		persisted = info.LastClearOffset
		sidecar = true
	}
	res.newClear = persisted

	f, err := os.Open(paths.Stdout)
	if err != nil {
		if os.IsNotExist(err) {
			// Session exists but nothing was recorded yet: synthesize an
			// empty screen and let the tailer pick the file up later.
			sub.deliver(Event{Kind: EventHeader, Header: &cast.Header{Version: 2, Width: 80, Height: 24}})
			return res, nil
		}
		return res, fmt.Errorf("open cast log: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return res, fmt.Errorf("stat cast log: %w", err)
	}
	limit := fi.Size()
	if upTo >= 0 && upTo < limit {
		limit = upTo
	}

	header := readHeaderLine(f)

	start := persisted
	if start > limit {
		start = limit
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return res, fmt.Errorf("seek cast log: %w", err)
	}
	region := make([]byte, limit-start)
	if _, err := io.ReadFull(f, region); err != nil {
		return res, fmt.Errorf("read cast log: %w", err)
	}

	var (
		events        []cast.Event
		currentResize *cast.Event
		resizeAtClear *cast.Event
		exitEvent     *cast.Event
	)
	offset := start

	for len(region) > 0 {
		i := bytes.IndexByte(region, '\n')
		if i < 0 {
			break // incomplete trailing line stays for the tailer
		}
		line := region[:i]
		region = region[i+1:]
		lineEnd := offset + int64(i) + 1
		offset = lineEnd

		ev := cast.ParseLine(line)
		switch ev.Kind {
		case cast.KindOutput:
			if p, ok := cast.FindLastPrunePoint(ev.Data); ok {
				tail := ev.Data[p.After:]
				events = events[:0]
				if tail != "" {
					events = append(events, cast.Event{Kind: cast.KindOutput, Data: tail})
				}
				resizeAtClear = currentResize
				res.newClear = lineEnd - int64(len(tail))
			} else {
				events = append(events, ev)
			}
		case cast.KindResize:
			rs := ev
			currentResize = &rs
		case cast.KindExit:
			ex := ev
			exitEvent = &ex
		}
	}
	res.endOffset = offset
	res.sawExit = exitEvent != nil

	if res.newClear > persisted && sidecar {
		newClear := res.newClear
		uerr := h.sessions.UpdateInfo(sessionID, func(info *session.Info) {
			if newClear > info.LastClearOffset {
				info.LastClearOffset = newClear
			}
		})
		if uerr != nil && !errors.Is(uerr, session.ErrNotFound) {
			slog.Warn("persist clear offset", "session", sessionID, "error", uerr)
		}
	}

	hdr := cast.Header{Version: 2, Width: 80, Height: 24}
	if header != nil {
		hdr = *header
	}
	if resizeAtClear != nil && resizeAtClear.Cols > 0 && resizeAtClear.Rows > 0 {
		hdr.Width = resizeAtClear.Cols
		hdr.Height = resizeAtClear.Rows
	}
	sub.deliver(Event{Kind: EventHeader, Header: &hdr})

	for _, ev := range events {
		sub.deliver(Event{Kind: EventOutput, Data: ev.Data})
	}
	if currentResize != nil {
		sub.deliver(Event{Kind: EventResize, Data: currentResize.Data, Cols: currentResize.Cols, Rows: currentResize.Rows})
	}
	if exitEvent != nil {
		sub.deliver(Event{Kind: EventExit, ExitCode: exitEvent.ExitCode})
	}

	return res, nil
}

// readHeaderLine parses the file's first line when it is a header. Seeks
// are absolute later, so the position left behind does not matter.
func readHeaderLine(f *os.File) *cast.Header {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil
	}
	// Headers are small; 64 KiB is far beyond any real one.
	buf := make([]byte, 64*1024)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return nil
	}
	i := bytes.IndexByte(buf[:n], '\n')
	if i < 0 {
		i = n
	}
	ev := cast.ParseLine(buf[:i])
	if ev.Kind != cast.KindHeader {
		return nil
	}
	return ev.Header
}
