package wsv3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/vibetunnel/vtserver/internal/gitstatus"
	"github.com/vibetunnel/vtserver/internal/protocol"
	"github.com/vibetunnel/vtserver/internal/stream"
)

// clientSub is one client's view of one session: the flags it asked for
// and the cancel funcs of whatever component subscriptions back them.
// remoteID is set when the session is proxied from a remote.
type clientSub struct {
	flags    uint32
	remoteID string

	cancelStream func()
	cancelSnap   func()
	cancelGit    func()
}

// Client is one websocket connection. Frames are dispatched from a single
// read loop; component callbacks only ever touch the outbox, so nothing a
// slow session does can stall dispatch.
type Client struct {
	hub  *Hub
	id   string
	conn *websocket.Conn
	out  *outbox

	mu          sync.Mutex
	subs        map[string]*clientSub
	globalFlags uint32
	closed      bool
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			// The protocol is binary-only; text frames are ignored.
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			// One bad frame does not cost the connection.
			c.out.enqueue(protocol.ErrorFrame("", "malformed frame: "+err.Error(), "bad_frame"))
			continue
		}
		c.dispatch(ctx, f)
	}
}

func (c *Client) dispatch(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.TypePing:
		c.out.enqueue(protocol.Frame{Type: protocol.TypePong, SessionID: f.SessionID, Payload: f.Payload})
	case protocol.TypeSubscribe:
		flags, err := protocol.ParseFlags(f.Payload)
		if err != nil {
			c.out.enqueue(protocol.ErrorFrame(f.SessionID, err.Error(), "bad_frame"))
			return
		}
		c.setSubscription(ctx, f.SessionID, flags)
	case protocol.TypeUnsubscribe:
		c.setSubscription(ctx, f.SessionID, 0)
	case protocol.TypeInputText:
		c.input(ctx, f, false)
	case protocol.TypeInputKey:
		c.input(ctx, f, true)
	case protocol.TypeResize:
		c.resize(ctx, f)
	case protocol.TypeKill, protocol.TypeResetSize:
		c.control(ctx, f)
	default:
		msg := fmt.Sprintf("unsupported message type %s", protocol.TypeName(f.Type))
		c.out.enqueue(protocol.ErrorFrame(f.SessionID, msg, "bad_frame"))
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// setSubscription is both Subscribe and Unsubscribe: zero flags clears.
func (c *Client) setSubscription(ctx context.Context, sessionID string, flags uint32) {
	if sessionID == "" {
		c.setGlobal(flags)
		return
	}
	if _, rem, ok := c.hub.remoteFor(sessionID); ok {
		c.setRemote(ctx, sessionID, rem.ID, flags)
		return
	}
	c.setLocal(sessionID, flags)
}

func (c *Client) setGlobal(flags uint32) {
	c.mu.Lock()
	c.globalFlags = flags
	c.mu.Unlock()
	if flags&protocol.FlagEvents != 0 {
		ev := protocol.ConnectedEvent{Type: "connected", Timestamp: time.Now().UTC()}
		if f, err := protocol.EventFrame("", ev); err == nil {
			c.out.enqueue(f)
		}
	}
}

func (c *Client) globalEvents() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalFlags&protocol.FlagEvents != 0
}

// setRemote records the subscription locally and pushes the client's flags
// into the remote's aggregate union.
func (c *Client) setRemote(ctx context.Context, sessionID, remoteID string, flags uint32) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if flags == 0 {
		delete(c.subs, sessionID)
	} else {
		sub := c.subs[sessionID]
		if sub == nil {
			sub = &clientSub{}
			c.subs[sessionID] = sub
		}
		sub.flags = flags
		sub.remoteID = remoteID
	}
	c.mu.Unlock()

	reg := c.hub.remoteRegistry()
	if reg == nil {
		return
	}
	up, err := reg.Upstream(remoteID)
	if err == nil {
		err = up.SetClientFlags(ctx, sessionID, c.id, flags)
	}
	if err != nil {
		slog.Warn("remote subscribe failed", "session", sessionID, "err", err)
		c.out.enqueue(protocol.ErrorFrame(sessionID, "remote unavailable: "+err.Error(), "remote_unavailable"))
	}
}

// setLocal replaces a local session subscription. Whatever component
// subscriptions backed the previous flags are cancelled and new ones
// started from scratch, so a re-subscribe restarts the stdout replay even
// when only the flags changed; zero flags just clears.
func (c *Client) setLocal(sessionID string, flags uint32) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.subs[sessionID]
	var sub *clientSub
	if flags == 0 {
		delete(c.subs, sessionID)
	} else {
		sub = &clientSub{flags: flags}
		c.subs[sessionID] = sub
	}
	c.mu.Unlock()

	if old != nil {
		if old.cancelStream != nil {
			old.cancelStream()
		}
		if old.cancelSnap != nil {
			old.cancelSnap()
		}
		if old.cancelGit != nil {
			old.cancelGit()
		}
	}
	if flags == 0 {
		return
	}

	if flags&protocol.FlagStdout != 0 && c.hub.cfg.Streams != nil {
		cancel, err := c.hub.cfg.Streams.Subscribe(sessionID, func(ev stream.Event) {
			c.streamEvent(sessionID, ev)
		})
		if err != nil {
			c.out.enqueue(protocol.ErrorFrame(sessionID, err.Error(), ""))
		} else {
			c.adopt(sessionID, sub, protocol.FlagStdout, &sub.cancelStream, cancel)
		}
	}

	if flags&protocol.FlagSnapshots != 0 && c.hub.cfg.Buffers != nil {
		buffers := c.hub.cfg.Buffers
		cancel := buffers.SubscribeChanges(sessionID, func() {
			c.out.enqueueSnapshot(sessionID, buffers.Snapshot(sessionID))
		})
		c.adopt(sessionID, sub, protocol.FlagSnapshots, &sub.cancelSnap, cancel)
		// Baseline snapshot; changes only notify afterwards.
		c.out.enqueueSnapshot(sessionID, buffers.Snapshot(sessionID))
	}

	if flags&protocol.FlagEvents != 0 && c.hub.cfg.Git != nil {
		if dir := c.hub.workingDir(sessionID); dir != "" {
			cancel, err := c.hub.cfg.Git.Watch(dir, func(st gitstatus.Status) {
				c.gitEvent(sessionID, st)
			})
			switch {
			case err == nil:
				c.adopt(sessionID, sub, protocol.FlagEvents, &sub.cancelGit, cancel)
			case errors.Is(err, gitstatus.ErrNotARepo):
				// Sessions outside a repository just get no git events.
			default:
				slog.Warn("git watch failed", "session", sessionID, "err", err)
			}
		}
	}
}

// adopt stores a freshly created component cancel in its slot, unless the
// subscription changed or the client closed while it was being set up — in
// which case the component sub is cancelled immediately.
func (c *Client) adopt(sessionID string, sub *clientSub, flag uint32, slot *func(), cancel func()) {
	c.mu.Lock()
	ok := !c.closed && c.subs[sessionID] == sub && sub.flags&flag != 0 && *slot == nil
	if ok {
		*slot = cancel
	}
	c.mu.Unlock()
	if !ok {
		cancel()
	}
}

func (c *Client) sessionFlags(sessionID string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub := c.subs[sessionID]; sub != nil {
		return sub.flags
	}
	return 0
}

// ---------------------------------------------------------------------------
// Event mapping
// ---------------------------------------------------------------------------

// streamEvent translates output-hub events into wire frames. Raw output
// rides Stdout frames; everything else becomes a typed Event. Header and
// resize are not terminal bytes, so they only go to clients that also
// asked for events.
func (c *Client) streamEvent(sessionID string, ev stream.Event) {
	switch ev.Kind {
	case stream.EventHeader:
		if c.sessionFlags(sessionID)&protocol.FlagEvents == 0 {
			return
		}
		hdr := ev.Header
		f, err := protocol.EventFrame(sessionID, protocol.HeaderEvent{
			Type:    "header",
			Version: hdr.Version,
			Width:   hdr.Width,
			Height:  hdr.Height,
			Command: hdr.Command,
			Title:   hdr.Title,
		})
		if err == nil {
			c.out.enqueue(f)
		}
	case stream.EventOutput:
		c.out.enqueue(protocol.Frame{Type: protocol.TypeStdout, SessionID: sessionID, Payload: []byte(ev.Data)})
	case stream.EventResize:
		if c.sessionFlags(sessionID)&protocol.FlagEvents == 0 {
			return
		}
		f, err := protocol.EventFrame(sessionID, protocol.ResizeEvent{Type: "resize", Cols: ev.Cols, Rows: ev.Rows})
		if err == nil {
			c.out.enqueue(f)
		}
	case stream.EventExit:
		f, err := protocol.EventFrame(sessionID, protocol.ExitEvent{Type: "exit", ExitCode: ev.ExitCode})
		if err == nil {
			c.out.enqueue(f)
		}
	case stream.EventError:
		c.out.enqueue(protocol.ErrorFrame(sessionID, ev.Message, ""))
	}
}

func (c *Client) gitEvent(sessionID string, st gitstatus.Status) {
	payload := struct {
		Type string `json:"type"`
		gitstatus.Status
	}{Type: "git-status", Status: st}
	if f, err := protocol.EventFrame(sessionID, payload); err == nil {
		c.out.enqueue(f)
	}
}

// relayRemote fans one upstream frame to this client if it subscribed to
// the session on that remote, applying the same flag gating local sessions
// get.
func (c *Client) relayRemote(remoteID string, f protocol.Frame) {
	c.mu.Lock()
	sub := c.subs[f.SessionID]
	if sub == nil || sub.remoteID != remoteID {
		c.mu.Unlock()
		return
	}
	flags := sub.flags
	c.mu.Unlock()

	switch f.Type {
	case protocol.TypeStdout:
		if flags&protocol.FlagStdout != 0 {
			c.out.enqueue(f)
		}
	case protocol.TypeSnapshotVT:
		if flags&protocol.FlagSnapshots != 0 {
			c.out.enqueueSnapshot(f.SessionID, f.Payload)
		}
	case protocol.TypeEvent:
		if wantsEvent(flags, f.Payload) {
			c.out.enqueue(f)
		}
	case protocol.TypeError:
		c.out.enqueue(f)
	}
}

// wantsEvent mirrors local gating for proxied events: header, resize and
// git-status ride the Events flag; exit follows stdout.
func wantsEvent(flags uint32, payload []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return flags != 0
	}
	switch head.Type {
	case "header", "resize", "git-status":
		return flags&protocol.FlagEvents != 0
	default:
		return flags&(protocol.FlagStdout|protocol.FlagEvents) != 0
	}
}

// ---------------------------------------------------------------------------
// Input and control
// ---------------------------------------------------------------------------

// input handles InputText and InputKey. Writing to a local session claims
// its input ownership, displacing whoever held it; remote sessions are
// forwarded verbatim and the remote end tracks its own ownership.
func (c *Client) input(ctx context.Context, f protocol.Frame, key bool) {
	sid := f.SessionID
	if sid == "" {
		c.out.enqueue(protocol.ErrorFrame("", "input needs a session id", "bad_frame"))
		return
	}
	if _, rem, ok := c.hub.remoteFor(sid); ok {
		c.forwardUpstream(ctx, rem.ID, f)
		return
	}

	if owners := c.hub.cfg.Owners; owners != nil {
		owners.Claim(sid, c.id, "")
	}

	ptys := c.hub.cfg.PTYs
	if ptys == nil {
		c.out.enqueue(protocol.ErrorFrame(sid, "no local sessions on this server", ""))
		return
	}
	var err error
	if key {
		err = ptys.SendKey(sid, string(f.Payload))
	} else {
		err = ptys.SendText(sid, string(f.Payload))
	}
	if err != nil {
		c.out.enqueue(protocol.ErrorFrame(sid, err.Error(), ""))
	}
}

func (c *Client) resize(ctx context.Context, f protocol.Frame) {
	cols, rows, err := protocol.ParseResize(f.Payload)
	if err != nil {
		c.out.enqueue(protocol.ErrorFrame(f.SessionID, err.Error(), "bad_frame"))
		return
	}
	if cols == 0 || rows == 0 || cols > 10000 || rows > 10000 {
		msg := fmt.Sprintf("resize dimensions out of range: %dx%d", cols, rows)
		c.out.enqueue(protocol.ErrorFrame(f.SessionID, msg, "bad_frame"))
		return
	}
	if _, rem, ok := c.hub.remoteFor(f.SessionID); ok {
		c.forwardUpstream(ctx, rem.ID, f)
		return
	}
	ptys := c.hub.cfg.PTYs
	if ptys == nil {
		c.out.enqueue(protocol.ErrorFrame(f.SessionID, "no local sessions on this server", ""))
		return
	}
	if err := ptys.Resize(f.SessionID, cols, rows); err != nil {
		c.out.enqueue(protocol.ErrorFrame(f.SessionID, err.Error(), ""))
	}
}

// control handles Kill and ResetSize.
func (c *Client) control(ctx context.Context, f protocol.Frame) {
	if f.SessionID == "" {
		c.out.enqueue(protocol.ErrorFrame("", protocol.TypeName(f.Type)+" needs a session id", "bad_frame"))
		return
	}
	if _, rem, ok := c.hub.remoteFor(f.SessionID); ok {
		c.forwardUpstream(ctx, rem.ID, f)
		return
	}
	ptys := c.hub.cfg.PTYs
	if ptys == nil {
		c.out.enqueue(protocol.ErrorFrame(f.SessionID, "no local sessions on this server", ""))
		return
	}
	var err error
	switch f.Type {
	case protocol.TypeKill:
		err = ptys.Kill(f.SessionID, string(f.Payload))
	case protocol.TypeResetSize:
		err = ptys.ResetSize(f.SessionID)
	}
	if err != nil {
		c.out.enqueue(protocol.ErrorFrame(f.SessionID, err.Error(), ""))
	}
}

func (c *Client) forwardUpstream(ctx context.Context, remoteID string, f protocol.Frame) {
	reg := c.hub.remoteRegistry()
	if reg == nil {
		return
	}
	up, err := reg.Upstream(remoteID)
	if err == nil {
		err = up.Forward(ctx, f)
	}
	if err != nil {
		slog.Warn("forwarding to remote", "type", protocol.TypeName(f.Type), "session", f.SessionID, "err", err)
		c.out.enqueue(protocol.ErrorFrame(f.SessionID, "remote unavailable: "+err.Error(), "remote_unavailable"))
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// teardown releases everything the client held: component subscriptions,
// input ownership, remote flag contributions, and finally the outbox.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*clientSub)
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.cancelStream != nil {
			sub.cancelStream()
		}
		if sub.cancelSnap != nil {
			sub.cancelSnap()
		}
		if sub.cancelGit != nil {
			sub.cancelGit()
		}
	}
	if owners := c.hub.cfg.Owners; owners != nil {
		owners.ReleaseAllForClient(c.id)
	}
	if reg := c.hub.remoteRegistry(); reg != nil {
		reg.DropClient(context.Background(), c.id)
	}
	c.hub.removeClient(c.id)
	c.out.stop()
}
