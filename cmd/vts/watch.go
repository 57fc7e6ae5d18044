package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/vibetunnel/vtserver/internal/protocol"
	"github.com/vibetunnel/vtserver/internal/remote"
	"github.com/vibetunnel/vtserver/internal/termbuf"
	"github.com/vibetunnel/vtserver/internal/terminal"
)

var errDetached = errors.New("detached")

func watchCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		snapshot  bool
	)

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Attach to a session over the websocket protocol (Ctrl+] detaches)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				return fmt.Errorf("--url is required")
			}
			return runWatch(args[0], serverURL, token, snapshot)
		},
	}

	cmd.Flags().StringVar(&serverURL, "url", "", "Server URL (http://host:port or ws://host:port)")
	cmd.Flags().StringVar(&token, "token", "", "Auth token for the server")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "Render coalesced terminal snapshots instead of the stdout stream")

	return cmd
}

// frameWriter serialises frame writes from the stdin pump and the resize
// watcher onto one connection.
type frameWriter struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *frameWriter) write(f protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(w.ctx, websocket.MessageBinary, protocol.Encode(f))
}

func runWatch(sessionID, serverURL, token string, snapshot bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	wsURL := remote.WebsocketURL(serverURL)
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()

	var opts websocket.DialOptions
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(dialCtx, wsURL, &opts)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(-1)

	writer := &frameWriter{ctx: ctx, conn: conn}

	flags := protocol.FlagStdout | protocol.FlagEvents
	if snapshot {
		flags = protocol.FlagSnapshots | protocol.FlagEvents
	}
	sub := protocol.Frame{
		Type:      protocol.TypeSubscribe,
		SessionID: sessionID,
		Payload:   protocol.EncodeFlags(flags),
	}
	if err := writer.write(sub); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	if terminal.StdinIsTerminal() {
		guard, rawErr := terminal.EnableRawMode()
		if rawErr != nil {
			return fmt.Errorf("enabling raw mode: %w", rawErr)
		}
		defer guard.Restore()

		winch, stopWinch := terminal.ResizeSignal()
		defer stopWinch()
		go func() {
			for range winch {
				cols, rows, sizeErr := terminal.Size()
				if sizeErr != nil {
					continue
				}
				resize := protocol.Frame{
					Type:      protocol.TypeResize,
					SessionID: sessionID,
					Payload:   protocol.EncodeResize(cols, rows),
				}
				if writer.write(resize) != nil {
					return
				}
			}
		}()
	}

	input := startInputPump(writer, sessionID)
	frames, readErrs := startReadPump(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErrs:
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusServiceRestart {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		case err := <-input:
			if errors.Is(err, errDetached) {
				fmt.Fprintf(os.Stderr, "\r\n[vts] detached\r\n")
				return nil
			}
			// Stdin closed; keep watching read-only.
			input = nil
		case f := <-frames:
			done, err := renderFrame(f, sessionID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// startInputPump forwards local stdin to the session as InputText frames,
// watching for the detach key.
func startInputPump(w *frameWriter, sessionID string) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		det := terminal.NewDetachDetector()
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				detach, fwd := det.FeedBuf(buf[:n])
				if len(fwd) > 0 {
					f := protocol.Frame{
						Type:      protocol.TypeInputText,
						SessionID: sessionID,
						Payload:   fwd,
					}
					if werr := w.write(f); werr != nil {
						errCh <- werr
						return
					}
				}
				if detach {
					errCh <- errDetached
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()
	return errCh
}

func startReadPump(ctx context.Context, conn *websocket.Conn) (<-chan protocol.Frame, <-chan error) {
	frames := make(chan protocol.Frame, 64)
	errCh := make(chan error, 1)
	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				errCh <- err
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			f, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			frames <- f
		}
	}()
	return frames, errCh
}

// renderFrame draws one server frame on the local terminal. done reports
// that the watched session is over.
func renderFrame(f protocol.Frame, sessionID string) (done bool, err error) {
	switch f.Type {
	case protocol.TypeStdout:
		if f.SessionID == sessionID {
			os.Stdout.Write(f.Payload)
		}

	case protocol.TypeSnapshotVT:
		if f.SessionID != sessionID {
			return false, nil
		}
		snap, derr := termbuf.DecodeSnapshot(f.Payload)
		if derr != nil {
			return false, nil
		}
		// Clear, home, redraw.
		os.Stdout.WriteString("\x1b[2J\x1b[H")
		os.Stdout.Write(snap.Data)

	case protocol.TypeEvent:
		var ev struct {
			Type     string `json:"type"`
			ExitCode int    `json:"exitCode"`
		}
		if json.Unmarshal(f.Payload, &ev) != nil {
			return false, nil
		}
		if ev.Type == "exit" && f.SessionID == sessionID {
			fmt.Fprintf(os.Stderr, "\r\n[vts] session exited with code %d\r\n", ev.ExitCode)
			return true, nil
		}

	case protocol.TypeError:
		var perr protocol.ErrorPayload
		if json.Unmarshal(f.Payload, &perr) != nil {
			return false, nil
		}
		if perr.Code == "remote_unavailable" {
			// Federation hiccups heal on their own; keep watching.
			fmt.Fprintf(os.Stderr, "\r\n[vts] %s\r\n", perr.Message)
			return false, nil
		}
		return true, fmt.Errorf("server error: %s", perr.Message)
	}

	return false, nil
}
