package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/vibetunnel/vtserver/internal/config"
	"github.com/vibetunnel/vtserver/internal/protocol"
	"github.com/vibetunnel/vtserver/internal/pty"
	"github.com/vibetunnel/vtserver/internal/server"
	"github.com/vibetunnel/vtserver/internal/session"
	"github.com/vibetunnel/vtserver/internal/terminal"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vts",
		Short: "Terminal sharing server with cast recording and live websocket streaming",
	}

	rootCmd.AddCommand(
		serveCmd(),
		fwdCmd(),
		watchCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var (
		listen     string
		configPath string
		controlDir string
		hq         bool
		spawn      []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vibetunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if controlDir != "" {
				cfg.Server.ControlDir = controlDir
			}
			if hq {
				cfg.HQ.Enabled = true
			}
			for _, command := range spawn {
				cfg.Sessions = append(cfg.Sessions, config.SessionConfig{
					Command: strings.Fields(command),
				})
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			srv, err := server.New(cfg)
			if err != nil {
				return fmt.Errorf("initializing server: %w", err)
			}
			defer srv.Close()

			if err := srv.Listen(); err != nil {
				return err
			}
			printConnectInfo(srv.Addr(), srv.Token())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "[vts] shutting down...")
				cancel()
			}()

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default 127.0.0.1:4020)")
	cmd.Flags().StringVar(&configPath, "config", "", "Config file path (default ~/.vibetunnel/config.toml)")
	cmd.Flags().StringVar(&controlDir, "control-dir", "", "Session control directory (default ~/.vibetunnel/control)")
	cmd.Flags().BoolVar(&hq, "hq", false, "Enable HQ mode (federation registry)")
	cmd.Flags().StringArrayVar(&spawn, "spawn", nil, "Command to spawn at startup, whitespace-split (can be repeated)")

	return cmd
}

// printConnectInfo prints the websocket URL and, when stdout is a terminal,
// a QR code of it so mobile clients can connect by scanning.
func printConnectInfo(addr, token string) {
	url := fmt.Sprintf("ws://%s/ws?token=%s", addr, token)
	fmt.Fprintf(os.Stderr, "[vts] connect: %s\n", url)

	if !terminal.StdoutIsTerminal() {
		return
	}
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Println(qr.ToSmallString(false))
}

// ---------------------------------------------------------------------------
// fwdCmd
// ---------------------------------------------------------------------------

func fwdCmd() *cobra.Command {
	var (
		controlDir string
		name       string
		workDir    string
		list       bool
	)

	cmd := &cobra.Command{
		Use:   "fwd [flags] -- command...",
		Short: "Record a command in a new session without running the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return listSessions(controlDir)
			}

			dash := cmd.ArgsLenAtDash()
			if dash == -1 {
				return fmt.Errorf("command required after --")
			}
			if dash > 0 {
				return fmt.Errorf("unexpected argument before --: %q", args[0])
			}
			command := args
			if len(command) == 0 {
				return fmt.Errorf("command required after --")
			}

			return runForward(controlDir, name, workDir, command)
		},
	}

	cmd.Flags().StringVar(&controlDir, "control-dir", "", "Session control directory (default ~/.vibetunnel/control)")
	cmd.Flags().StringVar(&name, "name", "", "Session name")
	cmd.Flags().StringVarP(&workDir, "dir", "d", "", "Working directory for the session")
	cmd.Flags().BoolVar(&list, "list", false, "List recorded sessions instead of spawning")

	return cmd
}

// runForward spawns command under a recorded PTY session, mirroring its
// output to the local terminal and forwarding local stdin, until it exits.
func runForward(controlDir, name, workDir string, command []string) error {
	sessions, err := session.NewManager(controlDir)
	if err != nil {
		return err
	}

	mgr := pty.NewManager(sessions, pty.Hooks{
		OnOutput: func(id string, chunk []byte) { os.Stdout.Write(chunk) },
	})
	defer mgr.Close()

	var cols, rows uint16
	if terminal.StdoutIsTerminal() {
		if c, r, sizeErr := terminal.Size(); sizeErr == nil {
			cols, rows = c, r
		}
	}

	ps, err := mgr.Spawn(pty.SpawnOpts{
		Name:    name,
		Command: command,
		Dir:     workDir,
		Cols:    cols,
		Rows:    rows,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "[vts] session %s\n", ps.ID)

	var guard *terminal.RawModeGuard
	if terminal.StdinIsTerminal() {
		if g, rawErr := terminal.EnableRawMode(); rawErr == nil {
			guard = g
		}

		winch, stopWinch := terminal.ResizeSignal()
		defer stopWinch()
		go func() {
			for range winch {
				if c, r, sizeErr := terminal.Size(); sizeErr == nil {
					_ = mgr.Resize(ps.ID, c, r)
				}
			}
		}()
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := os.Stdin.Read(buf)
			if n > 0 {
				if mgr.SendText(ps.ID, string(buf[:n])) != nil {
					return
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	<-ps.Done()
	if guard != nil {
		guard.Restore()
	}

	code := 0
	if info, loadErr := sessions.LoadInfo(ps.ID); loadErr == nil && info.ExitCode != nil {
		code = *info.ExitCode
	}
	fmt.Fprintf(os.Stderr, "[vts] session %s exited with code %d\n", ps.ID, code)
	if code != 0 {
		mgr.Close()
		os.Exit(code)
	}
	return nil
}

func listSessions(controlDir string) error {
	sessions, err := session.NewManager(controlDir)
	if err != nil {
		return err
	}
	infos, err := sessions.List()
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	fmt.Printf("%-36s %-8s %-5s %s\n", "SESSION", "STATUS", "EXIT", "COMMAND")
	for _, info := range infos {
		exit := "-"
		if info.ExitCode != nil {
			exit = strconv.Itoa(*info.ExitCode)
		}
		fmt.Printf("%-36s %-8s %-5s %s\n", info.ID, info.Status, exit, strings.Join(info.Command, " "))
	}
	return nil
}

// ---------------------------------------------------------------------------
// versionCmd
// ---------------------------------------------------------------------------

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the vts version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vts %s (protocol v%d)\n", server.Version, protocol.Version)
		},
	}
}
