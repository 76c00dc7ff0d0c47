package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/hocbridge/internal/protocol"
)

const detachByte = 0x1d // ctrl-]

type attachOptions struct {
	url         string
	token       string
	agentID     string
	projectPath string
	preset      string
}

func attachCmd() *cobra.Command {
	var opts attachOptions

	cmd := &cobra.Command{
		Use:   "attach [agent-id]",
		Short: "Wire this terminal to an agent on a running bridge",
		Long:  "Attach connects to a bridge, streams an agent's terminal to stdout, and forwards\nkeystrokes and window resizes back. With --project it spawns a fresh agent first.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.agentID = args[0]
			}
			return runAttach(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", envOr("HOCBRIDGE_URL", "ws://127.0.0.1:9000/ws"), "bridge WebSocket URL")
	f.StringVar(&opts.token, "token", envOr("HOCBRIDGE_TOKEN", ""), "shared-secret token")
	f.StringVar(&opts.projectPath, "project", "", "spawn a new agent rooted at this directory")
	f.StringVar(&opts.preset, "preset", "", "preset name for --project spawns")
	return cmd
}

func runAttach(ctx context.Context, opts attachOptions) error {
	if (opts.agentID == "") == (opts.projectPath == "") {
		return errors.New("pass an agent id or --project, not both")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, opts.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.url, err)
	}
	defer ws.CloseNow()
	cl := &wire{ws: ws}

	if err := handshake(ctx, cl, opts.token); err != nil {
		return err
	}

	stdinFD := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFD)
	cols, rows := 0, 0
	if interactive {
		if w, h, err := term.GetSize(stdinFD); err == nil {
			cols, rows = w, h
		}
	}

	agentID := opts.agentID
	var backlog []protocol.AgentOutput
	if opts.projectPath != "" {
		abs, err := filepath.Abs(opts.projectPath)
		if err != nil {
			return err
		}
		if err := cl.send(ctx, protocol.SpawnAgent{
			Type:        protocol.TypeSpawnAgent,
			Version:     protocol.Version,
			ProjectPath: abs,
			Preset:      opts.preset,
			Cols:        cols,
			Rows:        rows,
		}); err != nil {
			return err
		}
		spawned, early, err := awaitSpawned(ctx, cl)
		if err != nil {
			return err
		}
		agentID = spawned.AgentID
		backlog = early
	} else if cols > 0 {
		// Bring the remote terminal in line with ours.
		if err := cl.send(ctx, protocol.ResizeTerminal{
			Type:    protocol.TypeResizeTerminal,
			Version: protocol.Version,
			AgentID: agentID,
			Cols:    cols,
			Rows:    rows,
		}); err != nil {
			return err
		}
	}

	restore := func() {}
	if interactive {
		old, err := term.MakeRaw(stdinFD)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		var once sync.Once
		restore = func() {
			once.Do(func() { term.Restore(stdinFD, old) })
		}
		defer restore()
		fmt.Fprintf(os.Stderr, "attached to %s, ctrl-] detaches\r\n", agentID)
	}

	for _, m := range backlog {
		if m.AgentID == agentID {
			os.Stdout.WriteString(m.Data)
		}
	}

	go pumpStdin(ctx, cancel, cl, agentID, interactive)
	if interactive {
		go watchWinch(ctx, cl, agentID, stdinFD)
	}
	go keepalive(ctx, cl)

	for {
		typ, raw, err := cl.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // detached
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		switch typ {
		case protocol.TypeAgentOutput:
			var m protocol.AgentOutput
			if json.Unmarshal(raw, &m) == nil && m.AgentID == agentID {
				os.Stdout.WriteString(m.Data)
			}
		case protocol.TypeAgentExited:
			var m protocol.AgentExited
			if json.Unmarshal(raw, &m) != nil || m.AgentID != agentID {
				continue
			}
			restore()
			if m.ExitCode != nil {
				fmt.Printf("\nagent exited with code %d (%s)\n", *m.ExitCode, m.Reason)
			} else {
				fmt.Printf("\nagent exited (%s)\n", m.Reason)
			}
			return nil
		case protocol.TypeError:
			var em protocol.ErrorMsg
			if json.Unmarshal(raw, &em) == nil {
				fmt.Fprintf(os.Stderr, "\r\nbridge error: %s (%s)\r\n", em.Message, em.Code)
			}
		}
	}
}

// handshake consumes the welcome frame and authenticates when the bridge
// demands it.
func handshake(ctx context.Context, cl *wire, token string) error {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	typ, raw, err := cl.read(hctx)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if typ != protocol.TypeWelcome {
		return fmt.Errorf("handshake: expected welcome, got %q", typ)
	}
	var hello protocol.Welcome
	if err := json.Unmarshal(raw, &hello); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if !hello.AuthRequired {
		return nil
	}
	if token == "" {
		return errors.New("bridge requires a token; pass --token or set HOCBRIDGE_TOKEN")
	}
	if err := cl.send(hctx, protocol.Authenticate{
		Type:    protocol.TypeAuthenticate,
		Version: protocol.Version,
		Token:   token,
	}); err != nil {
		return err
	}
	typ, raw, err = cl.read(hctx)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	switch typ {
	case protocol.TypeAuthSuccess:
		return nil
	case protocol.TypeError:
		var em protocol.ErrorMsg
		if json.Unmarshal(raw, &em) == nil {
			return fmt.Errorf("authentication failed: %s", em.Message)
		}
	}
	return errors.New("authentication failed")
}

// awaitSpawned waits for the spawn reply. Output frames that race ahead of it
// are returned so the caller can replay them once the agent id is known.
func awaitSpawned(ctx context.Context, cl *wire) (protocol.AgentSpawned, []protocol.AgentOutput, error) {
	var early []protocol.AgentOutput
	for {
		typ, raw, err := cl.read(ctx)
		if err != nil {
			return protocol.AgentSpawned{}, nil, err
		}
		switch typ {
		case protocol.TypeAgentSpawned:
			var sp protocol.AgentSpawned
			if err := json.Unmarshal(raw, &sp); err != nil {
				return protocol.AgentSpawned{}, nil, fmt.Errorf("malformed agent_spawned: %w", err)
			}
			return sp, early, nil
		case protocol.TypeAgentOutput:
			var m protocol.AgentOutput
			if json.Unmarshal(raw, &m) == nil {
				early = append(early, m)
			}
		case protocol.TypeError:
			var em protocol.ErrorMsg
			if json.Unmarshal(raw, &em) == nil {
				return protocol.AgentSpawned{}, nil, fmt.Errorf("spawn failed: %s (%s)", em.Message, em.Code)
			}
			return protocol.AgentSpawned{}, nil, errors.New("spawn failed")
		}
	}
}

func pumpStdin(ctx context.Context, cancel context.CancelFunc, cl *wire, agentID string, interactive bool) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if interactive {
				if i := bytes.IndexByte(data, detachByte); i >= 0 {
					if i > 0 {
						cl.send(ctx, inputMsg(agentID, string(data[:i])))
					}
					cancel()
					return
				}
			}
			if err := cl.send(ctx, inputMsg(agentID, string(data))); err != nil {
				return
			}
		}
		if err != nil {
			// EOF on a pipe stops input; keep streaming output.
			return
		}
	}
}

func watchWinch(ctx context.Context, cl *wire, agentID string, fd int) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-winch:
			if w, h, err := term.GetSize(fd); err == nil {
				cl.send(ctx, protocol.ResizeTerminal{
					Type:    protocol.TypeResizeTerminal,
					Version: protocol.Version,
					AgentID: agentID,
					Cols:    w,
					Rows:    h,
				})
			}
		}
	}
}

func keepalive(ctx context.Context, cl *wire) {
	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			seq++
			if err := cl.send(ctx, protocol.Ping{Type: protocol.TypePing, Version: protocol.Version, Seq: seq}); err != nil {
				return
			}
		}
	}
}

func inputMsg(agentID, data string) protocol.AgentInput {
	return protocol.AgentInput{
		Type:    protocol.TypeAgentInput,
		Version: protocol.Version,
		AgentID: agentID,
		Input:   data,
	}
}

// wire serializes writes to a websocket shared by the stdin pump, the winch
// watcher, and the keepalive ticker.
type wire struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (w *wire) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.Write(wctx, websocket.MessageText, data)
}

func (w *wire) read(ctx context.Context) (string, []byte, error) {
	_, data, err := w.ws.Read(ctx)
	if err != nil {
		return "", nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("malformed frame: %w", err)
	}
	return env.Type, data, nil
}
