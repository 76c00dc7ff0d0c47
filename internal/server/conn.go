package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/hocbridge/internal/agent"
	"github.com/ehrlich-b/hocbridge/internal/git"
	"github.com/ehrlich-b/hocbridge/internal/logger"
	"github.com/ehrlich-b/hocbridge/internal/project"
	"github.com/ehrlich-b/hocbridge/internal/protocol"
)

const (
	// writeTimeout caps a single frame write to one client.
	writeTimeout = 5 * time.Second
	// sendQueue is the per-connection outbound buffer. A client that
	// falls further behind loses frames instead of stalling agents.
	sendQueue = 256
)

// outbound is one writer-queue entry: a frame to send, a close
// request, or a frame followed by a close.
type outbound struct {
	data      []byte
	closeCode websocket.StatusCode
	closeText string
}

type conn struct {
	id    string
	srv   *Server
	ws    *websocket.Conn
	meter *inputMeter

	sendCh chan outbound

	mu     sync.Mutex
	authed bool
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		id:     uuid.New().String()[:8],
		srv:    s,
		ws:     ws,
		meter:  newInputMeter(s.inputRate),
		sendCh: make(chan outbound, sendQueue),
	}
}

func (c *conn) run(ctx context.Context) {
	defer c.ws.CloseNow()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("client connected", "conn", c.id)
	defer logger.Info("client disconnected", "conn", c.id)

	go c.writeLoop(ctx)

	c.send(protocol.Welcome{
		Type:         protocol.TypeWelcome,
		Version:      protocol.Version,
		ServerID:     c.srv.id,
		AuthRequired: c.srv.token != "",
	})

	if c.srv.token == "" {
		c.setAuthed()
		go c.pumpEvents(ctx)
	} else {
		timer := c.armAuthTimer()
		defer timer.Stop()
	}

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			c.send(protocol.NewError(protocol.CodeInvalidMessage, "expected a text frame"))
			continue
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				c.send(protocol.NewError(de.Code, de.Message))
			} else {
				c.send(protocol.NewError(protocol.CodeInvalidMessage, err.Error()))
			}
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// writeLoop is the only writer on the socket. Frames leave in queue
// order, so an error enqueued before a close is flushed first.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case ob := <-c.sendCh:
			if ob.data != nil {
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := c.ws.Write(wctx, websocket.MessageText, ob.data)
				cancel()
				if err != nil {
					return
				}
			}
			if ob.closeCode != 0 {
				c.ws.Close(ob.closeCode, ob.closeText)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send queues one frame, dropping it when the client is too far
// behind to matter.
func (c *conn) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("marshal frame failed", "conn", c.id, "error", err)
		return
	}
	select {
	case c.sendCh <- outbound{data: data}:
	default:
		logger.Warn("dropping frame for slow client", "conn", c.id)
	}
}

// sendClose queues a graceful close behind any pending frames. With
// the queue jammed, the close happens immediately instead.
func (c *conn) sendClose(code websocket.StatusCode, text string) {
	select {
	case c.sendCh <- outbound{closeCode: code, closeText: text}:
	default:
		c.ws.Close(code, text)
	}
}

// pumpEvents feeds hub events to this client for as long as it lives.
// Subscribed only once authenticated.
func (c *conn) pumpEvents(ctx context.Context) {
	hub := c.srv.manager.Hub()
	ch := hub.Subscribe(c.id)
	defer hub.Unsubscribe(c.id)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if frame, ok := eventFrame(e); ok {
				c.send(frame)
			}
		case <-ctx.Done():
			return
		}
	}
}

func eventFrame(e agent.Event) (any, bool) {
	switch e.Kind {
	case agent.EventOutput:
		return protocol.AgentOutput{
			Type:    protocol.TypeAgentOutput,
			Version: protocol.Version,
			AgentID: e.AgentID,
			Data:    string(e.Data),
		}, true
	case agent.EventExited:
		return protocol.AgentExited{
			Type:     protocol.TypeAgentExited,
			Version:  protocol.Version,
			AgentID:  e.AgentID,
			ExitCode: e.ExitCode,
			Reason:   e.Reason,
		}, true
	case agent.EventResized:
		return protocol.AgentResized{
			Type:    protocol.TypeAgentResized,
			Version: protocol.Version,
			AgentID: e.AgentID,
			Cols:    e.Cols,
			Rows:    e.Rows,
		}, true
	}
	return nil, false
}

// dispatch routes one decoded client message. Only authenticate is
// answerable before the handshake completes; everything else bounces
// with an auth error and never reaches the manager.
func (c *conn) dispatch(ctx context.Context, msg any) {
	if m, ok := msg.(*protocol.Authenticate); ok {
		c.handleAuth(ctx, m)
		return
	}
	if !c.isAuthed() {
		c.send(protocol.NewError(protocol.CodeAuthFailed, "authentication required"))
		return
	}

	switch m := msg.(type) {
	case *protocol.Ping:
		c.send(protocol.Pong{Type: protocol.TypePong, Version: protocol.Version, Seq: m.Seq})
	case *protocol.SpawnAgent:
		c.handleSpawn(m)
	case *protocol.AgentInput:
		c.handleInput(ctx, m)
	case *protocol.KillAgent:
		c.handleKill(m)
	case *protocol.ResizeTerminal:
		c.handleResize(m)
	case *protocol.ListAgents:
		c.handleList()
	case *protocol.GetAgentStatus:
		c.handleStatus(m)
	case *protocol.RemoveAgent:
		c.handleRemove(m)
	case *protocol.ListWorktrees:
		c.handleListWorktrees(ctx, m)
	case *protocol.CreateWorktree:
		c.handleCreateWorktree(ctx, m)
	default:
		c.send(protocol.NewError(protocol.CodeInternalError, "unhandled message"))
	}
}

func (c *conn) handleSpawn(m *protocol.SpawnAgent) {
	path, err := filepath.Abs(m.ProjectPath)
	if err != nil {
		c.send(protocol.NewError(protocol.CodeInvalidPath,
			fmt.Sprintf("project path %q: %v", m.ProjectPath, err)))
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		c.send(protocol.NewError(protocol.CodeInvalidPath,
			fmt.Sprintf("project path %q does not exist or is not a directory", m.ProjectPath)))
		return
	}

	cfg, err := project.Load(path)
	if err != nil {
		logger.Warn("project config unreadable, using defaults", "path", path, "error", err)
		cfg = &project.Config{}
	}
	preset, ok := cfg.Resolve(m.Preset)
	if m.Preset != "" && !ok {
		logger.Warn("unknown preset, spawning without one", "preset", m.Preset, "path", path)
	}

	sess, err := c.srv.manager.Spawn(agent.SpawnRequest{
		ProjectPath:   path,
		Preset:        preset.Name,
		Cols:          firstPositive(m.Cols, preset.Cols),
		Rows:          firstPositive(m.Rows, preset.Rows),
		Args:          preset.Args,
		Env:           preset.Env,
		InitialPrompt: preset.InitialPrompt,
	})
	if err != nil {
		var le *agent.LimitError
		if errors.As(err, &le) {
			e := protocol.NewError(protocol.CodeResourceLimit, le.Error())
			e.Current, e.Max = le.Current, le.Max
			c.send(e)
			return
		}
		c.send(protocol.NewError(protocol.CodeSpawnFailed, err.Error()))
		return
	}

	st := sess.Snapshot()
	c.send(protocol.AgentSpawned{
		Type:        protocol.TypeAgentSpawned,
		Version:     protocol.Version,
		AgentID:     sess.ID,
		ProjectPath: st.ProjectPath,
		Cols:        st.Cols,
		Rows:        st.Rows,
	})
}

func (c *conn) handleInput(ctx context.Context, m *protocol.AgentInput) {
	if err := c.meter.wait(ctx, len(m.Input)); err != nil {
		return
	}
	if err := c.srv.manager.Input(m.AgentID, []byte(m.Input)); err != nil {
		c.send(agentError(err, m.AgentID))
	}
	// Success is silent; the echo comes back as agent_output.
}

func (c *conn) handleKill(m *protocol.KillAgent) {
	if err := c.srv.manager.Kill(m.AgentID, syscall.Signal(m.Signal)); err != nil {
		c.send(agentError(err, m.AgentID))
		return
	}
	// Acknowledge with a snapshot of the session on its way down;
	// the exited event follows once the child is reaped.
	if st, err := c.srv.manager.Status(m.AgentID); err == nil {
		c.send(statusFrame(st))
	}
}

func (c *conn) handleResize(m *protocol.ResizeTerminal) {
	if err := c.srv.manager.Resize(m.AgentID, m.Cols, m.Rows); err != nil {
		c.send(agentError(err, m.AgentID))
	}
	// The applied geometry reaches everyone as an agent_resized event.
}

func (c *conn) handleList() {
	summaries := c.srv.manager.List()
	agents := make([]protocol.AgentSummary, 0, len(summaries))
	for _, st := range summaries {
		agents = append(agents, summaryToWire(st))
	}
	c.send(protocol.AgentList{Type: protocol.TypeAgentList, Version: protocol.Version, Agents: agents})
}

func (c *conn) handleStatus(m *protocol.GetAgentStatus) {
	st, err := c.srv.manager.Status(m.AgentID)
	if err != nil {
		c.send(agentError(err, m.AgentID))
		return
	}
	c.send(statusFrame(st))
}

func (c *conn) handleRemove(m *protocol.RemoveAgent) {
	if err := c.srv.manager.Remove(m.AgentID); err != nil {
		c.send(agentError(err, m.AgentID))
		return
	}
	c.send(protocol.AgentRemoved{Type: protocol.TypeAgentRemoved, Version: protocol.Version, AgentID: m.AgentID})
}

func (c *conn) handleListWorktrees(ctx context.Context, m *protocol.ListWorktrees) {
	wts, err := git.ListWorktrees(ctx, m.RepoPath)
	if err != nil {
		c.send(protocol.NewError(protocol.CodeGitError, err.Error()))
		return
	}
	infos := make([]protocol.WorktreeInfo, 0, len(wts))
	for _, wt := range wts {
		infos = append(infos, worktreeToWire(wt))
	}
	c.send(protocol.WorktreeListMsg{
		Type:      protocol.TypeWorktreeList,
		Version:   protocol.Version,
		RepoPath:  m.RepoPath,
		Worktrees: infos,
	})
}

func (c *conn) handleCreateWorktree(ctx context.Context, m *protocol.CreateWorktree) {
	wt, err := git.CreateWorktree(ctx, m.RepoPath, m.BranchName, m.BasePath)
	if err != nil {
		c.send(protocol.NewError(protocol.CodeGitError, err.Error()))
		return
	}
	c.send(protocol.WorktreeCreated{
		Type:     protocol.TypeWorktreeCreated,
		Version:  protocol.Version,
		Worktree: worktreeToWire(wt),
	})
}

func agentError(err error, agentID string) protocol.ErrorMsg {
	return protocol.NewAgentError(codeFor(err), agentID, err.Error())
}

func codeFor(err error) protocol.Code {
	var le *agent.LimitError
	switch {
	case errors.As(err, &le):
		return protocol.CodeResourceLimit
	case errors.Is(err, agent.ErrAgentNotFound):
		return protocol.CodeAgentNotFound
	case errors.Is(err, agent.ErrNotRunning),
		errors.Is(err, agent.ErrAlreadyExited),
		errors.Is(err, agent.ErrNotExited):
		return protocol.CodeInvalidState
	default:
		return protocol.CodeInternalError
	}
}

func statusFrame(st agent.Summary) protocol.AgentStatus {
	return protocol.AgentStatus{
		Type:         protocol.TypeAgentStatus,
		Version:      protocol.Version,
		AgentSummary: summaryToWire(st),
	}
}

func summaryToWire(st agent.Summary) protocol.AgentSummary {
	return protocol.AgentSummary{
		AgentID:     st.ID,
		Status:      string(st.State),
		ProjectPath: st.ProjectPath,
		Preset:      st.Preset,
		Cols:        st.Cols,
		Rows:        st.Rows,
		CreatedAt:   st.CreatedAt,
		ExitCode:    st.ExitCode,
		ExitReason:  st.ExitReason,
	}
}

func worktreeToWire(wt git.Worktree) protocol.WorktreeInfo {
	return protocol.WorktreeInfo{
		Path:       wt.Path,
		Branch:     wt.Branch,
		IsMain:     wt.IsMain,
		IsBare:     wt.IsBare,
		IsLocked:   wt.IsLocked,
		CommitHash: wt.Commit,
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
