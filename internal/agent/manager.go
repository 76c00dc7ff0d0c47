package agent

import (
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/hocbridge/internal/logger"
)

// Limits caps concurrent live agents. Zero disables a limit. Live
// means any state but exited, so a spawning slot already counts.
type Limits struct {
	MaxAgents        int
	MaxProjectAgents int
}

// DefaultLimits is the out-of-the-box concurrency cap.
var DefaultLimits = Limits{MaxAgents: 10, MaxProjectAgents: 3}

// Recorder receives lifecycle records for durable history. Calls
// arrive outside manager locks and may block briefly; failures are
// logged, never propagated to the client operation.
type Recorder interface {
	RecordSpawn(id, projectPath, preset string, createdAt time.Time) error
	RecordExit(id string, exitCode *int, reason string, exitedAt time.Time) error
}

// SpawnRequest carries everything dispatch resolved for one spawn:
// the request geometry merged with preset defaults, plus preset args,
// env, and initial prompt.
type SpawnRequest struct {
	ProjectPath   string
	Preset        string
	Cols          int
	Rows          int
	Args          []string
	Env           map[string]string
	InitialPrompt string
}

// Manager owns the agent registry. The registry lock guards the map
// and limit checks only; process I/O always happens outside it.
type Manager struct {
	command  string
	limits   Limits
	hub      *Hub
	recorder Recorder

	mu     sync.RWMutex
	agents map[string]*Session
}

// NewManager builds a manager spawning command for each agent.
// recorder may be nil.
func NewManager(command string, limits Limits, hub *Hub, recorder Recorder) *Manager {
	return &Manager{
		command:  command,
		limits:   limits,
		hub:      hub,
		recorder: recorder,
		agents:   make(map[string]*Session),
	}
}

// Hub returns the event hub connections subscribe to.
func (m *Manager) Hub() *Hub {
	return m.hub
}

// Spawn registers a new session and launches its process. The limit
// check and registry insert happen under one lock, so concurrent
// spawns cannot overshoot a limit. On launch failure the slot is
// released and the error returned.
func (m *Manager) Spawn(req SpawnRequest) (*Session, error) {
	if req.Cols <= 0 {
		req.Cols = DefaultCols
	}
	if req.Rows <= 0 {
		req.Rows = DefaultRows
	}

	id := uuid.New().String()
	sess := newSession(id, req, m.sessionNotify())

	m.mu.Lock()
	if m.limits.MaxAgents > 0 {
		if n := m.liveCountLocked(); n >= m.limits.MaxAgents {
			m.mu.Unlock()
			return nil, &LimitError{Scope: "global", Current: n, Max: m.limits.MaxAgents}
		}
	}
	if m.limits.MaxProjectAgents > 0 {
		if n := m.liveProjectCountLocked(req.ProjectPath); n >= m.limits.MaxProjectAgents {
			m.mu.Unlock()
			return nil, &LimitError{
				Scope:       "project",
				ProjectPath: req.ProjectPath,
				Current:     n,
				Max:         m.limits.MaxProjectAgents,
			}
		}
	}
	m.agents[id] = sess
	m.mu.Unlock()

	if err := sess.start(m.command, req); err != nil {
		m.mu.Lock()
		delete(m.agents, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	if m.recorder != nil {
		if err := m.recorder.RecordSpawn(id, req.ProjectPath, req.Preset, sess.CreatedAt); err != nil {
			logger.Warn("journal spawn record failed", "agent", id, "error", err)
		}
	}
	return sess, nil
}

// sessionNotify routes session events to the hub and mirrors exits
// into the recorder.
func (m *Manager) sessionNotify() func(Event) {
	return func(e Event) {
		if e.Kind == EventExited && m.recorder != nil {
			if err := m.recorder.RecordExit(e.AgentID, e.ExitCode, e.Reason, time.Now()); err != nil {
				logger.Warn("journal exit record failed", "agent", e.AgentID, "error", err)
			}
		}
		m.hub.Broadcast(e)
	}
}

// Input writes data to a running agent's terminal.
func (m *Manager) Input(id string, data []byte) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	return sess.Write(data)
}

// Kill signals an agent. The call acknowledges the signal only; the
// exited event follows once the child is reaped.
func (m *Manager) Kill(id string, sig syscall.Signal) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	return sess.Kill(sig)
}

// Resize changes an agent's terminal geometry.
func (m *Manager) Resize(id string, cols, rows int) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	return sess.Resize(cols, rows)
}

// List snapshots every registered session, exited ones included,
// ordered by creation time.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.agents))
	for _, sess := range m.agents {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Status snapshots one session.
func (m *Manager) Status(id string) (Summary, error) {
	sess, err := m.get(id)
	if err != nil {
		return Summary{}, err
	}
	return sess.Snapshot(), nil
}

// Remove drops an exited session from the registry. Live sessions
// must be killed first.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if sess.State() != StateExited {
		return ErrNotExited
	}
	delete(m.agents, id)
	return nil
}

// KillAll signals every live agent with SIGTERM and reports how many
// were signaled. Exits still arrive asynchronously per agent.
func (m *Manager) KillAll() int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.agents))
	for _, sess := range m.agents {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	killed := 0
	for _, sess := range sessions {
		if err := sess.Kill(syscall.SIGTERM); err == nil {
			killed++
		}
	}
	if killed > 0 {
		logger.Info("kill all", "signaled", killed)
	}
	return killed
}

// Shutdown kills every live agent and waits for the exits, up to the
// grace period per call.
func (m *Manager) Shutdown(grace time.Duration) {
	m.KillAll()

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.agents))
	for _, sess := range m.agents {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	deadline := time.After(grace)
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-deadline:
			return
		}
	}
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return sess, nil
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, sess := range m.agents {
		if sess.State() != StateExited {
			n++
		}
	}
	return n
}

func (m *Manager) liveProjectCountLocked(projectPath string) int {
	n := 0
	for _, sess := range m.agents {
		if sess.ProjectPath == projectPath && sess.State() != StateExited {
			n++
		}
	}
	return n
}
