package agent

import (
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/hocbridge/internal/logger"
)

// Default terminal geometry when a spawn request leaves it out.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// State is an agent session's lifecycle phase. Transitions only move
// forward: spawning -> running -> exiting -> exited, with exiting
// optional when the child leaves on its own.
type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateExiting  State = "exiting"
	StateExited   State = "exited"
)

// EventKind discriminates session events fanned out to clients.
type EventKind int

const (
	EventOutput EventKind = iota
	EventExited
	EventResized
)

// Event is one observable session change. Fields beyond AgentID are
// populated per kind: Data for output, ExitCode/Reason for exited,
// Cols/Rows for resized.
type Event struct {
	Kind     EventKind
	AgentID  string
	Data     []byte
	ExitCode *int
	Reason   string
	Cols     int
	Rows     int
}

// Summary is a point-in-time snapshot of one session.
type Summary struct {
	ID          string
	State       State
	ProjectPath string
	Preset      string
	Cols        int
	Rows        int
	CreatedAt   time.Time
	ExitCode    *int
	ExitReason  string
}

// Session is one agent process under the bridge. Mutating calls
// serialize on mu. Terminal writes serialize separately on writeMu and
// hold mu only for the state check: the PTY master blocks when the
// child stops draining stdin, and mu must stay available to Kill and
// State while a write is stuck.
type Session struct {
	ID          string
	ProjectPath string
	Preset      string
	CreatedAt   time.Time

	notify func(Event)

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	cols       int
	rows       int
	proc       *ptyProc
	killed     bool
	exitCode   *int
	exitReason string

	readerDone chan struct{}
	done       chan struct{}
}

func newSession(id string, req SpawnRequest, notify func(Event)) *Session {
	return &Session{
		ID:          id,
		ProjectPath: req.ProjectPath,
		Preset:      req.Preset,
		CreatedAt:   time.Now(),
		notify:      notify,
		state:       StateSpawning,
		cols:        req.Cols,
		rows:        req.Rows,
		readerDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// start launches the child and moves the session to running. Called
// once, by the manager, after the session is registered.
func (s *Session) start(command string, req SpawnRequest) error {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	proc, err := startPTY(spawnSpec{
		command: command,
		args:    req.Args,
		dir:     req.ProjectPath,
		env:     req.Env,
		cols:    cols,
		rows:    rows,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.state = StateRunning
	// A resize may have landed while the PTY was starting.
	if s.cols != cols || s.rows != rows {
		if rerr := proc.resize(s.cols, s.rows); rerr != nil {
			logger.Warn("late resize failed", "agent", s.ID, "error", rerr)
		}
	}
	s.mu.Unlock()

	logger.Info("agent spawned", "agent", s.ID, "pid", proc.pid(), "project", s.ProjectPath)

	go s.readLoop(proc)
	go s.reap(proc)

	if req.InitialPrompt != "" {
		if werr := s.Write([]byte(req.InitialPrompt + "\r")); werr != nil {
			logger.Warn("initial prompt write failed", "agent", s.ID, "error", werr)
		}
	}
	return nil
}

// Write sends raw bytes to the agent's terminal. Writes keep arrival
// order via writeMu; the PTY write itself runs outside mu.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	proc := s.proc
	s.mu.Unlock()

	return proc.write(data)
}

// Resize updates the terminal geometry and announces the new size.
// Accepted while spawning or running.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	switch s.state {
	case StateSpawning:
		// PTY not up yet; start applies the latest size.
		s.cols, s.rows = cols, rows
		s.mu.Unlock()
		return nil
	case StateRunning:
		if err := s.proc.resize(cols, rows); err != nil {
			s.mu.Unlock()
			return err
		}
		s.cols, s.rows = cols, rows
		s.mu.Unlock()
		s.notify(Event{Kind: EventResized, AgentID: s.ID, Cols: cols, Rows: rows})
		return nil
	default:
		s.mu.Unlock()
		return ErrAlreadyExited
	}
}

// Kill signals the agent's process group and moves the session to
// exiting. The exited event arrives asynchronously once the child is
// reaped; sig zero means SIGTERM.
func (s *Session) Kill(sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateSpawning:
		return ErrNotRunning
	case StateExiting, StateExited:
		return ErrAlreadyExited
	}
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	if err := s.proc.signal(sig); err != nil {
		return err
	}
	s.killed = true
	s.state = StateExiting
	logger.Info("agent signaled", "agent", s.ID, "signal", sig)
	return nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot copies the session's observable fields.
func (s *Session) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:          s.ID,
		State:       s.state,
		ProjectPath: s.ProjectPath,
		Preset:      s.Preset,
		Cols:        s.cols,
		Rows:        s.rows,
		CreatedAt:   s.CreatedAt,
		ExitCode:    s.exitCode,
		ExitReason:  s.exitReason,
	}
}

// Done closes when the session has fully exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// readLoop pumps PTY output into events until the terminal closes.
// Each chunk is copied so downstream consumers own their bytes.
func (s *Session) readLoop(proc *ptyProc) {
	defer close(s.readerDone)
	buf := make([]byte, 4096)
	for {
		n, err := proc.read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.notify(Event{Kind: EventOutput, AgentID: s.ID, Data: data})
		}
		if err != nil {
			return
		}
	}
}

// reap waits for the child, lets the reader drain buffered output,
// then records the terminal state. This is the only writer of
// StateExited and the only source of the exited event, so exactly one
// is emitted per session.
func (s *Session) reap(proc *ptyProc) {
	err := proc.wait()

	// Drain before closing: the PTY can still hold output the child
	// wrote just before exiting. A grandchild keeping the slave side
	// open would stall the reader forever, so cap the wait.
	select {
	case <-s.readerDone:
	case <-time.After(2 * time.Second):
	}
	proc.close()
	<-s.readerDone

	s.mu.Lock()
	code, reason := classifyExit(err, s.killed)
	s.state = StateExited
	s.exitCode = code
	s.exitReason = reason
	s.mu.Unlock()

	if code != nil {
		logger.Info("agent exited", "agent", s.ID, "code", *code, "reason", reason)
	} else {
		logger.Info("agent exited", "agent", s.ID, "reason", reason)
	}
	s.notify(Event{Kind: EventExited, AgentID: s.ID, ExitCode: code, Reason: reason})
	close(s.done)
}
