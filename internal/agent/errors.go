package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound means the agent id is not in the registry.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNotRunning means the operation needs a running agent.
	ErrNotRunning = errors.New("agent not running")
	// ErrAlreadyExited means the agent is already exiting or exited.
	ErrAlreadyExited = errors.New("agent already exited")
	// ErrNotExited means removal was attempted on a live agent.
	ErrNotExited = errors.New("agent has not exited")
)

// LimitError rejects a spawn that would exceed a concurrency limit. It
// carries the counts so clients can render them.
type LimitError struct {
	Scope       string // "global" or "project"
	ProjectPath string
	Current     int
	Max         int
}

func (e *LimitError) Error() string {
	if e.Scope == "project" {
		return fmt.Sprintf("project agent limit reached for %s (%d/%d)", e.ProjectPath, e.Current, e.Max)
	}
	return fmt.Sprintf("global agent limit reached (%d/%d)", e.Current, e.Max)
}
