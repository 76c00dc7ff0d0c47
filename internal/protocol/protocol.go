package protocol

import "time"

// Version is the wire protocol version. Every frame carries it; client frames
// with a different version are rejected before dispatch.
const Version = 1

// Message types for the bridge WebSocket protocol.
const (
	// Client → Bridge
	TypePing           = "ping"
	TypeAuthenticate   = "authenticate"
	TypeSpawnAgent     = "spawn_agent"
	TypeAgentInput     = "agent_input"
	TypeKillAgent      = "kill_agent"
	TypeResizeTerminal = "resize_terminal"
	TypeListAgents     = "list_agents"
	TypeGetAgentStatus = "get_agent_status"
	TypeRemoveAgent    = "remove_agent"
	TypeListWorktrees  = "list_worktrees"
	TypeCreateWorktree = "create_worktree"

	// Bridge → Client
	TypeWelcome         = "welcome"
	TypeAuthSuccess     = "auth_success"
	TypePong            = "pong"
	TypeAgentSpawned    = "agent_spawned"
	TypeAgentOutput     = "agent_output"
	TypeAgentExited     = "agent_exited"
	TypeAgentResized    = "agent_resized"
	TypeAgentList       = "agent_list"
	TypeAgentStatus     = "agent_status"
	TypeAgentRemoved    = "agent_removed"
	TypeWorktreeList    = "worktree_list"
	TypeWorktreeCreated = "worktree_created"
	TypeError           = "error"
)

// Error codes carried on error frames.
type Code string

const (
	CodeInvalidMessage  Code = "INVALID_MESSAGE"
	CodeVersionMismatch Code = "VERSION_MISMATCH"
	CodeAuthFailed      Code = "AUTH_FAILED"
	CodeResourceLimit   Code = "RESOURCE_LIMIT"
	CodeAgentNotFound   Code = "AGENT_NOT_FOUND"
	CodeInvalidState    Code = "INVALID_STATE"
	CodeSpawnFailed     Code = "SPAWN_FAILED"
	CodeInvalidPath     Code = "INVALID_PATH"
	CodeGitError        Code = "GIT_ERROR"
	CodeInternalError   Code = "INTERNAL_ERROR"
)

// Envelope wraps every frame with the fields needed for routing.
type Envelope struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

// Ping is a keepalive probe; the bridge echoes the sequence number back.
type Ping struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Seq     uint64 `json:"seq"`
}

// Authenticate presents the shared-secret token.
type Authenticate struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Token   string `json:"token"`
}

// SpawnAgent requests a new agent process rooted at a project directory.
// Cols/rows of 0 mean "use preset or default geometry".
type SpawnAgent struct {
	Type        string `json:"type"`
	Version     int    `json:"version"`
	ProjectPath string `json:"project_path"`
	Preset      string `json:"preset,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
}

// AgentInput carries keystrokes for a running agent.
type AgentInput struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	AgentID string `json:"agent_id"`
	Input   string `json:"input"`
}

// KillAgent asks the bridge to signal an agent. Signal 0 or absent means
// SIGTERM; other values are delivered as-is to the process group.
type KillAgent struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	AgentID string `json:"agent_id"`
	Signal  int    `json:"signal,omitempty"`
}

// ResizeTerminal changes an agent's terminal geometry.
type ResizeTerminal struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	AgentID string `json:"agent_id"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
}

// ListAgents requests a snapshot of every known session, exited ones included.
type ListAgents struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

// GetAgentStatus requests the state of one session.
type GetAgentStatus struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	AgentID string `json:"agent_id"`
}

// RemoveAgent drops an exited session from the registry.
type RemoveAgent struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	AgentID string `json:"agent_id"`
}

// ListWorktrees requests the worktrees of a repository.
type ListWorktrees struct {
	Type     string `json:"type"`
	Version  int    `json:"version"`
	RepoPath string `json:"repo_path"`
}

// CreateWorktree provisions a worktree for a branch, creating the branch from
// HEAD when it does not exist yet.
type CreateWorktree struct {
	Type       string `json:"type"`
	Version    int    `json:"version"`
	RepoPath   string `json:"repo_path"`
	BranchName string `json:"branch_name"`
	BasePath   string `json:"base_path,omitempty"`
}

// Welcome is the first frame on every connection.
type Welcome struct {
	Type         string `json:"type"`
	Version      int    `json:"version"`
	ServerID     string `json:"server_id"`
	AuthRequired bool   `json:"auth_required"`
}

// AuthSuccess confirms a valid token.
type AuthSuccess struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

// Pong answers a ping with the same sequence number.
type Pong struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Seq     uint64 `json:"seq"`
}

// AgentSpawned answers a successful spawn. Cols/rows echo the request or the
// defaults that were applied.
type AgentSpawned struct {
	Type        string `json:"type"`
	Version     int    `json:"version"`
	AgentID     string `json:"agent_id"`
	ProjectPath string `json:"project_path"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
}

// AgentOutput carries terminal bytes from an agent, in production order.
type AgentOutput struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	AgentID string `json:"agent_id"`
	Data    string `json:"data"`
}

// AgentExited reports the end of an agent process. Sent exactly once per
// session. ExitCode is null when the child died to a signal.
type AgentExited struct {
	Type     string `json:"type"`
	Version  int    `json:"version"`
	AgentID  string `json:"agent_id"`
	ExitCode *int   `json:"exit_code"`
	Reason   string `json:"reason"`
}

// AgentResized reports applied terminal geometry.
type AgentResized struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	AgentID string `json:"agent_id"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
}

// AgentSummary is one session in listings and status responses.
type AgentSummary struct {
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"`
	ProjectPath string    `json:"project_path"`
	Preset      string    `json:"preset,omitempty"`
	Cols        int       `json:"cols"`
	Rows        int       `json:"rows"`
	CreatedAt   time.Time `json:"created_at"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	ExitReason  string    `json:"exit_reason,omitempty"`
}

// AgentList answers list_agents.
type AgentList struct {
	Type    string         `json:"type"`
	Version int            `json:"version"`
	Agents  []AgentSummary `json:"agents"`
}

// AgentStatus answers get_agent_status.
type AgentStatus struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	AgentSummary
}

// AgentRemoved confirms a registry removal.
type AgentRemoved struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	AgentID string `json:"agent_id"`
}

// WorktreeInfo is a read-only snapshot of one linked worktree.
type WorktreeInfo struct {
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	IsMain     bool   `json:"is_main"`
	IsBare     bool   `json:"is_bare"`
	IsLocked   bool   `json:"is_locked"`
	CommitHash string `json:"commit_hash"`
}

// WorktreeListMsg answers list_worktrees.
type WorktreeListMsg struct {
	Type      string         `json:"type"`
	Version   int            `json:"version"`
	RepoPath  string         `json:"repo_path"`
	Worktrees []WorktreeInfo `json:"worktrees"`
}

// WorktreeCreated answers create_worktree.
type WorktreeCreated struct {
	Type     string       `json:"type"`
	Version  int          `json:"version"`
	Worktree WorktreeInfo `json:"worktree"`
}

// ErrorMsg reports a per-request failure. Current/max are set on spawn-limit
// rejections so clients can render the counts.
type ErrorMsg struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Message string `json:"message"`
	Code    Code   `json:"code"`
	AgentID string `json:"agent_id,omitempty"`
	Current int    `json:"current,omitempty"`
	Max     int    `json:"max,omitempty"`
}

// NewError builds an error frame.
func NewError(code Code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Version: Version, Message: message, Code: code}
}

// NewAgentError builds an error frame tied to one agent.
func NewAgentError(code Code, agentID, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Version: Version, Message: message, Code: code, AgentID: agentID}
}
