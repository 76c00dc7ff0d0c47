package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError describes a frame the codec rejected before dispatch.
type DecodeError struct {
	Code    Code
	Message string
}

func (e *DecodeError) Error() string { return e.Message }

func decodeErrf(code Code, format string, args ...any) *DecodeError {
	return &DecodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// DecodeClient parses one client frame into its typed message. The result is
// a pointer to one of the client message structs. Frames with a missing or
// mismatched version, an unknown type, malformed JSON, or missing required
// fields are rejected with a *DecodeError carrying the wire code.
func DecodeClient(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, decodeErrf(CodeInvalidMessage, "malformed message: %v", err)
	}
	if env.Type == "" {
		return nil, decodeErrf(CodeInvalidMessage, "message has no type")
	}
	if env.Version == 0 {
		return nil, decodeErrf(CodeInvalidMessage, "%s: missing protocol version", env.Type)
	}
	if env.Version != Version {
		return nil, decodeErrf(CodeVersionMismatch, "%s: protocol version %d not supported, server speaks %d", env.Type, env.Version, Version)
	}

	switch env.Type {
	case TypePing:
		var m Ping
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "ping: %v", err)
		}
		return &m, nil

	case TypeAuthenticate:
		var m Authenticate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "authenticate: %v", err)
		}
		return &m, nil

	case TypeSpawnAgent:
		var m SpawnAgent
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "spawn_agent: %v", err)
		}
		if m.ProjectPath == "" {
			return nil, decodeErrf(CodeInvalidMessage, "spawn_agent: project_path is required")
		}
		if m.Cols < 0 || m.Rows < 0 {
			return nil, decodeErrf(CodeInvalidMessage, "spawn_agent: cols/rows must not be negative")
		}
		return &m, nil

	case TypeAgentInput:
		var m AgentInput
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "agent_input: %v", err)
		}
		if m.AgentID == "" {
			return nil, decodeErrf(CodeInvalidMessage, "agent_input: agent_id is required")
		}
		return &m, nil

	case TypeKillAgent:
		var m KillAgent
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "kill_agent: %v", err)
		}
		if m.AgentID == "" {
			return nil, decodeErrf(CodeInvalidMessage, "kill_agent: agent_id is required")
		}
		if m.Signal < 0 {
			return nil, decodeErrf(CodeInvalidMessage, "kill_agent: signal must not be negative")
		}
		return &m, nil

	case TypeResizeTerminal:
		var m ResizeTerminal
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "resize_terminal: %v", err)
		}
		if m.AgentID == "" {
			return nil, decodeErrf(CodeInvalidMessage, "resize_terminal: agent_id is required")
		}
		if m.Cols <= 0 || m.Rows <= 0 {
			return nil, decodeErrf(CodeInvalidMessage, "resize_terminal: cols and rows must be positive")
		}
		return &m, nil

	case TypeListAgents:
		var m ListAgents
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "list_agents: %v", err)
		}
		return &m, nil

	case TypeGetAgentStatus:
		var m GetAgentStatus
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "get_agent_status: %v", err)
		}
		if m.AgentID == "" {
			return nil, decodeErrf(CodeInvalidMessage, "get_agent_status: agent_id is required")
		}
		return &m, nil

	case TypeRemoveAgent:
		var m RemoveAgent
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "remove_agent: %v", err)
		}
		if m.AgentID == "" {
			return nil, decodeErrf(CodeInvalidMessage, "remove_agent: agent_id is required")
		}
		return &m, nil

	case TypeListWorktrees:
		var m ListWorktrees
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "list_worktrees: %v", err)
		}
		if m.RepoPath == "" {
			return nil, decodeErrf(CodeInvalidMessage, "list_worktrees: repo_path is required")
		}
		return &m, nil

	case TypeCreateWorktree:
		var m CreateWorktree
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, decodeErrf(CodeInvalidMessage, "create_worktree: %v", err)
		}
		if m.RepoPath == "" {
			return nil, decodeErrf(CodeInvalidMessage, "create_worktree: repo_path is required")
		}
		if m.BranchName == "" {
			return nil, decodeErrf(CodeInvalidMessage, "create_worktree: branch_name is required")
		}
		return &m, nil

	default:
		return nil, decodeErrf(CodeInvalidMessage, "unknown message type %q", env.Type)
	}
}
