package models

import "time"

// AgentStatus represents an agent's position in its lifecycle.
type AgentStatus string

const (
	// StatusIdle means the agent has no turn in flight.
	StatusIdle AgentStatus = "idle"

	// StatusWaitingLLM means a turn is blocked on an LLM response.
	StatusWaitingLLM AgentStatus = "waiting_llm"

	// StatusProcessing means the agent is executing tool calls.
	StatusProcessing AgentStatus = "processing"

	// StatusStopping means an abort was requested; the current LLM call is
	// being interrupted and remaining tool calls will be skipped.
	StatusStopping AgentStatus = "stopping"

	// StatusStopped means the agent's turn was aborted. The agent keeps its
	// inbox but is not scheduled until resumed.
	StatusStopped AgentStatus = "stopped"

	// StatusTerminating means the agent is shutting down permanently.
	StatusTerminating AgentStatus = "terminating"

	// StatusTerminated means the agent is permanently gone. The record is
	// preserved for history lookups; pending inbox messages are dropped.
	StatusTerminated AgentStatus = "terminated"
)

// Terminal reports whether the status permanently excludes the agent from
// scheduling.
func (s AgentStatus) Terminal() bool {
	return s == StatusTerminating || s == StatusTerminated
}

// Schedulable reports whether the processor may start a turn for an agent in
// this status.
func (s AgentStatus) Schedulable() bool {
	switch s {
	case StatusStopping, StatusStopped, StatusTerminating, StatusTerminated:
		return false
	}
	return true
}

// Agent is a long-lived entity that owns a conversation with an LLM and acts
// through tools. Agents are owned by the organization and survive
// termination as records.
type Agent struct {
	ID             string      `json:"id"`
	RoleID         string      `json:"role_id"`
	RoleName       string      `json:"role_name"`
	CustomName     string      `json:"custom_name,omitempty"`
	ParentAgentID  string      `json:"parent_agent_id,omitempty"`
	TaskBrief      string      `json:"task_brief,omitempty"`
	Status         AgentStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// DisplayName returns the custom name when set, otherwise the role name.
func (a *Agent) DisplayName() string {
	if a.CustomName != "" {
		return a.CustomName
	}
	return a.RoleName
}

// OrgNode is the tree projection of an agent used by the HTTP surface.
type OrgNode struct {
	AgentID  string      `json:"agentId"`
	RoleName string      `json:"roleName"`
	Status   AgentStatus `json:"status"`
	Children []*OrgNode  `json:"children"`
}
