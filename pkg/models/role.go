package models

import "time"

// Role is a named template from which agents are instantiated: a system
// prompt, an optional tool-group grant, and an optional preferred LLM
// service. Names are unique within the organization. Prompt edits and
// renames are allowed; agents of the role observe updates on their next
// turn.
type Role struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Prompt       string    `json:"prompt"`
	ToolGroups   []string  `json:"tool_groups,omitempty"`
	LLMServiceID string    `json:"llm_service_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns a deep copy of the role.
func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	clone := *r
	if r.ToolGroups != nil {
		clone.ToolGroups = append([]string(nil), r.ToolGroups...)
	}
	return &clone
}
