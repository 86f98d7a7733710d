package models

import "encoding/json"

// TurnRole is the author of a conversation turn.
type TurnRole string

const (
	TurnSystem    TurnRole = "system"
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
	TurnTool      TurnRole = "tool"
)

// ToolCall is an LLM's request to invoke a named tool with JSON arguments.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ContentPart is one element of a multimodal user turn: either text or an
// image data URL.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Turn is one entry in an agent's conversation. User turns may carry
// multimodal Parts; when Parts is empty, Content holds the full text.
// Assistant turns may carry ToolCalls; tool turns carry the ToolCallID they
// answer.
type Turn struct {
	Role       TurnRole      `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
}

// Clone returns a deep copy of the turn.
func (t Turn) Clone() Turn {
	clone := t
	if t.Parts != nil {
		clone.Parts = append([]ContentPart(nil), t.Parts...)
	}
	if t.ToolCalls != nil {
		clone.ToolCalls = make([]ToolCall, len(t.ToolCalls))
		for i, tc := range t.ToolCalls {
			clone.ToolCalls[i] = tc
			clone.ToolCalls[i].Arguments = append(json.RawMessage(nil), tc.Arguments...)
		}
	}
	return clone
}

// CloneTurns deep-copies a conversation slice.
func CloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}
