package tools

import (
	"context"
	"encoding/json"

	"github.com/hivegrid/hivegrid/internal/bus"
	"github.com/hivegrid/hivegrid/pkg/models"
)

// sendMessageSchema is written by hand because payload accepts either a
// bare string or a {text, attachments} object.
var sendMessageSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "to": {"type": "string", "description": "Recipient agent id, or \"user\" for the human operator."},
    "payload": {
      "description": "Message body: a plain string, or {text, attachments}.",
      "anyOf": [
        {"type": "string"},
        {
          "type": "object",
          "properties": {
            "text": {"type": "string"},
            "attachments": {
              "type": "array",
              "items": {
                "type": "object",
                "properties": {
                  "type": {"type": "string", "enum": ["image", "file"]},
                  "artifactRef": {"type": "string"},
                  "filename": {"type": "string"}
                },
                "required": ["type", "artifactRef"]
              }
            }
          }
        }
      ]
    },
    "taskId": {"type": "string"}
  },
  "required": ["to", "payload"],
  "additionalProperties": false
}`)

// SendMessage routes a payload to another agent or to the user through the
// bus.
type SendMessage struct{}

func (SendMessage) Name() string { return "send_message" }

func (SendMessage) Description() string {
	return "Send a message to another agent by id, or to the user with to='user'. The payload may be a plain string or {text, attachments}."
}

func (SendMessage) Parameters() json.RawMessage { return sendMessageSchema }

func (SendMessage) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var params struct {
		To      string         `json:"to"`
		Payload models.Payload `json:"payload"`
		TaskID  string         `json:"taskId"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, Errf(CodeInvalidArgs, "%v", err)
	}
	taskID := params.TaskID
	if taskID == "" {
		taskID = inv.TaskID
	}
	if params.To != bus.UserRecipient {
		if agent, ok := inv.Org.GetAgent(params.To); !ok {
			return nil, Errf(CodeAgentNotFound, "no agent %q", params.To)
		} else if agent.Status.Terminal() {
			return nil, Errf(CodeAgentNotFound, "agent %q is terminated", params.To)
		}
	}
	sent := inv.Bus.Send(&models.Message{
		From:    inv.AgentID,
		To:      params.To,
		TaskID:  taskID,
		Payload: params.Payload,
	})
	return &Result{Data: map[string]any{"messageId": sent.ID, "to": sent.To}}, nil
}

// WaitForMessage suspends the agent's turn until new mail arrives. The
// driver ends the turn without an assistant message and the processor
// reschedules the agent when its inbox refills.
type WaitForMessage struct{}

func (WaitForMessage) Name() string { return "wait_for_message" }

func (WaitForMessage) Description() string {
	return "Pause and wait for the next incoming message. Use this when you have nothing to do until someone replies."
}

func (WaitForMessage) Parameters() json.RawMessage { return EmptySchema() }

func (WaitForMessage) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	return &Result{Suspend: true, Data: map[string]any{"status": "waiting"}}, nil
}
