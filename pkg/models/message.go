package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AttachmentImage and AttachmentFile are the attachment types the runtime
// understands. Unknown types are carried through untouched.
const (
	AttachmentImage = "image"
	AttachmentFile  = "file"
)

// Attachment references a stored artifact carried by a message.
type Attachment struct {
	Type        string `json:"type"`
	ArtifactRef string `json:"artifactRef"`
	Filename    string `json:"filename"`
}

// Payload is a message body: either a plain string or text with
// attachments. On the wire a payload without attachments serializes as a
// bare JSON string; with attachments it serializes as
// {"text":..., "attachments":[...]}.
type Payload struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// TextPayload builds a plain-text payload.
func TextPayload(text string) Payload {
	return Payload{Text: text}
}

// IsPlain reports whether the payload carries no attachments.
func (p Payload) IsPlain() bool {
	return len(p.Attachments) == 0
}

// MarshalJSON renders attachment-free payloads as a bare string so plain
// messages round-trip as plain messages.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsPlain() {
		return json.Marshal(p.Text)
	}
	type wire Payload
	return json.Marshal(wire(p))
}

// UnmarshalJSON accepts a bare string, a {text, attachments} object, or a
// {content} object. Any other JSON value is kept verbatim as text.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = Payload{Text: s}
		return nil
	}
	var obj struct {
		Text        string       `json:"text"`
		Content     string       `json:"content"`
		Attachments []Attachment `json:"attachments"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		text := obj.Text
		if text == "" {
			text = obj.Content
		}
		*p = Payload{Text: text, Attachments: obj.Attachments}
		return nil
	}
	*p = Payload{Text: string(data)}
	return nil
}

// Message is an immutable envelope routed through the bus. A message is
// either delivered (consumed by the processor into the recipient's
// conversation) or interrupting (queued while the recipient is mid-turn).
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Payload.Attachments != nil {
		clone.Payload.Attachments = append([]Attachment(nil), m.Payload.Attachments...)
	}
	return &clone
}

func (m *Message) String() string {
	return fmt.Sprintf("message %s %s->%s", m.ID, m.From, m.To)
}
