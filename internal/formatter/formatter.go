// Package formatter renders inbound messages into the single string the
// turn driver appends as a user turn. The framing is Chinese because the
// agent prompts are; the strings here are part of the prompt contract and
// never change.
package formatter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hivegrid/hivegrid/internal/bus"
	"github.com/hivegrid/hivegrid/pkg/models"
)

// SenderInfo describes the message author as known to the organization.
type SenderInfo struct {
	RoleName string
	AgentID  string
}

// FormatMessage renders one message for the recipient's conversation.
// Messages from the user carry no reply hint; messages from agents end
// with a send_message hint naming the sender.
func FormatMessage(msg *models.Message, sender SenderInfo) string {
	text := payloadText(msg.Payload)

	var b strings.Builder
	if msg.From == bus.UserRecipient {
		b.WriteString("【来自用户的消息】\n")
		b.WriteString(text)
		writeAttachmentList(&b, msg.Payload.Attachments)
		return b.String()
	}

	role := sender.RoleName
	if role == "" {
		role = "unknown"
	}
	from := msg.From
	if from == "" {
		from = "unknown"
	}
	fmt.Fprintf(&b, "【来自 %s（%s）的消息】\n", role, from)
	b.WriteString(text)
	writeAttachmentList(&b, msg.Payload.Attachments)
	fmt.Fprintf(&b, "\n\n如需回复，请使用 send_message(to='%s', ...)", from)
	return b.String()
}

// payloadText extracts the textual body. The Payload decoder already folds
// string payloads and {text|content} objects into Text; anything else was
// kept verbatim as raw JSON, which is what the model gets.
func payloadText(p models.Payload) string {
	if p.Text != "" {
		return p.Text
	}
	if len(p.Attachments) > 0 {
		return ""
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	s := string(raw)
	if s == `""` {
		return ""
	}
	return s
}

func writeAttachmentList(b *strings.Builder, attachments []models.Attachment) {
	if len(attachments) == 0 {
		return
	}
	b.WriteString("\n\n【附件列表】")
	for _, att := range attachments {
		label := "[文件]"
		if att.Type == models.AttachmentImage {
			label = "[图片]"
		}
		name := att.Filename
		if name == "" {
			name = att.ArtifactRef
		}
		fmt.Fprintf(b, "\n%s %s (%s)", label, name, att.ArtifactRef)
	}
}
