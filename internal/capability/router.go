// Package capability rewrites message content so it fits the input
// capabilities of the target agent's LLM service. Images become multimodal
// parts when the service accepts them, and text stubs pointing at the
// artifact ref when it does not.
package capability

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hivegrid/hivegrid/pkg/models"
)

// ArtifactFetcher resolves an artifact ref to bytes plus metadata.
type ArtifactFetcher interface {
	Get(ref string) ([]byte, *models.ArtifactMetadata, error)
	GetMetadata(ref string) (*models.ArtifactMetadata, error)
}

// CapabilityChecker answers whether a service accepts a modality as input.
type CapabilityChecker interface {
	HasCapability(serviceID, modality string, direction models.CapabilityDirection) bool
}

// AgentFinder names live agents whose service accepts a given input
// modality. Used to suggest a handoff target in text stubs.
type AgentFinder interface {
	FindCapableAgents(modality string) []string
}

// Content is routed message content ready for the LLM: a plain string or an
// ordered multimodal part list. When Parts is non-nil it always starts with
// a text part.
type Content struct {
	Text  string
	Parts []models.ContentPart
}

// IsMultimodal reports whether the content carries parts.
func (c Content) IsMultimodal() bool {
	return len(c.Parts) > 0
}

// Router adapts payloads per target-service capabilities.
type Router struct {
	capabilities CapabilityChecker
	artifacts    ArtifactFetcher
	agents       AgentFinder
	logger       *slog.Logger
}

// NewRouter wires a router. agents may be nil; stubs then omit the
// handoff suggestion.
func NewRouter(capabilities CapabilityChecker, artifacts ArtifactFetcher, agents AgentFinder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{capabilities: capabilities, artifacts: artifacts, agents: agents, logger: logger}
}

// RouteContent rewrites the payload for the target service. The text
// argument is the already-formatted message text. Text-only payloads pass
// through unchanged.
func (r *Router) RouteContent(text string, attachments []models.Attachment, targetServiceID string) Content {
	if len(attachments) == 0 {
		return Content{Text: text}
	}

	var parts []models.ContentPart
	var stubs []string
	for _, att := range attachments {
		if r.accepts(targetServiceID, att.Type) {
			part, ok := r.inlineAttachment(att)
			if ok {
				parts = append(parts, part)
				continue
			}
			stubs = append(stubs, fmt.Sprintf("[attachment %s unavailable: fetch failed]", att.Filename))
			continue
		}
		stubs = append(stubs, r.textStub(att))
	}

	if len(stubs) > 0 {
		if text != "" {
			text += "\n"
		}
		text += strings.Join(stubs, "\n")
	}
	if len(parts) == 0 {
		return Content{Text: text}
	}
	// The leading element of a multimodal array is always the text part.
	return Content{Parts: append([]models.ContentPart{{Type: "text", Text: text}}, parts...)}
}

func (r *Router) accepts(serviceID, attachmentType string) bool {
	if r.capabilities == nil || serviceID == "" {
		return false
	}
	return r.capabilities.HasCapability(serviceID, attachmentType, models.DirectionInput)
}

// inlineAttachment fetches the artifact and encodes it as a data URL part.
func (r *Router) inlineAttachment(att models.Attachment) (models.ContentPart, bool) {
	data, meta, err := r.artifacts.Get(att.ArtifactRef)
	if err != nil {
		r.logger.Warn("artifact fetch failed during content routing",
			"ref", att.ArtifactRef, "filename", att.Filename, "error", err)
		return models.ContentPart{}, false
	}
	mime := "application/octet-stream"
	if meta != nil {
		mime = meta.MimeType()
	}
	url := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	return models.ContentPart{Type: "image_url", ImageURL: url}, true
}

// textStub renders an attachment the target model cannot consume as a
// structured description, with a handoff suggestion when some other agent
// can handle the modality.
func (r *Router) textStub(att models.Attachment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[attachment] type=%s filename=%s ref=%s", att.Type, att.Filename, att.ArtifactRef)
	if r.artifacts != nil {
		if meta, err := r.artifacts.GetMetadata(att.ArtifactRef); err == nil && meta != nil && meta.Size > 0 {
			fmt.Fprintf(&b, " size=%d", meta.Size)
		}
	}
	b.WriteString("\n(your model cannot read this content directly)")
	if r.agents != nil {
		if capable := r.agents.FindCapableAgents(att.Type); len(capable) > 0 {
			fmt.Fprintf(&b, "\nagents that can process it: %s", strings.Join(capable, ", "))
		}
	}
	return b.String()
}
