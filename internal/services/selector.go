package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// ChatFunc asks a meta-LLM a single question and returns its raw text
// reply. The selector stays decoupled from the LLM client through it.
type ChatFunc func(ctx context.Context, system, prompt string) (string, error)

// Selection is the selector's verdict. An empty ServiceID means "use the
// default service".
type Selection struct {
	ServiceID string `json:"serviceId"`
	Reason    string `json:"reason"`
}

// Selector maps a role prompt to a catalog service by asking a meta-LLM to
// pick from the catalog description. Every failure mode degrades to the
// default service; selection never blocks agent creation.
type Selector struct {
	registry *Registry
	chat     ChatFunc
	logger   *slog.Logger
}

// NewSelector wires a selector over the registry.
func NewSelector(registry *Registry, chat ChatFunc, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{registry: registry, chat: chat, logger: logger}
}

const selectorSystem = `You match an agent role to the most suitable LLM service.
Reply with JSON only: {"serviceId": "<id from the catalog or null>", "reason": "<short reason>"}`

// Select picks a service for the role prompt. With an empty registry it
// returns the default selection immediately and makes no LLM call.
func (s *Selector) Select(ctx context.Context, rolePrompt string) Selection {
	if s.registry.Len() == 0 {
		return Selection{Reason: "no services registered"}
	}
	if s.chat == nil {
		return Selection{Reason: "no selector model configured"}
	}

	prompt := fmt.Sprintf("Role prompt:\n%s\n\nService catalog:\n%s", rolePrompt, s.catalogDescription())
	reply, err := s.chat(ctx, selectorSystem, prompt)
	if err != nil {
		s.logger.Warn("service selection failed, using default", "error", err)
		return Selection{Reason: fmt.Sprintf("selection error: %v", err)}
	}

	verdict, err := parseSelection(reply)
	if err != nil {
		s.logger.Warn("unparseable selector reply, using default", "error", err)
		return Selection{Reason: fmt.Sprintf("unparseable selection: %v", err)}
	}
	if verdict.ServiceID == "" {
		return Selection{Reason: verdict.Reason}
	}
	if _, ok := s.registry.GetServiceByID(verdict.ServiceID); !ok {
		s.logger.Warn("selector returned unknown service, using default", "service_id", verdict.ServiceID)
		return Selection{Reason: fmt.Sprintf("unknown service %q", verdict.ServiceID)}
	}
	return verdict
}

func (s *Selector) catalogDescription() string {
	var b strings.Builder
	for _, def := range s.registry.ListServices() {
		caps := def.EffectiveCapabilities()
		fmt.Fprintf(&b, "- id=%s name=%q model=%s input=%s output=%s",
			def.ID, def.Name, def.Model,
			strings.Join(caps.Input, ","), strings.Join(caps.Output, ","))
		if len(def.CapabilityTags) > 0 {
			fmt.Fprintf(&b, " tags=%s", strings.Join(def.CapabilityTags, ","))
		}
		if def.Description != "" {
			fmt.Fprintf(&b, " // %s", def.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func parseSelection(reply string) (Selection, error) {
	cleaned := strings.TrimSpace(reply)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	// The model may return null for serviceId; decode through a pointer.
	var raw struct {
		ServiceID *string `json:"serviceId"`
		Reason    string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return Selection{}, err
	}
	out := Selection{Reason: raw.Reason}
	if raw.ServiceID != nil {
		out.ServiceID = strings.TrimSpace(*raw.ServiceID)
	}
	return out, nil
}
