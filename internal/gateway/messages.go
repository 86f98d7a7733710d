package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hivegrid/hivegrid/internal/bus"
	"github.com/hivegrid/hivegrid/internal/org"
	"github.com/hivegrid/hivegrid/pkg/models"
)

type sendRequest struct {
	To          string              `json:"to"`
	Message     *string             `json:"message,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	TaskID      string              `json:"taskId,omitempty"`
}

// handleSend delivers a message from the human operator to an agent. The
// request needs message text or at least one attachment; an empty
// attachments array is normalized away so plain messages stay plain on the
// wire.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "parse_error", "malformed request body")
		return
	}
	if strings.TrimSpace(req.To) == "" {
		s.jsonError(w, http.StatusBadRequest, "missing_recipient", "to is required")
		return
	}

	text := ""
	if req.Message != nil {
		text = *req.Message
	}
	if (req.Message == nil || text == "") && len(req.Attachments) == 0 {
		s.jsonError(w, http.StatusBadRequest, "missing_text", "message or attachments is required")
		return
	}

	payload := models.Payload{Text: text}
	if len(req.Attachments) > 0 {
		payload.Attachments = req.Attachments
	}

	msg, err := s.coord.DispatchMessage(bus.UserRecipient, req.To, req.TaskID, payload)
	if err != nil {
		if errors.Is(err, org.ErrAgentNotFound) {
			s.jsonError(w, http.StatusNotFound, "agent_not_found", "unknown or terminated recipient "+req.To)
			return
		}
		s.jsonError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.jsonResponse(w, map[string]any{"ok": true, "messageId": msg.ID, "to": msg.To})
}

type agentView struct {
	ID             string             `json:"id"`
	RoleName       string             `json:"roleName"`
	CustomName     string             `json:"customName,omitempty"`
	ParentAgentID  string             `json:"parentAgentId,omitempty"`
	Status         models.AgentStatus `json:"status"`
	TaskBrief      string             `json:"taskBrief,omitempty"`
	LastActivityAt string             `json:"lastActivityAt,omitempty"`
}

func viewOf(a *models.Agent) agentView {
	v := agentView{
		ID:            a.ID,
		RoleName:      a.RoleName,
		CustomName:    a.CustomName,
		ParentAgentID: a.ParentAgentID,
		Status:        a.Status,
		TaskBrief:     a.TaskBrief,
	}
	if !a.LastActivityAt.IsZero() {
		v.LastActivityAt = a.LastActivityAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}

// handleListAgents lists agents. org=all is everything, org=home is the
// user-facing pair (root and the user pseudo-agent), org=<agentId> is the
// subtree under that agent.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("org")
	if scope == "" {
		scope = "all"
	}

	organization := s.coord.Organization()
	switch scope {
	case "all":
		agents := organization.ListAgents()
		views := make([]agentView, 0, len(agents))
		for _, a := range agents {
			views = append(views, viewOf(a))
		}
		s.jsonResponse(w, map[string]any{"agents": views, "tree": organization.Tree()})
	case "home":
		views := []agentView{{ID: bus.UserRecipient, RoleName: "user", Status: models.StatusIdle}}
		if root, ok := organization.GetAgent(org.RootAgentID); ok {
			views = append([]agentView{viewOf(root)}, views...)
		}
		s.jsonResponse(w, map[string]any{"agents": views})
	default:
		parent, ok := organization.GetAgent(scope)
		if !ok {
			s.jsonError(w, http.StatusNotFound, "agent_not_found", "unknown agent "+scope)
			return
		}
		// The whole subtree under the named agent, breadth first.
		views := []agentView{viewOf(parent)}
		all := organization.ListAgents()
		frontier := map[string]bool{scope: true}
		for len(frontier) > 0 {
			next := map[string]bool{}
			for _, a := range all {
				if frontier[a.ParentAgentID] {
					views = append(views, viewOf(a))
					next[a.ID] = true
				}
			}
			frontier = next
		}
		s.jsonResponse(w, map[string]any{"agents": views})
	}
}

func (s *Server) handleAbortAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if err := s.coord.AbortAgentLLMCall(agentID); err != nil {
		s.jsonError(w, http.StatusNotFound, "agent_not_found", "unknown agent "+agentID)
		return
	}
	s.jsonResponse(w, map[string]any{"ok": true, "agentId": agentID})
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if err := s.coord.ResumeAgent(agentID); err != nil {
		s.jsonError(w, http.StatusNotFound, "agent_not_found", "unknown agent "+agentID)
		return
	}
	s.jsonResponse(w, map[string]any{"ok": true, "agentId": agentID})
}

func (s *Server) handleTerminateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	err := s.coord.TerminateAgent(agentID)
	switch {
	case err == nil:
		s.jsonResponse(w, map[string]any{"ok": true, "agentId": agentID})
	case errors.Is(err, org.ErrAgentNotFound):
		s.jsonError(w, http.StatusNotFound, "agent_not_found", "unknown agent "+agentID)
	case errors.Is(err, org.ErrCannotTerminateRoot):
		s.jsonError(w, http.StatusBadRequest, "cannot_terminate_root", "the root agent cannot be terminated")
	default:
		s.jsonError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
