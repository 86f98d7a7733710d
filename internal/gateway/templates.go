package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TemplateRole is one role blueprint inside an org template.
type TemplateRole struct {
	Name         string   `json:"name"`
	Prompt       string   `json:"prompt"`
	ToolGroups   []string `json:"toolGroups,omitempty"`
	LLMServiceID string   `json:"llmServiceId,omitempty"`
}

// OrgTemplate is a reusable set of role definitions an operator can apply
// when staffing a new kind of task.
type OrgTemplate struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Roles       []TemplateRole `json:"roles"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TemplateStore keeps org templates in memory and mirrors them to a JSON
// file so they survive restarts.
type TemplateStore struct {
	mu        sync.RWMutex
	path      string
	templates map[string]*OrgTemplate
	logger    *slog.Logger
}

// NewTemplateStore loads the template file when present.
func NewTemplateStore(path string, logger *slog.Logger) (*TemplateStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TemplateStore{path: path, templates: map[string]*OrgTemplate{}, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read org templates: %w", err)
	}
	var list []*OrgTemplate
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse org templates %s: %w", path, err)
	}
	for _, tpl := range list {
		s.templates[tpl.ID] = tpl
	}
	return s, nil
}

func (s *TemplateStore) persistLocked() {
	list := make([]*OrgTemplate, 0, len(s.templates))
	for _, tpl := range s.templates {
		list = append(list, tpl)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		s.logger.Error("encode org templates", "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.logger.Warn("org templates not persisted", "error", err)
	}
}

// List returns all templates, oldest first.
func (s *TemplateStore) List() []*OrgTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*OrgTemplate, 0, len(s.templates))
	for _, tpl := range s.templates {
		list = append(list, tpl)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// Get resolves a template by id.
func (s *TemplateStore) Get(id string) (*OrgTemplate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[id]
	return tpl, ok
}

// Create stores a new template under a fresh id.
func (s *TemplateStore) Create(tpl *OrgTemplate) (*OrgTemplate, error) {
	if strings.TrimSpace(tpl.Name) == "" {
		return nil, fmt.Errorf("template name is required")
	}
	now := time.Now()
	tpl.ID = "tpl-" + uuid.NewString()[:8]
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tpl.ID] = tpl
	s.persistLocked()
	return tpl, nil
}

// Update replaces an existing template's contents, keeping id and creation
// time.
func (s *TemplateStore) Update(id string, tpl *OrgTemplate) (*OrgTemplate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.templates[id]
	if !ok {
		return nil, false
	}
	existing.Name = tpl.Name
	existing.Description = tpl.Description
	existing.Roles = tpl.Roles
	existing.UpdatedAt = time.Now()
	s.persistLocked()
	return existing, true
}

// Delete removes a template by id.
func (s *TemplateStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return false
	}
	delete(s.templates, id)
	s.persistLocked()
	return true
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]any{"templates": s.templates.List()})
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl OrgTemplate
	if err := decodeJSON(r, &tpl); err != nil {
		s.jsonError(w, http.StatusBadRequest, "parse_error", "malformed request body")
		return
	}
	created, err := s.templates.Create(&tpl)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_template", err.Error())
		return
	}
	s.jsonResponse(w, created)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tpl, ok := s.templates.Get(id)
	if !ok {
		s.jsonError(w, http.StatusNotFound, "template_not_found", "unknown template "+id)
		return
	}
	s.jsonResponse(w, tpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var tpl OrgTemplate
	if err := decodeJSON(r, &tpl); err != nil {
		s.jsonError(w, http.StatusBadRequest, "parse_error", "malformed request body")
		return
	}
	updated, ok := s.templates.Update(id, &tpl)
	if !ok {
		s.jsonError(w, http.StatusNotFound, "template_not_found", "unknown template "+id)
		return
	}
	s.jsonResponse(w, updated)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.templates.Delete(id) {
		s.jsonError(w, http.StatusNotFound, "template_not_found", "unknown template "+id)
		return
	}
	s.jsonResponse(w, map[string]any{"ok": true, "id": id})
}
