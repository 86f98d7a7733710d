package gateway

import (
	"net/http"
	"strings"

	"github.com/hivegrid/hivegrid/pkg/models"
)

// llmConfigView is the default LLM backend as exposed over HTTP. The API
// key is masked on reads and only overwritten when a non-empty value is
// posted.
type llmConfigView struct {
	BaseURL     string  `json:"baseURL"`
	Model       string  `json:"model"`
	APIKey      string  `json:"apiKey,omitempty"`
	Temperature float64 `json:"temperature"`
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func (s *Server) handleGetLLMConfig(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.Lock()
	llm := s.coord.Config().LLM
	s.cfgMu.Unlock()
	s.jsonResponse(w, llmConfigView{
		BaseURL:     llm.BaseURL,
		Model:       llm.Model,
		APIKey:      maskKey(llm.APIKey),
		Temperature: llm.Temperature,
	})
}

func (s *Server) handleSetLLMConfig(w http.ResponseWriter, r *http.Request) {
	var req llmConfigView
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "parse_error", "malformed request body")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_config", "model is required")
		return
	}

	s.cfgMu.Lock()
	cfg := s.coord.Config()
	cfg.LLM.BaseURL = req.BaseURL
	cfg.LLM.Model = req.Model
	cfg.LLM.Temperature = req.Temperature
	if req.APIKey != "" && !strings.Contains(req.APIKey, "****") {
		cfg.LLM.APIKey = req.APIKey
	}
	s.cfgMu.Unlock()

	s.logger.Info("default llm config updated", "model", req.Model, "base_url", req.BaseURL)
	s.jsonResponse(w, map[string]any{"ok": true})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	list := s.coord.Services().ListServices()
	for _, def := range list {
		def.APIKey = maskKey(def.APIKey)
	}
	s.jsonResponse(w, map[string]any{"services": list})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := s.coord.Services().GetServiceByID(id)
	if !ok {
		s.jsonError(w, http.StatusNotFound, "service_not_found", "unknown service "+id)
		return
	}
	def.APIKey = maskKey(def.APIKey)
	s.jsonResponse(w, def)
}

func (s *Server) handleUpsertService(w http.ResponseWriter, r *http.Request) {
	var def models.ServiceDefinition
	if err := decodeJSON(r, &def); err != nil {
		s.jsonError(w, http.StatusBadRequest, "parse_error", "malformed request body")
		return
	}

	// A masked key on an update means "keep the stored one".
	if strings.Contains(def.APIKey, "****") {
		if existing, ok := s.coord.Services().GetServiceByID(def.ID); ok {
			def.APIKey = existing.APIKey
		}
	}
	if err := s.coord.Services().Upsert(&def); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_service", err.Error())
		return
	}
	if err := s.coord.Services().SaveLocal(); err != nil {
		s.logger.Warn("service catalog not persisted", "error", err)
	}
	s.jsonResponse(w, map[string]any{"ok": true, "id": def.ID})
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.coord.Services().Delete(id) {
		s.jsonError(w, http.StatusNotFound, "service_not_found", "unknown service "+id)
		return
	}
	if err := s.coord.Services().SaveLocal(); err != nil {
		s.logger.Warn("service catalog not persisted", "error", err)
	}
	s.jsonResponse(w, map[string]any{"ok": true, "id": id})
}
