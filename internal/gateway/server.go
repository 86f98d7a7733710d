// Package gateway is the HTTP surface: message submission, org inspection,
// artifact transfer, configuration CRUD, and the UI command bridge.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hivegrid/hivegrid/internal/runtime"
)

// Server serves the JSON API over plain HTTP.
type Server struct {
	coord     *runtime.Coordinator
	logger    *slog.Logger
	templates *TemplateStore
	bridge    *UIBridge

	cfgMu sync.Mutex // guards mutations of the default LLM config

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the API around a coordinator.
func NewServer(coord *runtime.Coordinator, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	templates, err := NewTemplateStore(filepath.Join(coord.Config().Runtime.RuntimeDir, "org-templates.json"), logger)
	if err != nil {
		return nil, fmt.Errorf("template store: %w", err)
	}
	return &Server{
		coord:     coord,
		logger:    logger,
		templates: templates,
		bridge:    NewUIBridge(),
	}, nil
}

// Bridge exposes the UI command bridge for server-side dispatchers.
func (s *Server) Bridge() *UIBridge { return s.bridge }

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents/{id}/abort", s.handleAbortAgent)
	mux.HandleFunc("POST /api/agents/{id}/resume", s.handleResumeAgent)
	mux.HandleFunc("POST /api/agents/{id}/terminate", s.handleTerminateAgent)

	mux.HandleFunc("GET /api/artifacts/{id}", s.handleGetArtifact)
	mux.HandleFunc("POST /api/artifacts", s.handleUploadArtifact)

	mux.HandleFunc("GET /api/config/llm", s.handleGetLLMConfig)
	mux.HandleFunc("POST /api/config/llm", s.handleSetLLMConfig)
	mux.HandleFunc("GET /api/config/llm-services", s.handleListServices)
	mux.HandleFunc("POST /api/config/llm-services", s.handleUpsertService)
	mux.HandleFunc("GET /api/config/llm-services/{id}", s.handleGetService)
	mux.HandleFunc("DELETE /api/config/llm-services/{id}", s.handleDeleteService)

	mux.HandleFunc("GET /api/org-templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/org-templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /api/org-templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("PUT /api/org-templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("DELETE /api/org-templates/{id}", s.handleDeleteTemplate)

	mux.HandleFunc("GET /api/ui-commands/poll", s.handlePollUICommand)
	mux.HandleFunc("POST /api/ui-commands/result", s.handleUICommandResult)
	mux.HandleFunc("POST /api/ui-commands/dispatch", s.handleDispatchUICommand)

	return s.logRequests(mux)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	cfg := s.coord.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server started", "addr", addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if m := s.coord.Metrics(); m != nil {
			m.HTTPRequestCounter.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// jsonError writes a structured error. Code is the stable machine-readable
// identifier; message is human-oriented.
func (s *Server) jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message}) //nolint:errcheck
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
