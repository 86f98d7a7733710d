package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUITimeout is returned when a poll or dispatch wait expires.
var ErrUITimeout = errors.New("ui_timeout")

const (
	defaultPollTimeout = 25 * time.Second
	maxPollTimeout     = 60 * time.Second
)

// UICommand is a server-initiated instruction for a connected UI client.
type UICommand struct {
	ID       string          `json:"id"`
	ClientID string          `json:"clientId"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type pendingCommand struct {
	cmd    *UICommand
	result chan json.RawMessage
}

// UIBridge is a long-poll relay between the server and browser clients. The
// server enqueues commands per client; a client's poll drains its queue one
// command at a time, and the client reports results back by command id.
type UIBridge struct {
	mu      sync.Mutex
	queues  map[string][]*pendingCommand
	waiters map[string]chan *UICommand
	pending map[string]*pendingCommand
}

// NewUIBridge creates an empty bridge.
func NewUIBridge() *UIBridge {
	return &UIBridge{
		queues:  map[string][]*pendingCommand{},
		waiters: map[string]chan *UICommand{},
		pending: map[string]*pendingCommand{},
	}
}

// Dispatch queues a command for a client and returns a channel the result
// arrives on. A parked poller is woken immediately.
func (b *UIBridge) Dispatch(clientID, name string, payload json.RawMessage) (*UICommand, <-chan json.RawMessage) {
	p := &pendingCommand{
		cmd: &UICommand{
			ID:       "cmd-" + uuid.NewString()[:8],
			ClientID: clientID,
			Name:     name,
			Payload:  payload,
		},
		result: make(chan json.RawMessage, 1),
	}

	b.mu.Lock()
	b.pending[p.cmd.ID] = p
	if waiter, ok := b.waiters[clientID]; ok {
		delete(b.waiters, clientID)
		b.mu.Unlock()
		waiter <- p.cmd
		return p.cmd, p.result
	}
	b.queues[clientID] = append(b.queues[clientID], p)
	b.mu.Unlock()
	return p.cmd, p.result
}

// Poll returns the next command for the client, waiting up to timeout.
func (b *UIBridge) Poll(ctx context.Context, clientID string, timeout time.Duration) (*UICommand, error) {
	b.mu.Lock()
	if queue := b.queues[clientID]; len(queue) > 0 {
		p := queue[0]
		b.queues[clientID] = queue[1:]
		b.mu.Unlock()
		return p.cmd, nil
	}
	// One parked poller per client; a newer poll replaces the older one.
	waiter := make(chan *UICommand, 1)
	b.waiters[clientID] = waiter
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case cmd := <-waiter:
		return cmd, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	if b.waiters[clientID] == waiter {
		delete(b.waiters, clientID)
	}
	b.mu.Unlock()
	// A command may have landed between the timeout and the delete.
	select {
	case cmd := <-waiter:
		return cmd, nil
	default:
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, ErrUITimeout
}

// Resolve delivers a client's result for a dispatched command.
func (b *UIBridge) Resolve(commandID string, result json.RawMessage) bool {
	b.mu.Lock()
	p, ok := b.pending[commandID]
	if ok {
		delete(b.pending, commandID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.result <- result
	return true
}

func (s *Server) handlePollUICommand(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		s.jsonError(w, http.StatusBadRequest, "missing_client_id", "clientId is required")
		return
	}
	timeout := defaultPollTimeout
	if raw := r.URL.Query().Get("timeoutMs"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			s.jsonError(w, http.StatusBadRequest, "parse_error", "timeoutMs must be a positive integer")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxPollTimeout {
			timeout = maxPollTimeout
		}
	}

	cmd, err := s.bridge.Poll(r.Context(), clientID, timeout)
	if err != nil {
		if errors.Is(err, ErrUITimeout) {
			s.jsonError(w, http.StatusRequestTimeout, "ui_timeout", "no command within the poll window")
			return
		}
		// Client went away; nothing to write.
		return
	}
	s.jsonResponse(w, map[string]any{"command": cmd})
}

type uiResultRequest struct {
	CommandID string          `json:"commandId"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleUICommandResult(w http.ResponseWriter, r *http.Request) {
	var req uiResultRequest
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "parse_error", "malformed request body")
		return
	}
	if !s.bridge.Resolve(req.CommandID, req.Result) {
		s.jsonError(w, http.StatusNotFound, "command_not_found", "unknown or already resolved command "+req.CommandID)
		return
	}
	s.jsonResponse(w, map[string]any{"ok": true})
}

type uiDispatchRequest struct {
	ClientID  string          `json:"clientId"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// handleDispatchUICommand queues a command and waits for the client's
// result, making the bridge usable as a synchronous call into the UI.
func (s *Server) handleDispatchUICommand(w http.ResponseWriter, r *http.Request) {
	var req uiDispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "parse_error", "malformed request body")
		return
	}
	if req.ClientID == "" || req.Name == "" {
		s.jsonError(w, http.StatusBadRequest, "parse_error", "clientId and name are required")
		return
	}
	timeout := defaultPollTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		if timeout > maxPollTimeout {
			timeout = maxPollTimeout
		}
	}

	cmd, result := s.bridge.Dispatch(req.ClientID, req.Name, req.Payload)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-result:
		s.jsonResponse(w, map[string]any{"ok": true, "commandId": cmd.ID, "result": res})
	case <-timer.C:
		s.jsonError(w, http.StatusRequestTimeout, "ui_timeout", "the client did not answer in time")
	case <-r.Context().Done():
	}
}
