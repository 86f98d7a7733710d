// Package runtime drives agent turns: shared runtime state, per-agent
// locks, the message processor, the turn driver, and the coordinator that
// ties them to the HTTP surface.
package runtime

import (
	"sync"
	"time"

	"github.com/hivegrid/hivegrid/pkg/models"
)

// StatusObserver is notified on every status change, used for UI streaming.
type StatusObserver func(agentID string, status models.AgentStatus)

// State is the shared mutable runtime state: agent statuses, activity
// timestamps, the active-turn set, and task workspaces. It implements
// org.Registrar. Messages that arrive while an agent is mid-turn stay in
// its inbox; the driver flushes the inbox at every loop boundary, which is
// what makes them interrupting. The state map itself does not constrain
// transitions; the turn driver is the sole enforcer.
type State struct {
	mu           sync.RWMutex
	statuses     map[string]models.AgentStatus
	lastActivity map[string]time.Time
	active       map[string]bool
	workspaces   map[string]string // taskID -> path

	observer StatusObserver
	now      func() time.Time
}

// NewState creates empty runtime state.
func NewState() *State {
	return &State{
		statuses:     map[string]models.AgentStatus{},
		lastActivity: map[string]time.Time{},
		active:       map[string]bool{},
		workspaces:   map[string]string{},
		now:          time.Now,
	}
}

// SetObserver installs the status-change callback.
func (s *State) SetObserver(obs StatusObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = obs
}

// RegisterAgent initializes tracking for a new agent.
func (s *State) RegisterAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[agentID]; !ok {
		s.statuses[agentID] = models.StatusIdle
		s.lastActivity[agentID] = s.now()
	}
}

// SetAgentComputeStatus records a status and fires the observer.
func (s *State) SetAgentComputeStatus(agentID string, status models.AgentStatus) {
	s.mu.Lock()
	s.statuses[agentID] = status
	obs := s.observer
	s.mu.Unlock()
	if obs != nil {
		obs(agentID, status)
	}
}

// Status returns the agent's current status, empty when unknown.
func (s *State) Status(agentID string) models.AgentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[agentID]
}

// Touch updates the agent's last-activity timestamp.
func (s *State) Touch(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity[agentID] = s.now()
}

// LastActivity returns the agent's last-activity timestamp.
func (s *State) LastActivity(agentID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity[agentID]
}

// MarkActive adds the agent to the active-turn set. Returns false when the
// agent was already active.
func (s *State) MarkActive(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[agentID] {
		return false
	}
	s.active[agentID] = true
	return true
}

// UnmarkActive removes the agent from the active-turn set.
func (s *State) UnmarkActive(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, agentID)
}

// IsActive reports whether a turn is in flight for the agent.
func (s *State) IsActive(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[agentID]
}

// ActiveCount is the number of in-flight turns.
func (s *State) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// SetWorkspace binds a task to its filesystem workspace.
func (s *State) SetWorkspace(taskID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[taskID] = path
}

// Workspace resolves a task's workspace path.
func (s *State) Workspace(taskID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path, ok := s.workspaces[taskID]
	return path, ok
}

// Workspaces snapshots the task workspace map for persistence.
func (s *State) Workspaces() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.workspaces))
	for k, v := range s.workspaces {
		out[k] = v
	}
	return out
}

// Statuses snapshots every tracked agent status.
func (s *State) Statuses() map[string]models.AgentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.AgentStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}
