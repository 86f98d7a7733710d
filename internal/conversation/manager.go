// Package conversation keeps the per-agent ordered turn history behind a
// clone-on-read API.
package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hivegrid/hivegrid/pkg/models"
)

// Compressor rewrites a conversation in place, typically summarizing old
// turns to bound context growth. Returning the input unchanged is valid.
type Compressor interface {
	Compress(ctx context.Context, agentID string, turns []models.Turn) ([]models.Turn, error)
}

// Manager stores one conversation per agent. All accessors deep-copy so
// callers never share turn slices with the store.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string][]models.Turn
	compressor    Compressor
	logger        *slog.Logger
}

// NewManager creates an empty conversation store.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conversations: map[string][]models.Turn{},
		logger:        logger,
	}
}

// SetCompressor installs the optional auto-compression hook.
func (m *Manager) SetCompressor(c Compressor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compressor = c
}

// Append adds a turn to the agent's conversation.
func (m *Manager) Append(agentID string, turn models.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[agentID] = append(m.conversations[agentID], turn.Clone())
}

// Snapshot returns a deep copy of the agent's conversation, nil when the
// agent has none.
func (m *Manager) Snapshot(agentID string) []models.Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.CloneTurns(m.conversations[agentID])
}

// Replace swaps the agent's conversation wholesale. Used by compaction and
// snapshot restore.
func (m *Manager) Replace(agentID string, turns []models.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[agentID] = models.CloneTurns(turns)
}

// Len reports the number of turns for an agent.
func (m *Manager) Len(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations[agentID])
}

// AgentIDs lists every agent holding a conversation.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		out = append(out, id)
	}
	return out
}

// ProcessAutoCompression runs the compressor over the agent's conversation.
// A missing compressor or missing conversation is a no-op. Compressor
// errors are logged and swallowed; the conversation is left untouched.
func (m *Manager) ProcessAutoCompression(ctx context.Context, agentID string) {
	m.mu.RLock()
	compressor := m.compressor
	turns := models.CloneTurns(m.conversations[agentID])
	m.mu.RUnlock()
	if compressor == nil || turns == nil {
		return
	}

	compressed, err := compressor.Compress(ctx, agentID, turns)
	if err != nil {
		m.logger.Warn("conversation compression failed", "agent_id", agentID, "error", err)
		return
	}
	if compressed == nil {
		return
	}
	m.Replace(agentID, compressed)
}
