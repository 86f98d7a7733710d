// Package persistence snapshots runtime state to a local sqlite database
// so the organization and pending work survive restarts.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hivegrid/hivegrid/internal/runtime"
	"github.com/hivegrid/hivegrid/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshot_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	saved_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS roles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	prompt TEXT NOT NULL,
	tool_groups TEXT NOT NULL,
	llm_service_id TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	role_id TEXT NOT NULL,
	role_name TEXT NOT NULL,
	custom_name TEXT NOT NULL,
	parent_agent_id TEXT NOT NULL,
	task_brief TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_activity_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS conversations (
	agent_id TEXT PRIMARY KEY,
	turns TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS workspaces (
	task_id TEXT PRIMARY KEY,
	path TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS inboxes (
	recipient TEXT PRIMARY KEY,
	messages TEXT NOT NULL
);
`

// Store persists snapshots in sqlite. It implements runtime.Snapshotter.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the database at path and ensures the schema.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewStoreWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB wraps an existing connection, used by tests.
func NewStoreWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure snapshot schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot atomically.
func (s *Store) Save(ctx context.Context, snap *runtime.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"roles", "agents", "conversations", "workspaces", "inboxes"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, role := range snap.Roles {
		groups, err := json.Marshal(role.ToolGroups)
		if err != nil {
			return fmt.Errorf("encode role %s: %w", role.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO roles (id, name, prompt, tool_groups, llm_service_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			role.ID, role.Name, role.Prompt, string(groups), role.LLMServiceID, role.CreatedAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert role %s: %w", role.ID, err)
		}
	}
	for _, agent := range snap.Agents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (id, role_id, role_name, custom_name, parent_agent_id, task_brief, status, created_at, last_activity_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agent.ID, agent.RoleID, agent.RoleName, agent.CustomName, agent.ParentAgentID, agent.TaskBrief,
			string(agent.Status), agent.CreatedAt.Format(time.RFC3339Nano), agent.LastActivityAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert agent %s: %w", agent.ID, err)
		}
	}
	for agentID, turns := range snap.Conversations {
		encoded, err := json.Marshal(turns)
		if err != nil {
			return fmt.Errorf("encode conversation %s: %w", agentID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (agent_id, turns) VALUES (?, ?)`, agentID, string(encoded)); err != nil {
			return fmt.Errorf("insert conversation %s: %w", agentID, err)
		}
	}
	for taskID, path := range snap.Workspaces {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspaces (task_id, path) VALUES (?, ?)`, taskID, path); err != nil {
			return fmt.Errorf("insert workspace %s: %w", taskID, err)
		}
	}
	for recipient, msgs := range snap.Inboxes {
		encoded, err := json.Marshal(msgs)
		if err != nil {
			return fmt.Errorf("encode inbox %s: %w", recipient, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inboxes (recipient, messages) VALUES (?, ?)`, recipient, string(encoded)); err != nil {
			return fmt.Errorf("insert inbox %s: %w", recipient, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (id, saved_at) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET saved_at = excluded.saved_at`,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("update snapshot meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved",
		"roles", len(snap.Roles), "agents", len(snap.Agents), "inboxes", len(snap.Inboxes))
	return nil
}

// Load reads the stored snapshot. Returns nil when none has been saved.
func (s *Store) Load(ctx context.Context) (*runtime.Snapshot, error) {
	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshot_meta WHERE id = 1`).Scan(&savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot meta: %w", err)
	}

	snap := &runtime.Snapshot{
		Conversations: map[string][]models.Turn{},
		Workspaces:    map[string]string{},
		Inboxes:       map[string][]*models.Message{},
	}
	if err := s.loadRoles(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadAgents(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadConversations(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadWorkspaces(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadInboxes(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) loadRoles(ctx context.Context, snap *runtime.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, prompt, tool_groups, llm_service_id, created_at FROM roles`)
	if err != nil {
		return fmt.Errorf("read roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role models.Role
		var groups, createdAt string
		if err := rows.Scan(&role.ID, &role.Name, &role.Prompt, &groups, &role.LLMServiceID, &createdAt); err != nil {
			return fmt.Errorf("scan role: %w", err)
		}
		if err := json.Unmarshal([]byte(groups), &role.ToolGroups); err != nil {
			return fmt.Errorf("decode role %s tool groups: %w", role.ID, err)
		}
		role.CreatedAt = parseTime(createdAt)
		snap.Roles = append(snap.Roles, &role)
	}
	return rows.Err()
}

func (s *Store) loadAgents(ctx context.Context, snap *runtime.Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role_id, role_name, custom_name, parent_agent_id, task_brief, status, created_at, last_activity_at FROM agents`)
	if err != nil {
		return fmt.Errorf("read agents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var agent models.Agent
		var status, createdAt, lastActivity string
		if err := rows.Scan(&agent.ID, &agent.RoleID, &agent.RoleName, &agent.CustomName,
			&agent.ParentAgentID, &agent.TaskBrief, &status, &createdAt, &lastActivity); err != nil {
			return fmt.Errorf("scan agent: %w", err)
		}
		agent.Status = models.AgentStatus(status)
		agent.CreatedAt = parseTime(createdAt)
		agent.LastActivityAt = parseTime(lastActivity)
		snap.Agents = append(snap.Agents, &agent)
	}
	return rows.Err()
}

func (s *Store) loadConversations(ctx context.Context, snap *runtime.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, turns FROM conversations`)
	if err != nil {
		return fmt.Errorf("read conversations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var agentID, encoded string
		if err := rows.Scan(&agentID, &encoded); err != nil {
			return fmt.Errorf("scan conversation: %w", err)
		}
		var turns []models.Turn
		if err := json.Unmarshal([]byte(encoded), &turns); err != nil {
			return fmt.Errorf("decode conversation %s: %w", agentID, err)
		}
		snap.Conversations[agentID] = turns
	}
	return rows.Err()
}

func (s *Store) loadWorkspaces(ctx context.Context, snap *runtime.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, path FROM workspaces`)
	if err != nil {
		return fmt.Errorf("read workspaces: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, path string
		if err := rows.Scan(&taskID, &path); err != nil {
			return fmt.Errorf("scan workspace: %w", err)
		}
		snap.Workspaces[taskID] = path
	}
	return rows.Err()
}

func (s *Store) loadInboxes(ctx context.Context, snap *runtime.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT recipient, messages FROM inboxes`)
	if err != nil {
		return fmt.Errorf("read inboxes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var recipient, encoded string
		if err := rows.Scan(&recipient, &encoded); err != nil {
			return fmt.Errorf("scan inbox: %w", err)
		}
		var msgs []*models.Message
		if err := json.Unmarshal([]byte(encoded), &msgs); err != nil {
			return fmt.Errorf("decode inbox %s: %w", recipient, err)
		}
		snap.Inboxes[recipient] = msgs
	}
	return rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
