package runtime

import (
	"context"

	"github.com/hivegrid/hivegrid/pkg/models"
)

// Snapshot is the full persistable runtime state: everything needed to
// restore the organization and resume message processing after a restart.
type Snapshot struct {
	Roles         []*models.Role
	Agents        []*models.Agent
	Conversations map[string][]models.Turn
	Workspaces    map[string]string
	Inboxes       map[string][]*models.Message
}

// Snapshotter persists and restores snapshots. Load returns nil when no
// snapshot exists yet.
type Snapshotter interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}
