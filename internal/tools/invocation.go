package tools

import (
	"log/slog"
	"time"

	"github.com/hivegrid/hivegrid/internal/artifacts"
	"github.com/hivegrid/hivegrid/internal/bus"
	"github.com/hivegrid/hivegrid/internal/org"
	"github.com/hivegrid/hivegrid/pkg/models"
)

// Invocation is the execution context handed to every tool handler. All
// side effects flow through the shared bus, store, and organization, so
// they are visible to subsequent calls and subsequent turns of any agent.
type Invocation struct {
	AgentID string
	Role    *models.Role
	TaskID  string

	Bus       *bus.Bus
	Artifacts *artifacts.Store
	Org       *org.Organization

	Logger *slog.Logger
	Now    func() time.Time
}

func (inv *Invocation) clock() time.Time {
	if inv.Now != nil {
		return inv.Now()
	}
	return time.Now()
}

func (inv *Invocation) log() *slog.Logger {
	if inv.Logger != nil {
		return inv.Logger
	}
	return slog.Default()
}

// Result is a tool handler's outcome. Suspend ends the agent's turn without
// an assistant message; the driver resumes the agent when new mail arrives.
type Result struct {
	Data    any
	Suspend bool
}
