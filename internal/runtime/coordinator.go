package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hivegrid/hivegrid/internal/artifacts"
	"github.com/hivegrid/hivegrid/internal/bus"
	"github.com/hivegrid/hivegrid/internal/capability"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/conversation"
	"github.com/hivegrid/hivegrid/internal/llm"
	"github.com/hivegrid/hivegrid/internal/observability"
	"github.com/hivegrid/hivegrid/internal/org"
	"github.com/hivegrid/hivegrid/internal/services"
	"github.com/hivegrid/hivegrid/internal/tools"
	"github.com/hivegrid/hivegrid/pkg/models"
)

// schedulerTick is how often the processor looks for schedulable agents.
const schedulerTick = 200 * time.Millisecond

// Coordinator assembles the runtime and owns its lifecycle: construction,
// snapshot restore, the scheduler loop, periodic persistence, and shutdown.
type Coordinator struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	state         *State
	locks         *LockManager
	msgBus        *bus.Bus
	conversations *conversation.Manager
	artifacts     *artifacts.Store
	services      *services.Registry
	selector      *services.Selector
	tools         *tools.Registry
	client        *llm.Client
	router        *capability.Router
	organization  *org.Organization
	driver        *Driver
	processor     *Processor

	snapshotter Snapshotter
	cronRunner  *cron.Cron

	runCtx    context.Context
	runCancel context.CancelFunc
	stopWatch chan struct{}
	done      chan struct{}
}

// NewCoordinator builds the full runtime from configuration. Nothing runs
// until Start.
func NewCoordinator(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, snapshotter Snapshotter) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := artifacts.NewStore(cfg.Runtime.ArtifactsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	if err := os.MkdirAll(cfg.Runtime.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime dir: %w", err)
	}

	msgBus := bus.New(logger, metrics)
	state := NewState()
	locks := NewLockManager()
	conversations := conversation.NewManager(logger)

	registry := services.NewRegistry(logger)
	if cfg.LLM.ServicesFile != "" {
		if err := registry.LoadFromFiles(cfg.LLM.ServicesFile, localServicesPath(cfg.LLM.ServicesFile)); err != nil {
			logger.Warn("service catalog load failed, starting empty", "error", err)
		}
	}

	defaultService := &models.ServiceDefinition{
		ID:      "default",
		Name:    "default",
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		APIKey:  cfg.LLM.APIKey,
	}
	client := llm.NewClient(registry, defaultService, llm.Options{
		MaxConcurrent:  int64(cfg.MaxConcurrent(logger)),
		MaxRetries:     cfg.LLM.MaxRetries,
		RequestTimeout: cfg.LLM.RequestTimeout,
	}, logger, metrics)
	selector := services.NewSelector(registry, client.SimpleChat, logger)

	organization := org.New(state, registry, msgBus, logger)
	router := capability.NewRouter(registry, store, organization, logger)

	toolRegistry := tools.NewRegistry(logger, metrics)
	if err := tools.RegisterBuiltins(toolRegistry, cfg.Runtime.RuntimeDir); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	c := &Coordinator{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		state:         state,
		locks:         locks,
		msgBus:        msgBus,
		conversations: conversations,
		artifacts:     store,
		services:      registry,
		selector:      selector,
		tools:         toolRegistry,
		client:        client,
		router:        router,
		organization:  organization,
		snapshotter:   snapshotter,
		stopWatch:     make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.driver = NewDriver(DriverDeps{
		State:         state,
		Locks:         locks,
		Bus:           msgBus,
		Conversations: conversations,
		Registry:      toolRegistry,
		Client:        client,
		Router:        router,
		Organization:  organization,
		Invoker:       c.newInvocation,
		Logger:        logger,
		Metrics:       metrics,
	})
	c.processor = NewProcessor(state, msgBus, c.driver, cfg.MaxConcurrent(logger), logger)
	organization.SetTerminateHook(func(agentID string) {
		c.driver.AbortLLMCall(agentID)
	})
	organization.SetServiceSelector(func(prompt string) string {
		selCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return selector.Select(selCtx, prompt).ServiceID
	})
	if prompt := loadRootPrompt(cfg.Runtime.PromptsDir, logger); prompt != "" {
		organization.SetRootPrompt(prompt)
	}
	return c, nil
}

// loadRootPrompt reads the root agent's system prompt from the prompts
// directory. A missing file is fine; the root role keeps its prompt.
func loadRootPrompt(dir string, logger *slog.Logger) string {
	if dir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, "root.md"))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("root prompt unreadable", "path", filepath.Join(dir, "root.md"), "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *Coordinator) newInvocation(agentID string, role *models.Role, taskID string) *tools.Invocation {
	return &tools.Invocation{
		AgentID:   agentID,
		Role:      role,
		TaskID:    taskID,
		Bus:       c.msgBus,
		Artifacts: c.artifacts,
		Org:       c.organization,
		Logger:    c.logger,
	}
}

// Start restores persisted state, ensures the root agent, and launches the
// scheduler, the snapshot cron, and the catalog watcher.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runCtx, c.runCancel = context.WithCancel(ctx)

	if c.snapshotter != nil {
		snap, err := c.snapshotter.Load(c.runCtx)
		if err != nil {
			return fmt.Errorf("restoring snapshot: %w", err)
		}
		if snap != nil {
			c.restore(snap)
			c.logger.Info("snapshot restored",
				"roles", len(snap.Roles), "agents", len(snap.Agents))
		}
	}
	c.organization.EnsureRoot()

	if c.cfg.LLM.ServicesFile != "" {
		if err := c.services.Watch(c.stopWatch); err != nil {
			c.logger.Warn("catalog watch unavailable", "error", err)
		}
	}
	if c.snapshotter != nil && c.cfg.Persistence.SnapshotInterval != "" {
		c.cronRunner = cron.New()
		_, err := c.cronRunner.AddFunc(c.cfg.Persistence.SnapshotInterval, func() {
			if err := c.SaveSnapshot(context.Background()); err != nil {
				c.logger.Warn("periodic snapshot failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("snapshot schedule %q: %w", c.cfg.Persistence.SnapshotInterval, err)
		}
		c.cronRunner.Start()
	}

	go c.schedulerLoop()
	c.logger.Info("runtime started", "max_concurrent", c.cfg.MaxConcurrent(nil))
	return nil
}

func (c *Coordinator) schedulerLoop() {
	defer close(c.done)
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			for c.processor.ScheduleOne(c.runCtx) {
			}
		}
	}
}

// SubmitRequirement opens a new task: it allocates a task id and workspace
// and seeds the root agent, whose job is to staff the task.
func (c *Coordinator) SubmitRequirement(text string) (taskID, messageID string, err error) {
	if strings.TrimSpace(text) == "" {
		return "", "", fmt.Errorf("requirement text is empty")
	}
	taskID = "task-" + uuid.NewString()[:8]
	workspace := filepath.Join(c.cfg.Runtime.RuntimeDir, "workspaces", taskID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", "", fmt.Errorf("task workspace: %w", err)
	}
	c.state.SetWorkspace(taskID, workspace)

	msg := c.msgBus.Send(&models.Message{
		From:    bus.UserRecipient,
		To:      org.RootAgentID,
		TaskID:  taskID,
		Payload: models.TextPayload(text),
	})
	c.logger.Info("requirement submitted", "task_id", taskID, "message_id", msg.ID)
	return taskID, msg.ID, nil
}

// DispatchMessage routes a message to an agent or to the user. Messages to
// mid-turn agents queue in the inbox and are folded into the turn at its
// next loop boundary.
func (c *Coordinator) DispatchMessage(from, to, taskID string, payload models.Payload) (*models.Message, error) {
	if to != bus.UserRecipient {
		agent, ok := c.organization.GetAgent(to)
		if !ok {
			return nil, org.ErrAgentNotFound
		}
		if agent.Status.Terminal() {
			return nil, org.ErrAgentNotFound
		}
	}
	return c.msgBus.Send(&models.Message{From: from, To: to, TaskID: taskID, Payload: payload}), nil
}

// AbortAgentLLMCall stops an agent's current work: its in-flight LLM
// request is interrupted and the rest of its tool calls are skipped. The
// agent lands on stopped.
func (c *Coordinator) AbortAgentLLMCall(agentID string) error {
	if _, ok := c.organization.GetAgent(agentID); !ok {
		return org.ErrAgentNotFound
	}
	inFlight := c.driver.AbortLLMCall(agentID)
	if !c.state.IsActive(agentID) {
		// No turn in flight, nothing to unwind.
		c.state.SetAgentComputeStatus(agentID, models.StatusStopped)
	}
	c.logger.Info("agent stop requested", "agent_id", agentID, "in_flight", inFlight)
	return nil
}

// ResumeAgent returns a stopped agent to the schedulable pool.
func (c *Coordinator) ResumeAgent(agentID string) error {
	if _, ok := c.organization.GetAgent(agentID); !ok {
		return org.ErrAgentNotFound
	}
	if c.state.Status(agentID) == models.StatusStopped {
		c.state.SetAgentComputeStatus(agentID, models.StatusIdle)
	}
	return nil
}

// TerminateAgent permanently retires an agent, interrupting any in-flight
// work first.
func (c *Coordinator) TerminateAgent(agentID string) error {
	return c.organization.TerminateAgent(agentID)
}

// WaitForUserMessage blocks until an agent sends a message to the user that
// matches the predicate, or the timeout elapses.
func (c *Coordinator) WaitForUserMessage(ctx context.Context, predicate func(*models.Message) bool, timeout time.Duration) (*models.Message, error) {
	return c.msgBus.WaitForUserMessage(ctx, predicate, timeout)
}

// SaveSnapshot persists the current runtime state.
func (c *Coordinator) SaveSnapshot(ctx context.Context) error {
	if c.snapshotter == nil {
		return nil
	}
	snap := &Snapshot{
		Roles:         c.organization.ListRoles(),
		Agents:        c.organization.ListAgents(),
		Conversations: map[string][]models.Turn{},
		Workspaces:    c.state.Workspaces(),
		Inboxes:       c.msgBus.PendingInboxes(),
	}
	for _, agentID := range c.conversations.AgentIDs() {
		snap.Conversations[agentID] = c.conversations.Snapshot(agentID)
	}
	return c.snapshotter.Save(ctx, snap)
}

func (c *Coordinator) restore(snap *Snapshot) {
	for _, role := range snap.Roles {
		c.organization.RestoreRole(role)
	}
	for _, agent := range snap.Agents {
		// In-flight statuses do not survive a restart.
		if agent.Status == models.StatusWaitingLLM || agent.Status == models.StatusProcessing || agent.Status == models.StatusStopping {
			agent.Status = models.StatusIdle
		}
		c.organization.RestoreAgent(agent)
	}
	for agentID, turns := range snap.Conversations {
		c.conversations.Replace(agentID, turns)
	}
	for taskID, path := range snap.Workspaces {
		c.state.SetWorkspace(taskID, path)
	}
	for to, msgs := range snap.Inboxes {
		c.msgBus.RestoreInbox(to, msgs)
	}
}

// Shutdown stops scheduling, aborts in-flight LLM calls, waits for turns
// to unwind, and takes a final snapshot.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.cronRunner != nil {
		c.cronRunner.Stop()
	}
	close(c.stopWatch)
	if c.runCancel != nil {
		c.runCancel()
		<-c.done
	}
	c.processor.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.SaveSnapshot(saveCtx); err != nil {
		return fmt.Errorf("final snapshot: %w", err)
	}
	c.logger.Info("runtime stopped")
	return nil
}

// Accessors used by the HTTP surface and the CLI.

func (c *Coordinator) Bus() *bus.Bus                   { return c.msgBus }
func (c *Coordinator) Organization() *org.Organization { return c.organization }
func (c *Coordinator) Artifacts() *artifacts.Store     { return c.artifacts }
func (c *Coordinator) Services() *services.Registry    { return c.services }
func (c *Coordinator) Selector() *services.Selector    { return c.selector }
func (c *Coordinator) RuntimeState() *State            { return c.state }
func (c *Coordinator) Metrics() *observability.Metrics { return c.metrics }
func (c *Coordinator) Processor() *Processor           { return c.processor }
func (c *Coordinator) Config() *config.Config          { return c.cfg }

// localServicesPath derives the shadowing local catalog path:
// llm-services.yaml -> llm-services.local.yaml.
func localServicesPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}
