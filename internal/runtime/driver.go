package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hivegrid/hivegrid/internal/bus"
	"github.com/hivegrid/hivegrid/internal/capability"
	"github.com/hivegrid/hivegrid/internal/conversation"
	"github.com/hivegrid/hivegrid/internal/formatter"
	"github.com/hivegrid/hivegrid/internal/llm"
	"github.com/hivegrid/hivegrid/internal/observability"
	"github.com/hivegrid/hivegrid/internal/org"
	"github.com/hivegrid/hivegrid/internal/tools"
	"github.com/hivegrid/hivegrid/pkg/models"
)

// ChatClient is the slice of the LLM client the driver needs.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Driver runs one agent turn at a time per agent: inbox flush, LLM loop,
// ordered tool dispatch, interruption drain. It holds the agent's advisory
// lock for the whole turn.
type Driver struct {
	state         *State
	locks         *LockManager
	bus           *bus.Bus
	conversations *conversation.Manager
	registry      *tools.Registry
	client        ChatClient
	router        *capability.Router
	organization  *org.Organization
	invoker       ToolInvoker
	logger        *slog.Logger
	metrics       *observability.Metrics

	abortMu sync.Mutex
	aborts  map[string]context.CancelFunc
}

// DriverDeps collects the driver's collaborators.
type DriverDeps struct {
	State         *State
	Locks         *LockManager
	Bus           *bus.Bus
	Conversations *conversation.Manager
	Registry      *tools.Registry
	Client        ChatClient
	Router        *capability.Router
	Organization  *org.Organization
	Invoker       ToolInvoker
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

var tracer = otel.Tracer("github.com/hivegrid/hivegrid/internal/runtime")

// ToolInvoker builds the Invocation handed to tool handlers for an agent.
type ToolInvoker func(agentID string, role *models.Role, taskID string) *tools.Invocation

// NewDriver wires a turn driver.
func NewDriver(deps DriverDeps) *Driver {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		state:         deps.State,
		locks:         deps.Locks,
		bus:           deps.Bus,
		conversations: deps.Conversations,
		registry:      deps.Registry,
		client:        deps.Client,
		router:        deps.Router,
		organization:  deps.Organization,
		invoker:       deps.Invoker,
		logger:        logger,
		metrics:       deps.Metrics,
		aborts:        map[string]context.CancelFunc{},
	}
}

// AbortLLMCall marks the agent stopping and interrupts its in-flight LLM
// request, if any. Returns true when a request was actually in flight.
func (d *Driver) AbortLLMCall(agentID string) bool {
	d.state.SetAgentComputeStatus(agentID, models.StatusStopping)
	d.abortMu.Lock()
	cancel, ok := d.aborts[agentID]
	d.abortMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RunTurn executes one full turn for the agent. Safe to call concurrently
// for different agents; calls for the same agent serialize on its lock.
func (d *Driver) RunTurn(ctx context.Context, agentID string) {
	release := d.locks.Acquire(agentID)
	defer release()

	agent, ok := d.organization.GetAgent(agentID)
	if !ok {
		return
	}
	if !d.state.Status(agentID).Schedulable() {
		return
	}
	role, _ := d.organization.GetRole(agent.RoleID)
	serviceID := d.organization.ServiceIDForAgent(agentID)

	ctx, span := tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	start := time.Now()
	if d.metrics != nil {
		d.metrics.ActiveTurns.Inc()
	}
	defer func() {
		if d.metrics != nil {
			d.metrics.ActiveTurns.Dec()
			d.metrics.TurnDuration.Observe(time.Since(start).Seconds())
		}
		d.settleStatus(agentID)
		d.state.Touch(agentID)
	}()
	d.state.Touch(agentID)

	var taskID string
	for {
		if id := d.flushInbox(agentID, serviceID); id != "" {
			taskID = id
		}
		if d.conversations.Len(agentID) == 0 {
			return
		}
		if !d.state.Status(agentID).Schedulable() {
			return
		}

		resp, err := d.callLLM(ctx, agentID, role, serviceID)
		if err != nil {
			if errors.Is(err, llm.ErrAborted) {
				d.logger.Info("llm call aborted", "agent_id", agentID)
			} else {
				d.logger.Warn("llm call failed, ending turn", "agent_id", agentID, "error", err)
			}
			return
		}
		// A stop that landed while the request was in flight discards the
		// response.
		if !d.state.Status(agentID).Schedulable() {
			return
		}

		if len(resp.ToolCalls) == 0 {
			d.conversations.Append(agentID, models.Turn{
				Role:    models.TurnAssistant,
				Content: resp.Content,
			})
			return
		}

		d.conversations.Append(agentID, models.Turn{
			Role:      models.TurnAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		suspend, stopped := d.runToolCalls(ctx, agentID, role, taskID, resp.ToolCalls)
		if suspend || stopped {
			return
		}

		// Messages that arrived during the tool round sit in the inbox and
		// are flushed at the top of the next iteration, after the tool
		// results already appended.
		d.conversations.ProcessAutoCompression(ctx, agentID)
	}
}

// settleStatus sets the terminal status for a finished turn: a stop request
// lands on stopped, termination states stay put, everything else returns to
// idle.
func (d *Driver) settleStatus(agentID string) {
	switch d.state.Status(agentID) {
	case models.StatusStopping:
		d.state.SetAgentComputeStatus(agentID, models.StatusStopped)
	case models.StatusStopped, models.StatusTerminating, models.StatusTerminated:
	default:
		d.state.SetAgentComputeStatus(agentID, models.StatusIdle)
	}
}

// flushInbox consumes queued messages, routing and formatting each into a
// user turn. Returns the task id of the newest message that carried one.
func (d *Driver) flushInbox(agentID, serviceID string) string {
	var taskID string
	for _, msg := range d.bus.PopAll(agentID) {
		if msg.TaskID != "" {
			taskID = msg.TaskID
		}
		sender := formatter.SenderInfo{AgentID: msg.From}
		if msg.From != bus.UserRecipient {
			if from, ok := d.organization.GetAgent(msg.From); ok {
				sender.RoleName = from.RoleName
			}
		}
		text := formatter.FormatMessage(msg, sender)
		content := d.router.RouteContent(text, msg.Payload.Attachments, serviceID)

		turn := models.Turn{Role: models.TurnUser}
		if content.IsMultimodal() {
			turn.Parts = content.Parts
		} else {
			turn.Content = content.Text
		}
		d.conversations.Append(agentID, turn)
	}
	return taskID
}

func (d *Driver) callLLM(ctx context.Context, agentID string, role *models.Role, serviceID string) (*llm.Response, error) {
	ctx, span := tracer.Start(ctx, "llm.chat",
		trace.WithAttributes(attribute.String("agent.id", agentID), attribute.String("service.id", serviceID)))
	defer span.End()

	d.state.SetAgentComputeStatus(agentID, models.StatusWaitingLLM)

	callCtx, cancel := context.WithCancel(ctx)
	d.abortMu.Lock()
	d.aborts[agentID] = cancel
	d.abortMu.Unlock()
	defer func() {
		cancel()
		d.abortMu.Lock()
		delete(d.aborts, agentID)
		d.abortMu.Unlock()
	}()

	var system string
	if role != nil {
		system = role.Prompt
	}
	var defs []llm.ToolDefinition
	for _, def := range d.registry.DefinitionsForAgent(agentID, role) {
		defs = append(defs, llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return d.client.Chat(callCtx, llm.Request{
		ServiceID: serviceID,
		System:    system,
		Turns:     d.conversations.Snapshot(agentID),
		Tools:     defs,
	})
}

// runToolCalls dispatches the calls in order with pre- and post-call status
// checks. Returns (suspend, stopped).
func (d *Driver) runToolCalls(ctx context.Context, agentID string, role *models.Role, taskID string, calls []models.ToolCall) (bool, bool) {
	for _, call := range calls {
		if !d.state.Status(agentID).Schedulable() {
			return false, true
		}
		d.state.SetAgentComputeStatus(agentID, models.StatusProcessing)

		inv := d.invoker(agentID, role, taskID)
		result, terr := d.registry.ExecuteToolCall(ctx, inv, call.Name, call.Arguments)
		d.conversations.Append(agentID, models.Turn{
			Role:       models.TurnTool,
			Content:    toolTurnContent(result, terr),
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
		if terr != nil {
			d.logger.Info("tool call failed", "agent_id", agentID, "tool", call.Name, "code", terr.Code)
		}
		if terr == nil && result.Suspend {
			return true, false
		}
		if !d.state.Status(agentID).Schedulable() {
			return false, true
		}
	}
	return false, false
}

func toolTurnContent(result *tools.Result, terr *tools.ToolError) string {
	if terr != nil {
		raw, _ := json.Marshal(map[string]any{"error": terr})
		return string(raw)
	}
	if result == nil || result.Data == nil {
		return `{"ok":true}`
	}
	raw, err := json.Marshal(result.Data)
	if err != nil {
		return `{"ok":true}`
	}
	return string(raw)
}
