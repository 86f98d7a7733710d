package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hivegrid/hivegrid/internal/artifacts"
	"github.com/hivegrid/hivegrid/internal/bus"
	"github.com/hivegrid/hivegrid/internal/capability"
	"github.com/hivegrid/hivegrid/internal/conversation"
	"github.com/hivegrid/hivegrid/internal/llm"
	"github.com/hivegrid/hivegrid/internal/org"
	"github.com/hivegrid/hivegrid/internal/tools"
	"github.com/hivegrid/hivegrid/pkg/models"
)

type chatStep struct {
	resp  *llm.Response
	err   error
	block bool
}

// scriptedClient replays a fixed sequence of chat responses. The last step
// repeats if the driver calls more often than scripted.
type scriptedClient struct {
	mu    sync.Mutex
	steps []chatStep
	calls int
}

func (s *scriptedClient) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	step := s.steps[i]
	if step.block {
		<-ctx.Done()
		return nil, llm.ErrAborted
	}
	return step.resp, step.err
}

func (s *scriptedClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testRuntime struct {
	state         *State
	bus           *bus.Bus
	conversations *conversation.Manager
	organization  *org.Organization
	registry      *tools.Registry
	driver        *Driver
	agentID       string
}

func newTestRuntime(t *testing.T, client ChatClient) *testRuntime {
	t.Helper()
	state := NewState()
	b := bus.New(nil, nil)
	conversations := conversation.NewManager(nil)
	store, err := artifacts.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	organization := org.New(state, nil, b, nil)
	organization.EnsureRoot()

	registry := tools.NewRegistry(nil, nil)
	if err := tools.RegisterBuiltins(registry, t.TempDir()); err != nil {
		t.Fatal(err)
	}

	rt := &testRuntime{
		state:         state,
		bus:           b,
		conversations: conversations,
		organization:  organization,
		registry:      registry,
	}
	rt.driver = NewDriver(DriverDeps{
		State:         state,
		Locks:         NewLockManager(),
		Bus:           b,
		Conversations: conversations,
		Registry:      registry,
		Client:        client,
		Router:        capability.NewRouter(nil, store, nil, nil),
		Organization:  organization,
		Invoker: func(agentID string, role *models.Role, taskID string) *tools.Invocation {
			return &tools.Invocation{
				AgentID:   agentID,
				Role:      role,
				TaskID:    taskID,
				Bus:       b,
				Artifacts: store,
				Org:       organization,
			}
		},
	})

	role, _ := organization.CreateRole("worker", "do the work", nil, "")
	agent, err := organization.SpawnAgent(org.SpawnParams{RoleID: role.ID})
	if err != nil {
		t.Fatal(err)
	}
	rt.agentID = agent.ID
	return rt
}

func userSays(rt *testRuntime, text string) {
	rt.bus.Send(&models.Message{From: bus.UserRecipient, To: rt.agentID, Payload: models.TextPayload(text)})
}

func toolCall(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestTurnFlushesInboxAndEndsOnPlainReply(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{resp: &llm.Response{Content: "明白了"}},
	}}
	rt := newTestRuntime(t, client)
	userSays(rt, "开始工作")

	rt.driver.RunTurn(context.Background(), rt.agentID)

	turns := rt.conversations.Snapshot(rt.agentID)
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].Role != models.TurnUser || !strings.Contains(turns[0].Content, "【来自用户的消息】") {
		t.Errorf("user turn = %+v", turns[0])
	}
	if turns[1].Role != models.TurnAssistant || turns[1].Content != "明白了" {
		t.Errorf("assistant turn = %+v", turns[1])
	}
	if got := rt.state.Status(rt.agentID); got != models.StatusIdle {
		t.Errorf("status = %q, want idle", got)
	}
	if rt.bus.InboxSize(rt.agentID) != 0 {
		t.Error("inbox should be flushed")
	}
}

func TestToolLoopExecutesThenContinues(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{resp: &llm.Response{ToolCalls: []models.ToolCall{
			toolCall("c1", "send_message", `{"to":"user","payload":"阶段完成"}`),
		}}},
		{resp: &llm.Response{Content: "全部完成"}},
	}}
	rt := newTestRuntime(t, client)
	userSays(rt, "go")

	rt.driver.RunTurn(context.Background(), rt.agentID)

	if client.callCount() != 2 {
		t.Errorf("llm calls = %d, want 2", client.callCount())
	}
	turns := rt.conversations.Snapshot(rt.agentID)
	// user, assistant(tool_calls), tool, assistant
	if len(turns) != 4 {
		t.Fatalf("turns = %d: %+v", len(turns), turns)
	}
	if turns[2].Role != models.TurnTool || turns[2].ToolCallID != "c1" {
		t.Errorf("tool turn = %+v", turns[2])
	}
	if msg := rt.bus.Pop(bus.UserRecipient); msg == nil || msg.Payload.Text != "阶段完成" {
		t.Errorf("user message = %+v", msg)
	}
}

func TestWaitForMessageEndsTurnWithoutAssistant(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{resp: &llm.Response{ToolCalls: []models.ToolCall{
			toolCall("c1", "wait_for_message", `{}`),
		}}},
	}}
	rt := newTestRuntime(t, client)
	userSays(rt, "standby")

	rt.driver.RunTurn(context.Background(), rt.agentID)

	if client.callCount() != 1 {
		t.Errorf("llm calls = %d, want 1 (suspend must not re-enter the loop)", client.callCount())
	}
	turns := rt.conversations.Snapshot(rt.agentID)
	if turns[len(turns)-1].Role != models.TurnTool {
		t.Errorf("last turn = %+v, want the tool result", turns[len(turns)-1])
	}
	if got := rt.state.Status(rt.agentID); got != models.StatusIdle {
		t.Errorf("status = %q, want idle", got)
	}
}

func TestFailingToolBecomesErrorTurnAndLoopContinues(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{resp: &llm.Response{ToolCalls: []models.ToolCall{
			toolCall("c1", "get_artifact", `{"ref":"artifact:missing"}`),
		}}},
		{resp: &llm.Response{Content: "could not find it"}},
	}}
	rt := newTestRuntime(t, client)
	userSays(rt, "fetch")

	rt.driver.RunTurn(context.Background(), rt.agentID)

	turns := rt.conversations.Snapshot(rt.agentID)
	var toolTurn *models.Turn
	for i := range turns {
		if turns[i].Role == models.TurnTool {
			toolTurn = &turns[i]
		}
	}
	if toolTurn == nil || !strings.Contains(toolTurn.Content, "artifact_not_found") {
		t.Fatalf("tool turn = %+v, want artifact_not_found error", toolTurn)
	}
	if turns[len(turns)-1].Content != "could not find it" {
		t.Errorf("turn should continue after a failing tool: %+v", turns[len(turns)-1])
	}
}

func TestLLMFailureEndsTurnIdle(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{err: llm.ErrRetryExhausted},
	}}
	rt := newTestRuntime(t, client)
	userSays(rt, "hello")

	rt.driver.RunTurn(context.Background(), rt.agentID)

	turns := rt.conversations.Snapshot(rt.agentID)
	if len(turns) != 1 || turns[0].Role != models.TurnUser {
		t.Errorf("turns = %+v, want only the flushed user turn", turns)
	}
	if got := rt.state.Status(rt.agentID); got != models.StatusIdle {
		t.Errorf("status = %q, want idle", got)
	}
}

// stopInjector is a test tool that flips the calling agent to stopping, the
// way an abort request lands mid-execution.
type stopInjector struct{ state *State }

func (stopInjector) Name() string                  { return "trigger_stop" }
func (stopInjector) Description() string           { return "test helper" }
func (stopInjector) Parameters() json.RawMessage   { return tools.EmptySchema() }
func (s stopInjector) Execute(ctx context.Context, inv *tools.Invocation, args json.RawMessage) (*tools.Result, error) {
	s.state.SetAgentComputeStatus(inv.AgentID, models.StatusStopping)
	return &tools.Result{Data: map[string]any{"ok": true}}, nil
}

func TestStopSkipsRemainingToolCalls(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{resp: &llm.Response{ToolCalls: []models.ToolCall{
			toolCall("c1", "trigger_stop", `{}`),
			toolCall("c2", "send_message", `{"to":"user","payload":"should not be sent"}`),
		}}},
	}}
	rt := newTestRuntime(t, client)
	if err := rt.registry.RegisterGroup("test", stopInjector{state: rt.state}); err != nil {
		t.Fatal(err)
	}
	userSays(rt, "go")

	rt.driver.RunTurn(context.Background(), rt.agentID)

	if client.callCount() != 1 {
		t.Errorf("llm calls = %d, want 1", client.callCount())
	}
	toolTurns := 0
	for _, turn := range rt.conversations.Snapshot(rt.agentID) {
		if turn.Role == models.TurnTool {
			toolTurns++
		}
	}
	if toolTurns != 1 {
		t.Errorf("tool turns = %d, want 1 (second call skipped)", toolTurns)
	}
	if rt.bus.InboxSize(bus.UserRecipient) != 0 {
		t.Error("skipped send_message must not deliver")
	}
	if got := rt.state.Status(rt.agentID); got != models.StatusStopped {
		t.Errorf("status = %q, want stopped", got)
	}
}

func TestAbortInterruptsInFlightLLMCall(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{{block: true}}}
	rt := newTestRuntime(t, client)
	userSays(rt, "think hard")

	done := make(chan struct{})
	go func() {
		rt.driver.RunTurn(context.Background(), rt.agentID)
		close(done)
	}()

	// Wait for the call to be in flight, then abort.
	deadline := time.After(2 * time.Second)
	for rt.state.Status(rt.agentID) != models.StatusWaitingLLM {
		select {
		case <-deadline:
			t.Fatal("llm call never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	rt.driver.AbortLLMCall(rt.agentID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not unwind after abort")
	}
	if got := rt.state.Status(rt.agentID); got != models.StatusStopped {
		t.Errorf("status = %q, want stopped", got)
	}
	// The aborted call produced no assistant turn.
	for _, turn := range rt.conversations.Snapshot(rt.agentID) {
		if turn.Role == models.TurnAssistant {
			t.Errorf("unexpected assistant turn: %+v", turn)
		}
	}
}

// selfMailer is a test tool that drops a message into the calling agent's
// own inbox mid-turn, the way an interrupting message lands.
type selfMailer struct{}

func (selfMailer) Name() string                { return "self_mail" }
func (selfMailer) Description() string         { return "test helper" }
func (selfMailer) Parameters() json.RawMessage { return tools.EmptySchema() }
func (selfMailer) Execute(ctx context.Context, inv *tools.Invocation, args json.RawMessage) (*tools.Result, error) {
	inv.Bus.Send(&models.Message{From: bus.UserRecipient, To: inv.AgentID, Payload: models.TextPayload("interrupting")})
	return &tools.Result{}, nil
}

func TestMidTurnMessagesFoldIntoNextIteration(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{resp: &llm.Response{ToolCalls: []models.ToolCall{
			toolCall("c1", "self_mail", `{}`),
		}}},
		{resp: &llm.Response{Content: "done"}},
	}}
	rt := newTestRuntime(t, client)
	if err := rt.registry.RegisterGroup("test", selfMailer{}); err != nil {
		t.Fatal(err)
	}
	userSays(rt, "first")

	rt.driver.RunTurn(context.Background(), rt.agentID)

	turns := rt.conversations.Snapshot(rt.agentID)
	// user, assistant(tool_calls), tool, user(interrupting), assistant
	wantRoles := []models.TurnRole{
		models.TurnUser, models.TurnAssistant, models.TurnTool, models.TurnUser, models.TurnAssistant,
	}
	if len(turns) != len(wantRoles) {
		t.Fatalf("turns = %d: %+v", len(turns), turns)
	}
	for i, want := range wantRoles {
		if turns[i].Role != want {
			t.Errorf("turn %d role = %q, want %q", i, turns[i].Role, want)
		}
	}
	if !strings.Contains(turns[3].Content, "interrupting") {
		t.Errorf("interrupting message should follow the tool result: %+v", turns[3])
	}
	if rt.bus.InboxSize(rt.agentID) != 0 {
		t.Error("inbox should be empty after the turn")
	}
}
