package org

import (
	"errors"
	"sync"
	"testing"

	"github.com/hivegrid/hivegrid/internal/bus"
	"github.com/hivegrid/hivegrid/pkg/models"
)

type fakeRegistrar struct {
	mu       sync.Mutex
	statuses map[string]models.AgentStatus
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{statuses: map[string]models.AgentStatus{}}
}

func (f *fakeRegistrar) RegisterAgent(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[agentID]; !ok {
		f.statuses[agentID] = models.StatusIdle
	}
}

func (f *fakeRegistrar) SetAgentComputeStatus(agentID string, status models.AgentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[agentID] = status
}

func (f *fakeRegistrar) Status(agentID string) models.AgentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[agentID]
}

type fakeCapabilities struct {
	capable map[string]bool // serviceID -> accepts image input
}

func (f *fakeCapabilities) HasCapability(serviceID, modality string, direction models.CapabilityDirection) bool {
	if modality == models.CapabilityText {
		return true
	}
	return f.capable[serviceID]
}

func newTestOrg(t *testing.T) (*Organization, *fakeRegistrar, *bus.Bus) {
	t.Helper()
	reg := newFakeRegistrar()
	b := bus.New(nil, nil)
	o := New(reg, nil, b, nil)
	o.EnsureRoot()
	return o, reg, b
}

func TestCreateRoleRejectsDuplicateName(t *testing.T) {
	o, _, _ := newTestOrg(t)
	if _, err := o.CreateRole("researcher", "find things", nil, ""); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	_, err := o.CreateRole("researcher", "different prompt", nil, "")
	if !errors.Is(err, ErrRoleNameConflict) {
		t.Errorf("err = %v, want ErrRoleNameConflict", err)
	}
}

func TestCreateRoleAutoSelectsService(t *testing.T) {
	o, _, _ := newTestOrg(t)
	var prompts []string
	o.SetServiceSelector(func(prompt string) string {
		prompts = append(prompts, prompt)
		return "vision-svc"
	})

	role, err := o.CreateRole("analyst", "inspect screenshots", nil, "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.LLMServiceID != "vision-svc" {
		t.Errorf("LLMServiceID = %q, want vision-svc", role.LLMServiceID)
	}
	if len(prompts) != 1 || prompts[0] != "inspect screenshots" {
		t.Errorf("selector saw %v, want the role prompt", prompts)
	}

	explicit, err := o.CreateRole("writer", "write", nil, "text-svc")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if explicit.LLMServiceID != "text-svc" {
		t.Errorf("LLMServiceID = %q, want text-svc", explicit.LLMServiceID)
	}
	if len(prompts) != 1 {
		t.Error("selector must not run when a service is named")
	}
}

func TestCreateRoleSelectorDeclines(t *testing.T) {
	o, _, _ := newTestOrg(t)
	o.SetDefaultServiceID("default-svc")
	o.SetServiceSelector(func(prompt string) string { return "" })

	role, err := o.CreateRole("plain", "just text", nil, "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.LLMServiceID != "" {
		t.Errorf("LLMServiceID = %q, want empty", role.LLMServiceID)
	}
	agent, err := o.SpawnAgent(SpawnParams{RoleID: role.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got := o.ServiceIDForAgent(agent.ID); got != "default-svc" {
		t.Errorf("service = %q, want default-svc", got)
	}
}

func TestEnsureRootInstallsRootRole(t *testing.T) {
	o, _, _ := newTestOrg(t)
	role, ok := o.GetRole(RootAgentID)
	if !ok {
		t.Fatal("root role missing")
	}
	if len(role.ToolGroups) != 1 || role.ToolGroups[0] != "org_management" {
		t.Errorf("ToolGroups = %v, want [org_management]", role.ToolGroups)
	}

	// A prompt set later wins over the existing one on the next EnsureRoot,
	// mirroring a prompts-dir override after snapshot restore.
	o.SetRootPrompt("你是组织的负责人")
	o.EnsureRoot()
	role, _ = o.GetRole(RootAgentID)
	if role.Prompt != "你是组织的负责人" {
		t.Errorf("Prompt = %q, want the configured root prompt", role.Prompt)
	}
}

func TestRenameRoleUpdatesAgents(t *testing.T) {
	o, _, _ := newTestOrg(t)
	role, err := o.CreateRole("writer", "write", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	agent, err := o.SpawnAgent(SpawnParams{RoleID: role.ID})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.RenameRole(role.ID, "editor"); err != nil {
		t.Fatalf("RenameRole: %v", err)
	}
	got, _ := o.GetAgent(agent.ID)
	if got.RoleName != "editor" {
		t.Errorf("RoleName = %q, want editor", got.RoleName)
	}

	other, _ := o.CreateRole("reviewer", "", nil, "")
	if err := o.RenameRole(other.ID, "editor"); !errors.Is(err, ErrRoleNameConflict) {
		t.Errorf("rename onto taken name: err = %v, want ErrRoleNameConflict", err)
	}
}

func TestSpawnAgentSendsSeedMessage(t *testing.T) {
	o, _, b := newTestOrg(t)
	role, err := o.CreateRole("coder", "write code", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	agent, err := o.SpawnAgent(SpawnParams{
		RoleID:    role.ID,
		TaskBrief: "implement the parser",
		TaskID:    "task-1",
	})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if agent.ParentAgentID != RootAgentID {
		t.Errorf("ParentAgentID = %q, want root", agent.ParentAgentID)
	}
	msg := b.Pop(agent.ID)
	if msg == nil {
		t.Fatal("seed message missing")
	}
	if msg.From != RootAgentID || msg.TaskID != "task-1" {
		t.Errorf("seed from=%q task=%q", msg.From, msg.TaskID)
	}
}

func TestSpawnAgentUnknownRole(t *testing.T) {
	o, _, _ := newTestOrg(t)
	_, err := o.SpawnAgent(SpawnParams{RoleID: "nope"})
	if !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("err = %v, want ErrRoleNotFound", err)
	}
}

func TestSpawnUnderTerminatedParentRefused(t *testing.T) {
	o, _, _ := newTestOrg(t)
	role, _ := o.CreateRole("worker", "", nil, "")
	parent, err := o.SpawnAgent(SpawnParams{RoleID: role.ID})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.TerminateAgent(parent.ID); err != nil {
		t.Fatalf("TerminateAgent: %v", err)
	}
	_, err = o.SpawnAgent(SpawnParams{RoleID: role.ID, ParentAgentID: parent.ID})
	if !errors.Is(err, ErrParentTerminated) {
		t.Errorf("err = %v, want ErrParentTerminated", err)
	}
}

func TestTerminateAgentDropsInboxAndRunsHook(t *testing.T) {
	o, reg, b := newTestOrg(t)
	role, _ := o.CreateRole("worker", "", nil, "")
	agent, err := o.SpawnAgent(SpawnParams{RoleID: role.ID})
	if err != nil {
		t.Fatal(err)
	}
	b.Send(&models.Message{From: RootAgentID, To: agent.ID, Payload: models.TextPayload("pending")})

	var hooked []string
	o.SetTerminateHook(func(id string) { hooked = append(hooked, id) })

	if err := o.TerminateAgent(agent.ID); err != nil {
		t.Fatalf("TerminateAgent: %v", err)
	}
	if b.InboxSize(agent.ID) != 0 {
		t.Error("inbox should be dropped")
	}
	if len(hooked) != 1 || hooked[0] != agent.ID {
		t.Errorf("hook calls = %v", hooked)
	}
	if got := reg.Status(agent.ID); got != models.StatusTerminated {
		t.Errorf("status = %q, want terminated", got)
	}
	// The record survives termination.
	if _, ok := o.GetAgent(agent.ID); !ok {
		t.Error("terminated agent record should remain")
	}
}

func TestTerminateRootRefused(t *testing.T) {
	o, _, _ := newTestOrg(t)
	if err := o.TerminateAgent(RootAgentID); !errors.Is(err, ErrCannotTerminateRoot) {
		t.Errorf("err = %v, want ErrCannotTerminateRoot", err)
	}
}

func TestTreeProjection(t *testing.T) {
	o, _, _ := newTestOrg(t)
	role, _ := o.CreateRole("lead", "", nil, "")
	lead, err := o.SpawnAgent(SpawnParams{RoleID: role.ID})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := o.SpawnAgent(SpawnParams{RoleID: role.ID, ParentAgentID: lead.ID})
	if err != nil {
		t.Fatal(err)
	}

	tree := o.Tree()
	if tree == nil || tree.AgentID != RootAgentID {
		t.Fatalf("tree root = %+v", tree)
	}
	if len(tree.Children) != 1 || tree.Children[0].AgentID != lead.ID {
		t.Fatalf("root children = %+v", tree.Children)
	}
	if len(tree.Children[0].Children) != 1 || tree.Children[0].Children[0].AgentID != sub.ID {
		t.Errorf("lead children = %+v", tree.Children[0].Children)
	}
}

func TestFindCapableAgents(t *testing.T) {
	reg := newFakeRegistrar()
	caps := &fakeCapabilities{capable: map[string]bool{"vision-svc": true}}
	o := New(reg, caps, bus.New(nil, nil), nil)
	o.EnsureRoot()
	o.SetDefaultServiceID("text-svc")

	visionRole, _ := o.CreateRole("analyst", "", nil, "vision-svc")
	textRole, _ := o.CreateRole("writer", "", nil, "")
	visionAgent, err := o.SpawnAgent(SpawnParams{RoleID: visionRole.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.SpawnAgent(SpawnParams{RoleID: textRole.ID}); err != nil {
		t.Fatal(err)
	}

	got := o.FindCapableAgents(models.CapabilityImage)
	if len(got) != 1 || got[0] != visionAgent.ID {
		t.Errorf("capable agents = %v, want [%s]", got, visionAgent.ID)
	}
}

func TestServiceIDForAgentFallsBackToDefault(t *testing.T) {
	o, _, _ := newTestOrg(t)
	o.SetDefaultServiceID("default-svc")
	role, _ := o.CreateRole("plain", "", nil, "")
	agent, err := o.SpawnAgent(SpawnParams{RoleID: role.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got := o.ServiceIDForAgent(agent.ID); got != "default-svc" {
		t.Errorf("service = %q, want default-svc", got)
	}
}
