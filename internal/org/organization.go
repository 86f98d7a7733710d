// Package org owns the role catalog and the agent population: a forest of
// agents rooted at the root agent, instantiated from roles.
package org

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivegrid/hivegrid/internal/bus"
	"github.com/hivegrid/hivegrid/pkg/models"
)

// RootAgentID is the fixed id of the root agent. The root cannot be
// terminated and is granted only the org_management tool group.
const RootAgentID = "root"

// Registrar is the runtime-state hook the organization notifies about
// lifecycle events. Status is owned by the runtime state; the organization
// reads it back for projections.
type Registrar interface {
	RegisterAgent(agentID string)
	SetAgentComputeStatus(agentID string, status models.AgentStatus)
	Status(agentID string) models.AgentStatus
}

// CapabilityChecker answers capability queries for a service id.
type CapabilityChecker interface {
	HasCapability(serviceID, modality string, direction models.CapabilityDirection) bool
}

// SpawnParams parameterizes SpawnAgent.
type SpawnParams struct {
	RoleID        string
	ParentAgentID string
	TaskBrief     string
	CustomName    string
	TaskID        string
}

// Organization is the role catalog plus the agent forest. Mutations happen
// under one coarse lock; reads may observe an in-progress spawn but never a
// torn parent pointer.
type Organization struct {
	mu     sync.RWMutex
	roles  map[string]*models.Role // by id
	agents map[string]*models.Agent

	registrar    Registrar
	capabilities CapabilityChecker
	bus          *bus.Bus
	logger       *slog.Logger
	now          func() time.Time

	// onTerminate runs after an agent enters terminating and its inbox is
	// dropped, before the terminated mark.
	onTerminate func(agentID string)

	// defaultServiceID backs roles with no preferred service in
	// capability discovery.
	defaultServiceID string

	// selectService picks a catalog service for a role prompt when role
	// creation does not name one. Optional.
	selectService func(prompt string) string

	// rootPrompt is the system prompt EnsureRoot installs on the root role.
	rootPrompt string
}

// New creates an empty organization.
func New(registrar Registrar, capabilities CapabilityChecker, b *bus.Bus, logger *slog.Logger) *Organization {
	if logger == nil {
		logger = slog.Default()
	}
	return &Organization{
		roles:        map[string]*models.Role{},
		agents:       map[string]*models.Agent{},
		registrar:    registrar,
		capabilities: capabilities,
		bus:          b,
		logger:       logger,
		now:          time.Now,
	}
}

// SetTerminateHook installs the optional per-agent shutdown hook.
func (o *Organization) SetTerminateHook(hook func(agentID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTerminate = hook
}

// SetDefaultServiceID records the fallback service used by roles without a
// preferred service.
func (o *Organization) SetDefaultServiceID(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defaultServiceID = id
}

// SetServiceSelector installs the automatic service picker consulted when a
// role is created without a preferred service.
func (o *Organization) SetServiceSelector(sel func(prompt string) string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.selectService = sel
}

// CreateRole publishes a role. Names are unique within the organization.
// An empty llmServiceID consults the service selector, falling back to the
// default service when it declines.
func (o *Organization) CreateRole(name, prompt string, toolGroups []string, llmServiceID string) (*models.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("role name is required")
	}
	if llmServiceID == "" {
		o.mu.RLock()
		sel := o.selectService
		o.mu.RUnlock()
		if sel != nil {
			if id := sel(prompt); id != "" {
				llmServiceID = id
				o.logger.Info("service auto-selected for role", "role", name, "service_id", id)
			}
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.roles {
		if r.Name == name {
			return nil, ErrRoleNameConflict
		}
	}
	role := &models.Role{
		ID:           uuid.NewString(),
		Name:         name,
		Prompt:       prompt,
		ToolGroups:   append([]string(nil), toolGroups...),
		LLMServiceID: llmServiceID,
		CreatedAt:    o.now(),
	}
	o.roles[role.ID] = role
	o.logger.Info("role created", "role_id", role.ID, "name", name)
	return role.Clone(), nil
}

// RenameRole changes a role's name; the new name must stay unique.
func (o *Organization) RenameRole(roleID, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return fmt.Errorf("role name is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	role, ok := o.roles[roleID]
	if !ok {
		return ErrRoleNotFound
	}
	for _, r := range o.roles {
		if r.ID != roleID && r.Name == newName {
			return ErrRoleNameConflict
		}
	}
	role.Name = newName
	for _, a := range o.agents {
		if a.RoleID == roleID {
			a.RoleName = newName
		}
	}
	return nil
}

// UpdateRolePrompt edits a role's system prompt. Agents of the role observe
// the new prompt on their next turn.
func (o *Organization) UpdateRolePrompt(roleID, prompt string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	role, ok := o.roles[roleID]
	if !ok {
		return ErrRoleNotFound
	}
	role.Prompt = prompt
	return nil
}

// FindRoleByName resolves a role by its unique name.
func (o *Organization) FindRoleByName(name string) (*models.Role, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, r := range o.roles {
		if r.Name == name {
			return r.Clone(), true
		}
	}
	return nil, false
}

// GetRole resolves a role by id.
func (o *Organization) GetRole(roleID string) (*models.Role, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	role, ok := o.roles[roleID]
	if !ok {
		return nil, false
	}
	return role.Clone(), true
}

// ListRoles returns all roles sorted by name.
func (o *Organization) ListRoles() []*models.Role {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*models.Role, 0, len(o.roles))
	for _, r := range o.roles {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetRootPrompt sets the system prompt EnsureRoot installs on the root
// role, overriding a restored prompt.
func (o *Organization) SetRootPrompt(prompt string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rootPrompt = prompt
}

// EnsureRoot creates the root agent and its role when absent and returns
// the agent. The root role carries only the org_management tool group.
func (o *Organization) EnsureRoot() *models.Agent {
	o.mu.Lock()
	if role, ok := o.roles[RootAgentID]; ok {
		if o.rootPrompt != "" {
			role.Prompt = o.rootPrompt
		}
	} else {
		o.roles[RootAgentID] = &models.Role{
			ID:         RootAgentID,
			Name:       "root",
			Prompt:     o.rootPrompt,
			ToolGroups: []string{"org_management"},
			CreatedAt:  o.now(),
		}
	}
	if root, ok := o.agents[RootAgentID]; ok {
		clone := root.Clone()
		o.mu.Unlock()
		return clone
	}
	root := &models.Agent{
		ID:             RootAgentID,
		RoleID:         RootAgentID,
		RoleName:       "root",
		Status:         models.StatusIdle,
		CreatedAt:      o.now(),
		LastActivityAt: o.now(),
	}
	o.agents[RootAgentID] = root
	o.mu.Unlock()

	if o.registrar != nil {
		o.registrar.RegisterAgent(RootAgentID)
	}
	o.logger.Info("root agent created")
	return root.Clone()
}

// SpawnAgent instantiates an agent from a role under a live parent. When a
// task brief is given, a seed message summarizing the task is routed to the
// new agent so its first turn has work to do.
func (o *Organization) SpawnAgent(params SpawnParams) (*models.Agent, error) {
	o.mu.Lock()
	role, ok := o.roles[params.RoleID]
	if !ok {
		o.mu.Unlock()
		return nil, ErrRoleNotFound
	}
	parentID := params.ParentAgentID
	if parentID == "" {
		parentID = RootAgentID
	}
	parent, ok := o.agents[parentID]
	if !ok {
		o.mu.Unlock()
		return nil, ErrAgentNotFound
	}
	if o.statusLocked(parent.ID).Terminal() {
		o.mu.Unlock()
		return nil, ErrParentTerminated
	}
	agent := &models.Agent{
		ID:             "agent-" + uuid.NewString()[:8],
		RoleID:         role.ID,
		RoleName:       role.Name,
		CustomName:     params.CustomName,
		ParentAgentID:  parent.ID,
		TaskBrief:      params.TaskBrief,
		Status:         models.StatusIdle,
		CreatedAt:      o.now(),
		LastActivityAt: o.now(),
	}
	o.agents[agent.ID] = agent
	o.mu.Unlock()

	if o.registrar != nil {
		o.registrar.RegisterAgent(agent.ID)
	}
	if params.TaskBrief != "" && o.bus != nil {
		o.bus.Send(&models.Message{
			From:    parent.ID,
			To:      agent.ID,
			TaskID:  params.TaskID,
			Payload: models.TextPayload("你的任务：" + params.TaskBrief),
		})
	}
	o.logger.Info("agent spawned", "agent_id", agent.ID,
		"role", role.Name, "parent", parent.ID, "task_id", params.TaskID)
	return agent.Clone(), nil
}

// TerminateAgent permanently retires an agent: terminating, inbox dropped,
// shutdown hook, terminated. The record is preserved so history lookups
// stay valid. Terminating the root is refused.
func (o *Organization) TerminateAgent(agentID string) error {
	if agentID == RootAgentID {
		return ErrCannotTerminateRoot
	}
	o.mu.Lock()
	agent, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return ErrAgentNotFound
	}
	hook := o.onTerminate
	o.mu.Unlock()

	if o.registrar != nil {
		o.registrar.SetAgentComputeStatus(agentID, models.StatusTerminating)
	}
	if o.bus != nil {
		dropped := o.bus.PopAll(agentID)
		if len(dropped) > 0 {
			o.logger.Debug("dropped pending inbox on terminate",
				"agent_id", agentID, "messages", len(dropped))
		}
	}
	if hook != nil {
		hook(agentID)
	}
	if o.registrar != nil {
		o.registrar.SetAgentComputeStatus(agentID, models.StatusTerminated)
	}

	o.mu.Lock()
	agent.Status = models.StatusTerminated
	o.mu.Unlock()
	o.logger.Info("agent terminated", "agent_id", agentID)
	return nil
}

// GetAgent resolves an agent by id with its live status.
func (o *Organization) GetAgent(agentID string) (*models.Agent, bool) {
	o.mu.RLock()
	agent, ok := o.agents[agentID]
	if !ok {
		o.mu.RUnlock()
		return nil, false
	}
	clone := agent.Clone()
	o.mu.RUnlock()
	clone.Status = o.status(agentID)
	return clone, true
}

// ListAgents returns every agent record (terminated included), stable by
// creation time.
func (o *Organization) ListAgents() []*models.Agent {
	o.mu.RLock()
	out := make([]*models.Agent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a.Clone())
	}
	o.mu.RUnlock()
	for _, a := range out {
		a.Status = o.status(a.ID)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Tree projects the agent forest rooted at the root agent.
func (o *Organization) Tree() *models.OrgNode {
	agents := o.ListAgents()
	nodes := make(map[string]*models.OrgNode, len(agents))
	for _, a := range agents {
		nodes[a.ID] = &models.OrgNode{
			AgentID:  a.ID,
			RoleName: a.RoleName,
			Status:   a.Status,
			Children: []*models.OrgNode{},
		}
	}
	var root *models.OrgNode
	for _, a := range agents {
		node := nodes[a.ID]
		if a.ID == RootAgentID || a.ParentAgentID == "" {
			if a.ID == RootAgentID {
				root = node
			}
			continue
		}
		if parent, ok := nodes[a.ParentAgentID]; ok {
			parent.Children = append(parent.Children, node)
		}
	}
	return root
}

// FindCapableAgents returns ids of live agents whose resolved service
// accepts the modality as input. Used to suggest a handoff target when
// content cannot reach an agent's own model.
func (o *Organization) FindCapableAgents(modality string) []string {
	if o.capabilities == nil {
		return nil
	}
	var out []string
	for _, a := range o.ListAgents() {
		if a.Status.Terminal() || a.ID == RootAgentID {
			continue
		}
		serviceID := o.serviceIDForAgent(a)
		if serviceID == "" {
			continue
		}
		if o.capabilities.HasCapability(serviceID, modality, models.DirectionInput) {
			out = append(out, a.ID)
		}
	}
	return out
}

// ServiceIDForAgent resolves the LLM service an agent's turns use: the
// role's preferred service when set, otherwise the default.
func (o *Organization) ServiceIDForAgent(agentID string) string {
	agent, ok := o.GetAgent(agentID)
	if !ok {
		return ""
	}
	return o.serviceIDForAgent(agent)
}

func (o *Organization) serviceIDForAgent(agent *models.Agent) string {
	if role, ok := o.GetRole(agent.RoleID); ok && role.LLMServiceID != "" {
		return role.LLMServiceID
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaultServiceID
}

func (o *Organization) status(agentID string) models.AgentStatus {
	if o.registrar == nil {
		o.mu.RLock()
		defer o.mu.RUnlock()
		return o.statusLocked(agentID)
	}
	if s := o.registrar.Status(agentID); s != "" {
		return s
	}
	return models.StatusIdle
}

// statusLocked falls back to the stored record when no registrar is wired
// (tests) or before registration completes. Callers hold o.mu.
func (o *Organization) statusLocked(agentID string) models.AgentStatus {
	if o.registrar != nil {
		if s := o.registrar.Status(agentID); s != "" {
			return s
		}
	}
	if a, ok := o.agents[agentID]; ok && a.Status != "" {
		return a.Status
	}
	return models.StatusIdle
}

// RestoreRole reinstates a persisted role during snapshot restore.
func (o *Organization) RestoreRole(role *models.Role) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.roles[role.ID] = role.Clone()
}

// RestoreAgent reinstates a persisted agent during snapshot restore.
func (o *Organization) RestoreAgent(agent *models.Agent) {
	o.mu.Lock()
	o.agents[agent.ID] = agent.Clone()
	o.mu.Unlock()
	if o.registrar != nil {
		o.registrar.RegisterAgent(agent.ID)
		if agent.Status != "" {
			o.registrar.SetAgentComputeStatus(agent.ID, agent.Status)
		}
	}
}
