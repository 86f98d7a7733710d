package tools

import (
	"context"
	"encoding/json"

	"github.com/hivegrid/hivegrid/internal/org"
)

// FindRoleByName resolves a role record by its unique name.
type FindRoleByName struct{}

func (FindRoleByName) Name() string { return "find_role_by_name" }

func (FindRoleByName) Description() string {
	return "Look up a role by its exact name. Returns the role record or role_not_found."
}

type findRoleParams struct {
	Name string `json:"name" jsonschema_description:"The role name to look up."`
}

func (FindRoleByName) Parameters() json.RawMessage { return ReflectSchema(findRoleParams{}) }

func (FindRoleByName) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var params findRoleParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, Errf(CodeInvalidArgs, "%v", err)
	}
	role, ok := inv.Org.FindRoleByName(params.Name)
	if !ok {
		return nil, Errf(CodeRoleNotFound, "no role named %q", params.Name)
	}
	return &Result{Data: role}, nil
}

// CreateRole publishes a new role definition.
type CreateRole struct{}

func (CreateRole) Name() string { return "create_role" }

func (CreateRole) Description() string {
	return "Create a new role with a system prompt. Role names are unique; creating an existing name fails with role_name_conflict."
}

type createRoleParams struct {
	Name         string   `json:"name" jsonschema_description:"Unique role name."`
	Prompt       string   `json:"prompt" jsonschema_description:"System prompt for agents of this role."`
	ToolGroups   []string `json:"toolGroups,omitempty" jsonschema_description:"Tool groups granted to the role. Empty grants all non-root tools."`
	LLMServiceID string   `json:"llmServiceId,omitempty" jsonschema_description:"Preferred LLM service id. Empty selects automatically."`
}

func (CreateRole) Parameters() json.RawMessage { return ReflectSchema(createRoleParams{}) }

func (CreateRole) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var params createRoleParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, Errf(CodeInvalidArgs, "%v", err)
	}
	role, err := inv.Org.CreateRole(params.Name, params.Prompt, params.ToolGroups, params.LLMServiceID)
	if err != nil {
		return nil, err
	}
	return &Result{Data: role}, nil
}

// SpawnAgentWithTask instantiates a child agent from a role and hands it a
// task brief.
type SpawnAgentWithTask struct{}

func (SpawnAgentWithTask) Name() string { return "spawn_agent_with_task" }

func (SpawnAgentWithTask) Description() string {
	return "Spawn a new agent from a role and give it a task. The new agent becomes your child and receives the task as its first message."
}

type spawnAgentParams struct {
	RoleName   string `json:"roleName" jsonschema_description:"Name of the role to instantiate."`
	Task       string `json:"task" jsonschema_description:"The task brief delivered to the new agent."`
	CustomName string `json:"customName,omitempty" jsonschema_description:"Optional display name for the agent."`
}

func (SpawnAgentWithTask) Parameters() json.RawMessage { return ReflectSchema(spawnAgentParams{}) }

func (SpawnAgentWithTask) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var params spawnAgentParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, Errf(CodeInvalidArgs, "%v", err)
	}
	role, ok := inv.Org.FindRoleByName(params.RoleName)
	if !ok {
		return nil, Errf(CodeRoleNotFound, "no role named %q", params.RoleName)
	}
	agent, err := inv.Org.SpawnAgent(org.SpawnParams{
		RoleID:        role.ID,
		ParentAgentID: inv.AgentID,
		TaskBrief:     params.Task,
		CustomName:    params.CustomName,
		TaskID:        inv.TaskID,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Data: map[string]any{"agentId": agent.ID, "roleName": agent.RoleName}}, nil
}

// TerminateAgent permanently retires a child agent.
type TerminateAgent struct{}

func (TerminateAgent) Name() string { return "terminate_agent" }

func (TerminateAgent) Description() string {
	return "Permanently terminate an agent. Its pending messages are discarded and it will never be scheduled again."
}

type terminateAgentParams struct {
	AgentID string `json:"agentId" jsonschema_description:"Id of the agent to terminate."`
}

func (TerminateAgent) Parameters() json.RawMessage { return ReflectSchema(terminateAgentParams{}) }

func (TerminateAgent) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var params terminateAgentParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, Errf(CodeInvalidArgs, "%v", err)
	}
	if err := inv.Org.TerminateAgent(params.AgentID); err != nil {
		return nil, err
	}
	return &Result{Data: map[string]any{"agentId": params.AgentID, "status": "terminated"}}, nil
}
