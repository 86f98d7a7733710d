package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hivegrid/hivegrid/internal/observability"
	"github.com/hivegrid/hivegrid/internal/org"
	"github.com/hivegrid/hivegrid/pkg/models"
)

// GroupOrgManagement is the only tool group granted to the root agent.
const GroupOrgManagement = "org_management"

// Tool is one callable exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error)
}

// Definition is the schema surface handed to the LLM client.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Registry owns every registered tool, its compiled argument schema, and
// the group membership used for permissions. Tool names are globally
// unique; a name registered twice is a programming error reported at
// registration time.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	groups  map[string]map[string]bool // group -> tool names

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   map[string]Tool{},
		schemas: map[string]*jsonschema.Schema{},
		groups:  map[string]map[string]bool{},
		logger:  logger,
		metrics: metrics,
	}
}

// RegisterGroup registers tools under a group. A tool name already present
// in any group fails the whole call.
func (r *Registry) RegisterGroup(group string, tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, exists := r.tools[t.Name()]; exists {
			return fmt.Errorf("tool %q already registered", t.Name())
		}
	}
	for _, t := range tools {
		schema, err := compileSchema(t.Name(), t.Parameters())
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", t.Name(), err)
		}
		r.tools[t.Name()] = t
		r.schemas[t.Name()] = schema
		if r.groups[group] == nil {
			r.groups[group] = map[string]bool{}
		}
		r.groups[group][t.Name()] = true
	}
	r.logger.Debug("tool group registered", "group", group, "tools", len(tools))
	return nil
}

// Include lists already-registered tools in an additional group without
// re-registering them.
func (r *Registry) Include(group string, names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, ok := r.tools[name]; !ok {
			return fmt.Errorf("tool %q not registered", name)
		}
	}
	if r.groups[group] == nil {
		r.groups[group] = map[string]bool{}
	}
	for _, name := range names {
		r.groups[group][name] = true
	}
	return nil
}

// DefinitionsForAgent returns the schemas of every tool the agent may call,
// sorted by name for stable prompts.
func (r *Registry) DefinitionsForAgent(agentID string, role *models.Role) []Definition {
	names := r.namesForAgent(agentID, role)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(names))
	for name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsToolAvailableForAgent enforces the same permission rule as
// DefinitionsForAgent.
func (r *Registry) IsToolAvailableForAgent(agentID string, role *models.Role, toolName string) bool {
	return r.namesForAgent(agentID, role)[toolName]
}

// namesForAgent applies the permission rule: the root agent gets the
// org_management group only; agents whose role declares tool groups get
// their union; agents with no declared groups get every tool that belongs
// to at least one non-org-management group.
func (r *Registry) namesForAgent(agentID string, role *models.Role) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]bool{}
	if agentID == org.RootAgentID {
		for name := range r.groups[GroupOrgManagement] {
			out[name] = true
		}
		return out
	}
	if role != nil && len(role.ToolGroups) > 0 {
		for _, group := range role.ToolGroups {
			for name := range r.groups[group] {
				out[name] = true
			}
		}
		return out
	}
	for group, names := range r.groups {
		if group == GroupOrgManagement {
			continue
		}
		for name := range names {
			out[name] = true
		}
	}
	return out
}

// ExecuteToolCall validates and dispatches one tool call. The returned
// error is always a *ToolError so the caller can serialize it for the
// model; it never panics the turn.
func (r *Registry) ExecuteToolCall(ctx context.Context, inv *Invocation, name string, args json.RawMessage) (*Result, *ToolError) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	start := time.Now()
	result, terr := r.execute(ctx, inv, tool, schema, ok, name, args)
	if r.metrics != nil {
		outcome := "ok"
		if terr != nil {
			outcome = terr.Code
		}
		r.metrics.ToolExecutionCounter.WithLabelValues(name, outcome).Inc()
		r.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	return result, terr
}

func (r *Registry) execute(ctx context.Context, inv *Invocation, tool Tool, schema *jsonschema.Schema, ok bool, name string, args json.RawMessage) (*Result, *ToolError) {
	if !ok {
		return nil, Errf(CodeUnknownTool, "no tool named %q", name)
	}
	if !r.IsToolAvailableForAgent(inv.AgentID, inv.Role, name) {
		return nil, Errf(CodeToolNotPermitted, "agent %s may not call %q", inv.AgentID, name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, Errf(CodeInvalidArgs, "arguments are not valid JSON: %v", err)
	}
	if schema != nil {
		if err := schema.Validate(decoded); err != nil {
			return nil, Errf(CodeInvalidArgs, "%v", err)
		}
	}

	result, err := tool.Execute(ctx, inv, args)
	if err != nil {
		return nil, AsToolError(err)
	}
	if result == nil {
		result = &Result{}
	}
	return result, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
