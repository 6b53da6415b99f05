// Package tools defines the tools available to the agent and the
// registry that executes them.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/burrowhq/burrow/internal/llm"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the tools offered to the model for one agent turn.
// It is populated at engine construction time and not mutated while a
// turn is in flight.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. A tool with the same name is replaced.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Unregister removes a tool by name. Returns true if it was present.
func (r *Registry) Unregister(name string) bool {
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns tool definitions for the LLM, sorted by name so
// the request payload is deterministic.
func (r *Registry) Definitions() []llm.ToolDef {
	if len(r.tools) == 0 {
		return nil
	}
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// Execute runs a tool call and returns its result. Errors never cross
// this boundary as Go errors: an unknown tool or a failing handler
// produces a flagged result whose content the model can read and
// recover from.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	tool := r.tools[call.Name]
	if tool == nil {
		return llm.ToolResult{
			ToolUseID: call.ID,
			Content:   fmt.Sprintf("Error: unknown tool %q", call.Name),
			IsError:   true,
		}
	}

	args := call.Input
	if args == nil {
		args = map[string]any{}
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return llm.ToolResult{
			ToolUseID: call.ID,
			Content:   fmt.Sprintf("Error executing tool %q: %v", call.Name, err),
			IsError:   true,
		}
	}

	return llm.ToolResult{ToolUseID: call.ID, Content: result}
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// intArg extracts an optional integer argument (JSON numbers decode as
// float64).
func intArg(args map[string]any, key string) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return 0
}
