package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vaani-labs/vaani/pkg/types"
)

// BuiltinTool represents a tool implemented as a Go function that runs
// in-process. Built-in tools bypass any protocol overhead: Execute calls the
// Handler directly.
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the LLM.
	Definition types.ToolDefinition

	// Handler is the function invoked when Execute is called for this tool.
	// args is a JSON object string (e.g. "{}" or `{"key":"value"}`).
	// Returning a non-nil error marks the result as an application error.
	Handler func(ctx context.Context, args string) (string, error)
}

// StaticRegistry is an in-process [Registry] backed by registered Go
// functions. The zero value is not usable; create instances with
// [NewStaticRegistry].
type StaticRegistry struct {
	mu    sync.RWMutex
	tools map[string]BuiltinTool
}

// Compile-time check that StaticRegistry implements Registry.
var _ Registry = (*StaticRegistry)(nil)

// NewStaticRegistry creates a registry pre-populated with the built-in
// end_call tool. Additional tools are added with [StaticRegistry.Register].
func NewStaticRegistry() *StaticRegistry {
	r := &StaticRegistry{tools: make(map[string]BuiltinTool)}
	_ = r.Register(EndCallTool())
	return r
}

// Register adds a built-in tool. If a tool with the same name is already
// registered it is replaced. Safe for concurrent use.
func (r *StaticRegistry) Register(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tools: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = tool
	return nil
}

// Definitions implements Registry.
func (r *StaticRegistry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	return defs
}

// Execute implements Registry.
func (r *StaticRegistry) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	r.mu.RLock()
	tool, ok := r.tools[inv.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: tool %q not found", inv.Name)
	}

	start := time.Now()
	output, err := tool.Handler(WithCallContext(ctx, inv.CallContext), inv.Arguments)
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		return &Result{Content: err.Error(), IsError: true, DurationMs: durationMs}, nil
	}
	return &Result{Content: output, DurationMs: durationMs}, nil
}

// Close implements Registry. A static registry holds no external resources.
func (r *StaticRegistry) Close() error {
	return nil
}

// EndCallTool returns the built-in end_call tool. Its handler is a no-op
// acknowledgement: the pipeline intercepts the call by name and performs the
// actual hangup after the closing line has played.
func EndCallTool() BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        EndCallToolName,
			Description: "End the phone call. Invoke after saying goodbye to the caller.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason for ending the call.",
					},
				},
			},
		},
		Handler: func(_ context.Context, _ string) (string, error) {
			return `{"status":"call ending"}`, nil
		},
	}
}
