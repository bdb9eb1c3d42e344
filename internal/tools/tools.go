// Package tools defines the tool registry used by the conversation pipeline.
//
// A registry maintains a catalogue of callable tools, exposes their
// definitions for inclusion in LLM requests, and executes tool calls on
// behalf of the pipeline. Two implementations exist: a static in-process
// registry for built-in Go functions, and an MCP-backed host (see the
// mcphost subpackage) that imports tools from external Model Context
// Protocol servers.
//
// All methods must be safe for concurrent use: several calls may be live at
// once and each runs tool executions from its own pipeline goroutine.
package tools

import (
	"context"

	"github.com/vaani-labs/vaani/pkg/types"
)

// EndCallToolName is the reserved name of the built-in tool the model invokes
// to hang up the call. The pipeline intercepts it before execution.
const EndCallToolName = "end_call"

// Invocation describes a single tool call requested by the model.
type Invocation struct {
	// Name is the tool's unique identifier, matching a
	// [types.ToolDefinition.Name] from the registry.
	Name string

	// Arguments is the JSON-encoded argument object produced by the model.
	// An empty string or "{}" is valid for parameter-less tools.
	Arguments string

	// SessionID identifies the conversation on whose behalf the tool runs.
	SessionID string

	// CallContext is opaque transport metadata for the call (caller ID,
	// channel, custom routing fields). Registries forward it to tools
	// verbatim; nothing in the pipeline interprets it. May be nil.
	CallContext map[string]any
}

type callContextKey struct{}

// WithCallContext returns a child context carrying the invocation's call
// context, for in-process tool handlers.
func WithCallContext(ctx context.Context, cc map[string]any) context.Context {
	if cc == nil {
		return ctx
	}
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the call context stored by [WithCallContext], or
// nil when the invocation carried none.
func CallContextFrom(ctx context.Context) map[string]any {
	cc, _ := ctx.Value(callContextKey{}).(map[string]any)
	return cc
}

// Result holds the outcome of a single tool execution.
type Result struct {
	// Content is the tool's textual output, typically a JSON string or
	// human-readable text ready for insertion into the conversation log.
	Content string

	// IsError indicates that the tool returned an application-level error
	// (as opposed to a transport or protocol failure returned via the Go
	// error return value). When IsError is true, Content carries the message.
	IsError bool

	// DurationMs is the wall-clock time in milliseconds from dispatch until
	// the full response was received.
	DurationMs int64
}

// Registry is the abstraction over any tool catalogue.
//
// Implementations must be safe for concurrent use.
type Registry interface {
	// Definitions returns the definitions of every registered tool, suitable
	// for passing to an LLM completion request. The returned slice is a copy;
	// callers may modify it freely.
	Definitions() []types.ToolDefinition

	// Execute runs the named tool and returns its result. A non-nil *Result
	// is returned even when [Result.IsError] is true; a Go error is returned
	// only on transport or protocol failure, or when the tool is unknown.
	//
	// Execute must respect ctx: the pipeline enforces a per-call deadline and
	// expects prompt cancellation.
	Execute(ctx context.Context, inv Invocation) (*Result, error)

	// Close releases all resources held by the registry. After Close returns
	// the Registry must not be used again.
	Close() error
}
