// Package mock provides a test double for the tools.Registry interface.
//
// Use Registry in pipeline tests to script tool results and inspect which
// invocations the pipeline dispatched.
package mock

import (
	"context"
	"sync"

	"github.com/vaani-labs/vaani/internal/tools"
	"github.com/vaani-labs/vaani/pkg/types"
)

// Registry is a mock implementation of tools.Registry.
type Registry struct {
	mu sync.Mutex

	// Defs is returned by Definitions.
	Defs []types.ToolDefinition

	// Results maps tool name to the scripted result. Tools absent from the
	// map return a generic success result.
	Results map[string]*tools.Result

	// ExecuteErr, if non-nil, is returned as the error from every Execute.
	ExecuteErr error

	// ExecuteDelay, when non-nil, is waited on before Execute returns; close
	// it to release a blocked call. Used for tool-timeout tests.
	ExecuteDelay chan struct{}

	// ExecuteCalls records every invocation in order.
	ExecuteCalls []tools.Invocation

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Compile-time check that Registry implements tools.Registry.
var _ tools.Registry = (*Registry)(nil)

// Definitions returns Defs.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ToolDefinition(nil), r.Defs...)
}

// Execute records the invocation and returns the scripted result.
func (r *Registry) Execute(ctx context.Context, inv tools.Invocation) (*tools.Result, error) {
	r.mu.Lock()
	r.ExecuteCalls = append(r.ExecuteCalls, inv)
	err := r.ExecuteErr
	res, scripted := r.Results[inv.Name]
	delay := r.ExecuteDelay
	r.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if scripted {
		return res, nil
	}
	return &tools.Result{Content: `{"ok":true}`, DurationMs: 1}, nil
}

// Close records the call.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCallCount++
	return nil
}

// LastInvocation returns the most recent invocation, or a zero value.
func (r *Registry) LastInvocation() tools.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ExecuteCalls) == 0 {
		return tools.Invocation{}
	}
	return r.ExecuteCalls[len(r.ExecuteCalls)-1]
}
