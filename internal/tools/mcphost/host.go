// Package mcphost provides a [tools.Registry] backed by external Model
// Context Protocol servers.
//
// It connects to MCP servers via stdio or streamable-HTTP transports using
// the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk) and
// maintains a concurrent-safe in-memory tool catalogue. Built-in Go
// functions can be registered alongside external tools and are executed
// in-process.
//
// Typical usage:
//
//	h := mcphost.New()
//
//	// Register an external MCP server.
//	err := h.RegisterServer(ctx, mcphost.ServerConfig{
//	    Name:      "crm",
//	    Transport: mcphost.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-crm-server",
//	})
//
//	// Or register a built-in Go function.
//	h.RegisterBuiltin(tools.EndCallTool())
//
//	// Execute a tool.
//	result, err := h.Execute(ctx, tools.Invocation{Name: "lookup_order", Arguments: "{}"})
//
//	// Shut down when done.
//	h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vaani-labs/vaani/internal/tools"
	"github.com/vaani-labs/vaani/pkg/types"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the human-readable identifier for this server.
	// Must be unique within a single [Host]. Used in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path (and optional arguments) used when
	// Transport is [TransportStdio].
	// Example: "/usr/local/bin/mcp-server --config /etc/mcp.json"
	// Ignored for streamable-http transport.
	Command string

	// URL is the endpoint address used when Transport is
	// [TransportStreamableHTTP]. Ignored for stdio transport.
	URL string

	// Env holds additional environment variables injected into the server
	// process when Transport is [TransportStdio]. May be nil.
	Env map[string]string
}

// toolEntry holds all metadata for a single registered tool.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string

	// builtinFn is non-nil for in-process tools registered via RegisterBuiltin.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// serverConn holds a live connection to an external MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "__builtin__"

// Host is a [tools.Registry] that routes tool calls to external MCP servers
// or in-process handlers.
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry  // key: tool name
	servers map[string]serverConn // key: server name

	// client is reused across all server connections. The official SDK allows
	// a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

// Compile-time check: Host must implement tools.Registry.
var _ tools.Registry = (*Host)(nil)

// New creates and returns a ready-to-use Host.
func New() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "vaani-mcphost", Version: "1.0.0"},
		nil,
	)
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client:  client,
	}
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue into the host. If a server with the same Name is already
// registered, the old connection is closed and replaced.
//
// For [TransportStdio]: cfg.Command is split on spaces into executable +
// args; cfg.Env is passed as additional environment variables.
//
// For [TransportStreamableHTTP]: cfg.URL is the endpoint address.
//
// Returns an error if the transport cannot be established or the initial
// tool listing fails.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcphost: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcphost: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcphost: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcphost: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcphost: failed to connect to server %q: %w", cfg.Name, err)
	}

	// Discover tools using the iterator.
	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcphost: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Close the old connection if it exists.
	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}

	h.servers[cfg.Name] = serverConn{session: session}

	for _, mcpTool := range discovered {
		h.tools[mcpTool.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  schemaToMap(mcpTool.InputSchema),
			},
			serverName: cfg.Name,
		}
	}

	return nil
}

// RegisterBuiltin registers a built-in tool that is called in-process.
// If a tool with the same name is already registered it is replaced.
// Safe for concurrent use.
func (h *Host) RegisterBuiltin(tool tools.BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("mcphost: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcphost: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		builtinFn:  tool.Handler,
	}
	return nil
}

// Definitions implements tools.Registry.
func (h *Host) Definitions() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	return defs
}

// Execute implements tools.Registry. A non-nil *Result is returned even when
// [tools.Result.IsError] is true (application-level error); a Go error is
// returned only on transport or protocol failure.
func (h *Host) Execute(ctx context.Context, inv Invocation) (*tools.Result, error) {
	h.mu.RLock()
	entry, ok := h.tools[inv.Name]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcphost: tool %q not found", inv.Name)
	}

	start := time.Now()

	var result *tools.Result
	var execErr error

	if entry.builtinFn != nil {
		result, execErr = h.executeBuiltin(tools.WithCallContext(ctx, inv.CallContext), entry, inv.Arguments)
	} else {
		result, execErr = h.executeMCPTool(ctx, entry, inv)
	}

	if execErr != nil {
		return nil, execErr
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// Invocation aliases the registry invocation type for call sites that import
// only this package.
type Invocation = tools.Invocation

// executeBuiltin calls the in-process handler for a builtin tool.
func (h *Host) executeBuiltin(ctx context.Context, entry toolEntry, args string) (*tools.Result, error) {
	output, err := entry.builtinFn(ctx, args)
	if err != nil {
		return &tools.Result{Content: err.Error(), IsError: true}, nil
	}
	return &tools.Result{Content: output}, nil
}

// executeMCPTool routes the call to the appropriate server session. The
// invocation's call context travels as request _meta so servers can see the
// transport metadata without it polluting tool arguments.
func (h *Host) executeMCPTool(ctx context.Context, entry toolEntry, inv Invocation) (*tools.Result, error) {
	h.mu.RLock()
	conn, ok := h.servers[entry.serverName]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcphost: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	// Decode args into a map for the SDK.
	var argsMap map[string]any
	if inv.Arguments != "" && inv.Arguments != "{}" {
		if err := json.Unmarshal([]byte(inv.Arguments), &argsMap); err != nil {
			return nil, fmt.Errorf("mcphost: invalid args JSON for tool %q: %w", entry.def.Name, err)
		}
	}

	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Meta:      mcpsdk.Meta(inv.CallContext),
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("mcphost: call to tool %q failed: %w", entry.def.Name, err)
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &tools.Result{
		Content: sb.String(),
		IsError: callResult.IsError,
	}, nil
}

// Close shuts down all server connections and releases associated resources.
// After Close returns the Host must not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcphost: error closing server %q: %w", name, err)
		}
		delete(h.servers, name)
	}

	h.tools = make(map[string]toolEntry)

	return firstErr
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
