package mcphost

import (
	"context"
	"testing"

	"github.com/vaani-labs/vaani/internal/tools"
	"github.com/vaani-labs/vaani/pkg/types"
)

func TestTransport_IsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		transport Transport
		want      bool
	}{
		{TransportStdio, true},
		{TransportStreamableHTTP, true},
		{Transport("sse"), false},
		{Transport(""), false},
	}
	for _, tt := range tests {
		if got := tt.transport.IsValid(); got != tt.want {
			t.Errorf("IsValid(%q): want %v, got %v", tt.transport, tt.want, got)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantExe  string
		wantArgs int
	}{
		{"/bin/foo --bar baz", "/bin/foo", 2},
		{"server", "server", 0},
		{"", "", 0},
		{"   ", "", 0},
	}
	for _, tt := range tests {
		exe, args := splitCommand(tt.in)
		if exe != tt.wantExe {
			t.Errorf("splitCommand(%q): exe want %q, got %q", tt.in, tt.wantExe, exe)
		}
		if len(args) != tt.wantArgs {
			t.Errorf("splitCommand(%q): args want %d, got %d", tt.in, tt.wantArgs, len(args))
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	if m := schemaToMap(nil); m["type"] != "object" {
		t.Errorf("nil schema: want default object, got %v", m)
	}

	in := map[string]any{"type": "object", "properties": map[string]any{}}
	if m := schemaToMap(in); m["type"] != "object" {
		t.Errorf("map passthrough failed: %v", m)
	}

	// Arbitrary struct round-trips through JSON.
	type schema struct {
		Type string `json:"type"`
	}
	if m := schemaToMap(schema{Type: "object"}); m["type"] != "object" {
		t.Errorf("struct schema: got %v", m)
	}
}

func TestRegisterServer_Validation(t *testing.T) {
	t.Parallel()

	h := New()
	defer h.Close()

	ctx := context.Background()
	if err := h.RegisterServer(ctx, ServerConfig{}); err == nil {
		t.Error("empty name: want error")
	}
	if err := h.RegisterServer(ctx, ServerConfig{Name: "a", Transport: "carrier-pigeon"}); err == nil {
		t.Error("bad transport: want error")
	}
	if err := h.RegisterServer(ctx, ServerConfig{Name: "a", Transport: TransportStdio}); err == nil {
		t.Error("stdio without command: want error")
	}
	if err := h.RegisterServer(ctx, ServerConfig{Name: "a", Transport: TransportStreamableHTTP}); err == nil {
		t.Error("http without URL: want error")
	}
}

func TestRegisterBuiltin_AndExecute(t *testing.T) {
	t.Parallel()

	h := New()
	defer h.Close()

	var seenCtx map[string]any
	err := h.RegisterBuiltin(tools.BuiltinTool{
		Definition: types.ToolDefinition{Name: "echo", Parameters: map[string]any{"type": "object"}},
		Handler: func(ctx context.Context, args string) (string, error) {
			seenCtx = tools.CallContextFrom(ctx)
			return args, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	defs := h.Definitions()
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Fatalf("Definitions: got %+v", defs)
	}

	res, err := h.Execute(context.Background(), tools.Invocation{
		Name:        "echo",
		Arguments:   `{"a":1}`,
		CallContext: map[string]any{"caller_id": "+911234567890"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != `{"a":1}` {
		t.Errorf("Content: got %q", res.Content)
	}
	if res.IsError {
		t.Error("IsError: want false")
	}
	if got, _ := seenCtx["caller_id"].(string); got != "+911234567890" {
		t.Errorf("builtin call context = %v, want the invocation's caller_id", seenCtx)
	}
}

func TestRegisterBuiltin_Validation(t *testing.T) {
	t.Parallel()

	h := New()
	defer h.Close()

	if err := h.RegisterBuiltin(tools.BuiltinTool{}); err == nil {
		t.Error("empty name: want error")
	}
	if err := h.RegisterBuiltin(tools.BuiltinTool{
		Definition: types.ToolDefinition{Name: "x"},
	}); err == nil {
		t.Error("nil handler: want error")
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	t.Parallel()

	h := New()
	defer h.Close()

	if _, err := h.Execute(context.Background(), tools.Invocation{Name: "ghost"}); err == nil {
		t.Fatal("want error for unknown tool")
	}
}
