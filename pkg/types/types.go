// Package types defines the shared types used across all Vaani packages.
//
// These types form the lingua franca between providers, the pipeline, the
// tool registry, and the session store. They are intentionally minimal; each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of caller audio flowing into the
// pipeline: little-endian signed 16-bit PCM, mono, at the STT session rate.
// Frames are copied on enqueue; no shared buffers cross component boundaries.
type AudioFrame struct {
	// PCM audio data. Sample rate is determined by the session's STT config.
	Data []byte

	// SampleRate in Hz (typically 16000 for STT input, 8000 for telephony).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []WordDetail

	// Language is the BCP-47 tag detected by the provider, when reported.
	Language string

	// Timestamp marks when the result arrived, relative to session start.
	Timestamp time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in the conversation log.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message. May be empty for assistant
	// messages that carry only tool calls.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// message responds to.
	ToolCallID string

	// Name is the tool name when Role is "tool".
	Name string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// Usage holds token accounting returned by the LLM backend for one request.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int

	// CachedContentTokens is the portion of PromptTokens served from the
	// provider's prompt cache, when reported.
	CachedContentTokens int
}
