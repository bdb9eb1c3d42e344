// Package session defines the conversation session model and its storage
// contract.
//
// A session spans one phone call: it owns the conversation log, the caller's
// language preference, and per-turn latency metrics. The pipeline mutates a
// session in memory and persists it through a [Store]; two implementations
// exist, an in-memory store for tests and single-node deployments, and a
// PostgreSQL store (see the postgres subpackage) for durable call records.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/vaani-labs/vaani/pkg/types"
)

// ErrNotFound is returned by Store lookups for unknown session IDs.
var ErrNotFound = errors.New("session: not found")

// TurnMetrics captures the latency profile of one completed turn.
type TurnMetrics struct {
	// Turn is the 1-based index of the turn within the session.
	Turn int

	// FirstLLMTokenMs is the time from final transcript to the first LLM
	// token, in milliseconds.
	FirstLLMTokenMs int64

	// FirstAudioByteMs is the time from final transcript to the first TTS
	// audio byte, in milliseconds. This is the caller-perceived response
	// latency.
	FirstAudioByteMs int64

	// TurnDurationMs is the total processing time of the turn.
	TurnDurationMs int64

	// BargedIn reports whether the caller interrupted playback of this turn.
	BargedIn bool

	// ToolCalls is the number of tool invocations the turn required.
	ToolCalls int
}

// Session is the durable record of one call.
type Session struct {
	// ID uniquely identifies the session. Assigned at creation.
	ID string

	// CallerID identifies the remote party when the transport knows it
	// (e.g. a phone number or a WebSocket client ID). May be empty.
	CallerID string

	// CallContext is opaque transport metadata attached at call setup and
	// forwarded with every tool invocation. May be nil.
	CallContext map[string]any

	// Language is the BCP-47 tag the conversation currently runs in.
	Language string

	// SystemPrompt is the agent instruction active for this call.
	SystemPrompt string

	// StartedAt is when the transport connected.
	StartedAt time.Time

	// EndedAt is when the call finished. Zero while the call is live.
	EndedAt time.Time

	// Messages is the conversation log in chronological order.
	Messages []types.Message

	// Turns holds per-turn latency metrics in turn order.
	Turns []TurnMetrics
}

// Store persists sessions. Implementations must be safe for concurrent use;
// the gateway serves many calls at once.
type Store interface {
	// Create persists a new session record. The session's ID must be set and
	// unique.
	Create(ctx context.Context, s *Session) error

	// AppendMessage appends one message to the session's conversation log.
	AppendMessage(ctx context.Context, sessionID string, msg types.Message) error

	// ReplaceLastAssistant rewrites the content of the most recent assistant
	// message that has spoken content, skipping content-less tool-call
	// carriers. Used when a barge-in truncates a reply to its played prefix.
	// Returns ErrNotFound if the session does not exist; a missing assistant
	// message is a no-op.
	ReplaceLastAssistant(ctx context.Context, sessionID string, content string) error

	// RecordTurn appends the latency metrics of one completed turn.
	RecordTurn(ctx context.Context, sessionID string, tm TurnMetrics) error

	// End marks the session finished at the given time.
	End(ctx context.Context, sessionID string, endedAt time.Time) error

	// Get returns the session with the given ID, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Close releases any resources held by the store.
	Close() error
}
