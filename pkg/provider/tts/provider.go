// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. The primary entry point is
// OpenStream, which returns a session that accepts sentences and emits raw
// audio chunks as they become available, enabling low-latency pipelining
// between LLM output and the transport. A one-shot Synthesize path serves
// filler audio.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendText after the session has ended.
var ErrSessionClosed = errors.New("tts: session is closed")

// Voice selects the synthesis voice and language for a session.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Language is the BCP-47 language tag (e.g., "en-IN", "hi-IN"). The
	// pipeline updates it mid-turn when the reply switches script.
	Language string

	// SampleRate is the PCM output rate in Hz negotiated with the provider
	// (44100, 22050, or 8000 for telephony). Zero means provider default.
	SampleRate int

	// Encoding is the provider output encoding: "pcm" (raw little-endian
	// 16-bit) or "mulaw" (telephony). Empty means "pcm".
	Encoding string
}

// SynthesisResult is the outcome of a one-shot Synthesize call.
type SynthesisResult struct {
	// AudioContent is the complete synthesised audio.
	AudioContent []byte

	// AudioFormat describes the content encoding (e.g., "pcm_22050", "mp3").
	AudioFormat string

	// DurationMs is the playback length of AudioContent, when known.
	DurationMs int64
}

// SessionHandle represents an open TTS streaming session.
//
// SendText may be called before the upstream connection is ready; sessions
// queue sentences and flush them in order on ready. All methods must be safe
// for concurrent use.
type SessionHandle interface {
	// SendText queues one sentence for synthesis. Sentences are synthesised in
	// submission order. Returns ErrSessionClosed after End or Abort.
	SendText(text string) error

	// SetLanguage updates the voice language for subsequently sent sentences.
	// The pipeline calls it when a reply switches script mid-turn. Providers
	// whose models detect language from the text may treat it as a hint.
	SetLanguage(language string)

	// End signals that no more text will be sent. The session synthesises all
	// queued sentences, then closes Chunks and Done. End must NOT be called if
	// no text was ever sent, as some providers error on empty input; the
	// pipeline's driver guards this by construction.
	End() error

	// Abort cancels the upstream immediately, discarding queued sentences and
	// in-flight audio. Idempotent.
	Abort()

	// Chunks returns a read-only channel emitting raw audio chunks in
	// synthesis order. Closed when the session ends.
	Chunks() <-chan []byte

	// UtteranceDone returns a channel emitting the zero-based index of each
	// sentence whose audio has been fully emitted. The pipeline uses this to
	// track the played prefix for barge-in truncation. Closed when the
	// session ends.
	UtteranceDone() <-chan int

	// Done returns a channel that is closed when the upstream session has
	// ended for any reason. Check Err afterwards.
	Done() <-chan struct{}

	// Err returns the error that terminated the session, or nil. Valid only
	// after Done is closed.
	Err() error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may run
// in parallel (one per active call).
type Provider interface {
	// OpenStream opens a new streaming synthesis session for the given voice.
	// The returned SessionHandle accepts text immediately, queueing until the
	// upstream reports ready.
	OpenStream(ctx context.Context, voice Voice) (SessionHandle, error)

	// Synthesize performs a one-shot synthesis of text, used for filler audio
	// played during tool execution. Not suitable for the hot path.
	Synthesize(ctx context.Context, text string, voice Voice) (*SynthesisResult, error)
}
