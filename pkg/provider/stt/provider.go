// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or
// a compatible streaming API) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio frames and emits two streams of Transcript values: low-latency
// partials for responsiveness and authoritative finals for the conversation
// log.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/vaani-labs/vaani/pkg/types"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000 (browser
	// capture downsampled for STT), 8000 (telephony).
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en-IN",
	// "hi-IN"). An empty string lets the provider auto-detect the language,
	// if supported.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close or Abort when the session is no longer needed.
// Failing to do so may leak goroutines and network connections inside the
// provider implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate agreed in
	// StreamConfig. Frames are delivered upstream in arrival order. Calling
	// SendAudio after Close or Abort returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These drive
	// the turn arbiter's speech-resumed detection but must not be written to
	// the conversation log. The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the values accumulated into the user's turn. The channel is closed
	// when the session ends.
	Finals() <-chan types.Transcript

	// Done returns a channel that is closed when the upstream session has
	// ended for any reason. Check Err afterwards to distinguish a clean end
	// from an upstream failure.
	Done() <-chan struct{}

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly. Valid only after Done is closed.
	Err() error

	// Close ends the session gracefully: pending audio is flushed upstream and
	// any resulting finals are still emitted before the channels close.
	// Calling Close more than once is safe and returns nil.
	Close() error

	// Abort terminates the session immediately, discarding queued audio.
	// Idempotent; safe to call concurrently with Close.
	Abort()
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per active call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately; implementations queue outbound
	// frames until the upstream reports ready and flush them in order.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close or
	// Abort when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
