package resilience

import (
	"context"

	"github.com/vaani-labs/vaani/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// OpenStream opens a streaming synthesis session against the first healthy
// provider. Only the initial stream setup is covered by failover; mid-stream
// errors are the caller's responsibility.
func (f *TTSFallback) OpenStream(ctx context.Context, voice tts.Voice) (tts.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.SessionHandle, error) {
		return p.OpenStream(ctx, voice)
	})
}

// Synthesize performs a one-shot synthesis against the first healthy provider.
// Used for filler audio where any healthy backend's voice is acceptable.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.SynthesisResult, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (*tts.SynthesisResult, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
