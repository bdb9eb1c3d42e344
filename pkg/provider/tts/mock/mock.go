// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to verify which Voice the pipeline opens streams with, and
// Session to script per-sentence audio output. By default every SendText
// emits one audio chunk followed by its utterance-done index, mirroring a
// provider that synthesises each sentence independently.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/vaani-labs/vaani/pkg/provider/tts"
)

// OpenStreamCall records a single invocation of Provider.OpenStream.
type OpenStreamCall struct {
	// Ctx is the context passed to OpenStream.
	Ctx context.Context
	// Voice is the Voice passed to OpenStream.
	Voice tts.Voice
}

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the Voice passed to Synthesize.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by OpenStream. If nil, each OpenStream call returns
	// a fresh Session from NewSession; the sessions are appended to Sessions.
	Session tts.SessionHandle

	// OpenStreamErr, if non-nil, is returned as the error from OpenStream.
	OpenStreamErr error

	// SynthesizeResult is returned by Synthesize. If nil, Synthesize returns
	// a result whose AudioContent is "synth:" + text.
	SynthesizeResult *tts.SynthesisResult

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// OpenStreamCalls records every call to OpenStream in order.
	OpenStreamCalls []OpenStreamCall

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// Sessions collects the auto-created sessions, one per OpenStream call.
	Sessions []*Session
}

// Compile-time check that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// OpenStream records the call and returns Session or a fresh auto-session.
func (p *Provider) OpenStream(ctx context.Context, voice tts.Voice) (tts.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenStreamCalls = append(p.OpenStreamCalls, OpenStreamCall{Ctx: ctx, Voice: voice})
	if p.OpenStreamErr != nil {
		return nil, p.OpenStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.Voice) (*tts.SynthesisResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	if p.SynthesizeResult != nil {
		return p.SynthesizeResult, nil
	}
	return &tts.SynthesisResult{
		AudioContent: []byte("synth:" + text),
		AudioFormat:  "pcm_22050",
		DurationMs:   500,
	}, nil
}

// Session is a mock implementation of tts.SessionHandle.
//
// Unless AutoEmit is disabled, every SendText emits one audio chunk
// ("audio-<n>" or the corresponding entry from ScriptedChunks) followed by the
// utterance-done index for that sentence.
type Session struct {
	mu sync.Mutex

	// ScriptedChunks optionally scripts the audio emitted per sentence, by index.
	// Sentences beyond the slice emit "audio-<n>".
	ScriptedChunks [][]byte

	// DisableAutoEmit suppresses automatic chunk emission; tests then drive
	// ChunksCh and UtteranceDoneCh directly.
	DisableAutoEmit bool

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// SessionErr is returned by Err after the session ends.
	SessionErr error

	// ChunksCh is the channel returned by Chunks().
	ChunksCh chan []byte

	// UtteranceDoneCh is the channel returned by UtteranceDone.
	UtteranceDoneCh chan int

	// DoneCh is closed when the session ends.
	DoneCh chan struct{}

	// SendTextCalls records every sentence passed to SendText in order.
	SendTextCalls []string

	// LanguageLog pairs each SendText call with the language in effect when it
	// was made, recording SetLanguage ordering relative to sentences.
	LanguageLog []string

	// language is the most recent SetLanguage value.
	language string

	// EndCallCount is the number of times End was called.
	EndCallCount int

	// AbortCallCount is the number of times Abort was called.
	AbortCallCount int

	closed bool
}

// Compile-time check that Session implements tts.SessionHandle.
var _ tts.SessionHandle = (*Session)(nil)

// NewSession returns a Session with buffered channels, ready for use.
func NewSession() *Session {
	return &Session{
		ChunksCh:        make(chan []byte, 64),
		UtteranceDoneCh: make(chan int, 64),
		DoneCh:          make(chan struct{}),
	}
}

// SendText records the sentence and, with auto-emit on, plays back one chunk
// plus the matching utterance-done index.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tts.ErrSessionClosed
	}
	if s.SendTextErr != nil {
		return s.SendTextErr
	}
	idx := len(s.SendTextCalls)
	s.SendTextCalls = append(s.SendTextCalls, text)
	s.LanguageLog = append(s.LanguageLog, s.language)
	if !s.DisableAutoEmit {
		chunk := []byte(fmt.Sprintf("audio-%d", idx))
		if idx < len(s.ScriptedChunks) {
			chunk = s.ScriptedChunks[idx]
		}
		s.ChunksCh <- chunk
		s.UtteranceDoneCh <- idx
	}
	return nil
}

// SetLanguage records the language for subsequent SendText calls.
func (s *Session) SetLanguage(language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = language
}

// End records the call and ends the session.
func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndCallCount++
	s.endLocked()
	return nil
}

// Abort records the call and ends the session.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AbortCallCount++
	s.endLocked()
}

// Fail simulates an upstream failure terminating the session.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.SessionErr = err
	}
	s.endLocked()
}

// Chunks returns ChunksCh.
func (s *Session) Chunks() <-chan []byte { return s.ChunksCh }

// UtteranceDone returns UtteranceDoneCh.
func (s *Session) UtteranceDone() <-chan int { return s.UtteranceDoneCh }

// Done returns DoneCh.
func (s *Session) Done() <-chan struct{} { return s.DoneCh }

// Err returns SessionErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionErr
}

func (s *Session) endLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.DoneCh)
	close(s.ChunksCh)
	close(s.UtteranceDoneCh)
}
