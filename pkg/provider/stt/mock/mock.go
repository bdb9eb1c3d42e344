// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.FinalsCh <- types.Transcript{Text: "hello", IsFinal: true}
package mock

import (
	"context"
	"sync"

	"github.com/vaani-labs/vaani/pkg/provider/stt"
	"github.com/vaani-labs/vaani/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a fresh Session from NewSession.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// Compile-time check that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Session is a mock implementation of stt.SessionHandle.
//
// Tests send Transcript values on PartialsCh and FinalsCh to simulate
// provider events. Close and Abort close DoneCh and both transcript
// channels exactly once.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials. Tests own sends.
	PartialsCh chan types.Transcript

	// FinalsCh is the channel returned by Finals. Tests own sends.
	FinalsCh chan types.Transcript

	// DoneCh is closed when the session ends.
	DoneCh chan struct{}

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SessionErr is returned by Err after the session ends.
	SessionErr error

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// AbortCallCount is the number of times Abort was called.
	AbortCallCount int

	closed bool
}

// Compile-time check that Session implements stt.SessionHandle.
var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with buffered channels, ready for use.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
		DoneCh:     make(chan struct{}),
	}
}

// SendAudio records a copy of chunk and returns SendAudioErr. After the
// session has ended it returns stt.ErrSessionClosed.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan types.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan types.Transcript { return s.FinalsCh }

// Done returns DoneCh.
func (s *Session) Done() <-chan struct{} { return s.DoneCh }

// Err returns SessionErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionErr
}

// Close records the call and ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
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

// End simulates the upstream terminating the session (e.g., a network error)
// without the caller having requested it. err becomes the Err result.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.SessionErr = err
	}
	s.endLocked()
}

func (s *Session) endLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.DoneCh)
	close(s.PartialsCh)
	close(s.FinalsCh)
}
