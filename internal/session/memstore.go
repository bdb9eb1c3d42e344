package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vaani-labs/vaani/pkg/types"
)

// MemStore is an in-memory [Store]. Suitable for tests and deployments that
// do not need call records to survive a restart.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Compile-time check that MemStore implements Store.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*Session)}
}

// Create implements Store.
func (m *MemStore) Create(_ context.Context, s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("session: create: ID must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session: create: duplicate ID %q", s.ID)
	}
	cp := *s
	cp.Messages = append([]types.Message(nil), s.Messages...)
	cp.Turns = append([]TurnMetrics(nil), s.Turns...)
	m.sessions[s.ID] = &cp
	return nil
}

// AppendMessage implements Store.
func (m *MemStore) AppendMessage(_ context.Context, sessionID string, msg types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Messages = append(s.Messages, msg)
	return nil
}

// ReplaceLastAssistant implements Store.
func (m *MemStore) ReplaceLastAssistant(_ context.Context, sessionID string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		// Content-less assistant messages carry tool calls; they are never
		// spoken, so truncation skips them.
		if s.Messages[i].Role == "assistant" && s.Messages[i].Content != "" {
			s.Messages[i].Content = content
			return nil
		}
	}
	return nil
}

// RecordTurn implements Store.
func (m *MemStore) RecordTurn(_ context.Context, sessionID string, tm TurnMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Turns = append(s.Turns, tm)
	return nil
}

// End implements Store.
func (m *MemStore) End(_ context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.EndedAt = endedAt
	return nil
}

// Get implements Store. The returned session is a deep copy.
func (m *MemStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	cp.Messages = append([]types.Message(nil), s.Messages...)
	cp.Turns = append([]TurnMetrics(nil), s.Turns...)
	return &cp, nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	return nil
}
