// Package postgres provides a PostgreSQL-backed implementation of
// [session.Store].
//
// Call records, conversation messages, and per-turn latency metrics are
// written to three tables sharing a single [pgxpool.Pool]. [Migrate] creates
// the tables idempotently.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Create(ctx, &session.Session{ID: id, StartedAt: time.Now()})
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaani-labs/vaani/internal/session"
	"github.com/vaani-labs/vaani/pkg/types"
)

const ddl = `
CREATE TABLE IF NOT EXISTS call_sessions (
    id            TEXT         PRIMARY KEY,
    caller_id     TEXT         NOT NULL DEFAULT '',
    call_context  JSONB        NOT NULL DEFAULT '{}',
    language      TEXT         NOT NULL DEFAULT '',
    system_prompt TEXT         NOT NULL DEFAULT '',
    started_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS call_messages (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL REFERENCES call_sessions (id),
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL DEFAULT '',
    tool_call_id TEXT         NOT NULL DEFAULT '',
    name         TEXT         NOT NULL DEFAULT '',
    tool_calls   JSONB        NOT NULL DEFAULT '[]',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_messages_session
    ON call_messages (session_id, id);

CREATE TABLE IF NOT EXISTS call_turns (
    id                  BIGSERIAL    PRIMARY KEY,
    session_id          TEXT         NOT NULL REFERENCES call_sessions (id),
    turn                INT          NOT NULL,
    first_llm_token_ms  BIGINT       NOT NULL DEFAULT 0,
    first_audio_byte_ms BIGINT       NOT NULL DEFAULT 0,
    turn_duration_ms    BIGINT       NOT NULL DEFAULT 0,
    barged_in           BOOLEAN      NOT NULL DEFAULT false,
    tool_calls          INT          NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_turns_session
    ON call_turns (session_id, turn);
`

// Store is a PostgreSQL-backed [session.Store].
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time check that Store implements session.Store.
var _ session.Store = (*Store)(nil)

// NewStore establishes a connection pool to the PostgreSQL database at dsn
// and runs [Migrate] to ensure all required tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("session postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("session postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session postgres: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the call record tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("session postgres: apply ddl: %w", err)
	}
	return nil
}

// Create implements session.Store.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session postgres: create: ID must not be empty")
	}
	callContext, err := json.Marshal(sess.CallContext)
	if err != nil {
		return fmt.Errorf("session postgres: marshal call context: %w", err)
	}
	const q = `
		INSERT INTO call_sessions (id, caller_id, call_context, language, system_prompt, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.pool.Exec(ctx, q, sess.ID, sess.CallerID, callContext, sess.Language, sess.SystemPrompt, sess.StartedAt)
	if err != nil {
		return fmt.Errorf("session postgres: create: %w", err)
	}
	return nil
}

// AppendMessage implements session.Store.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg types.Message) error {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("session postgres: marshal tool calls: %w", err)
	}

	const q = `
		INSERT INTO call_messages (session_id, role, content, tool_call_id, name, tool_calls)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.pool.Exec(ctx, q, sessionID, msg.Role, msg.Content, msg.ToolCallID, msg.Name, toolCalls); err != nil {
		return fmt.Errorf("session postgres: append message: %w", err)
	}
	return nil
}

// ReplaceLastAssistant implements session.Store. It rewrites the content of
// the session's most recent spoken assistant message, the sole legal mutation
// of a persisted log. Content-less tool-call carriers are skipped.
func (s *Store) ReplaceLastAssistant(ctx context.Context, sessionID string, content string) error {
	const q = `
		UPDATE call_messages
		SET    content = $2
		WHERE  id = (
		    SELECT id FROM call_messages
		    WHERE  session_id = $1 AND role = 'assistant' AND content <> ''
		    ORDER  BY id DESC
		    LIMIT  1
		)`

	tag, err := s.pool.Exec(ctx, q, sessionID, content)
	if err != nil {
		return fmt.Errorf("session postgres: replace last assistant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish an unknown session from a log without assistant turns.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM call_sessions WHERE id = $1)`, sessionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("session postgres: replace last assistant: %w", err)
		}
		if !exists {
			return session.ErrNotFound
		}
	}
	return nil
}

// RecordTurn implements session.Store.
func (s *Store) RecordTurn(ctx context.Context, sessionID string, tm session.TurnMetrics) error {
	const q = `
		INSERT INTO call_turns
		    (session_id, turn, first_llm_token_ms, first_audio_byte_ms, turn_duration_ms, barged_in, tool_calls)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		sessionID, tm.Turn, tm.FirstLLMTokenMs, tm.FirstAudioByteMs, tm.TurnDurationMs, tm.BargedIn, tm.ToolCalls)
	if err != nil {
		return fmt.Errorf("session postgres: record turn: %w", err)
	}
	return nil
}

// End implements session.Store.
func (s *Store) End(ctx context.Context, sessionID string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_sessions SET ended_at = $2 WHERE id = $1`, sessionID, endedAt)
	if err != nil {
		return fmt.Errorf("session postgres: end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	sess := &session.Session{}
	var (
		endedAt     *time.Time
		callContext []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, caller_id, call_context, language, system_prompt, started_at, ended_at
		FROM   call_sessions
		WHERE  id = $1`, sessionID,
	).Scan(&sess.ID, &sess.CallerID, &callContext, &sess.Language, &sess.SystemPrompt, &sess.StartedAt, &endedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("session postgres: get: %w", err)
	}
	if err := json.Unmarshal(callContext, &sess.CallContext); err != nil {
		return nil, fmt.Errorf("session postgres: unmarshal call context: %w", err)
	}
	if endedAt != nil {
		sess.EndedAt = *endedAt
	}

	rows, err := s.pool.Query(ctx, `
		SELECT role, content, tool_call_id, name, tool_calls
		FROM   call_messages
		WHERE  session_id = $1
		ORDER  BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session postgres: get messages: %w", err)
	}
	sess.Messages, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var (
			m         types.Message
			toolCalls []byte
		)
		if err := row.Scan(&m.Role, &m.Content, &m.ToolCallID, &m.Name, &toolCalls); err != nil {
			return types.Message{}, err
		}
		if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
			return types.Message{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session postgres: scan messages: %w", err)
	}

	turnRows, err := s.pool.Query(ctx, `
		SELECT turn, first_llm_token_ms, first_audio_byte_ms, turn_duration_ms, barged_in, tool_calls
		FROM   call_turns
		WHERE  session_id = $1
		ORDER  BY turn`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session postgres: get turns: %w", err)
	}
	sess.Turns, err = pgx.CollectRows(turnRows, func(row pgx.CollectableRow) (session.TurnMetrics, error) {
		var tm session.TurnMetrics
		err := row.Scan(&tm.Turn, &tm.FirstLLMTokenMs, &tm.FirstAudioByteMs, &tm.TurnDurationMs, &tm.BargedIn, &tm.ToolCalls)
		return tm, err
	})
	if err != nil {
		return nil, fmt.Errorf("session postgres: scan turns: %w", err)
	}

	return sess, nil
}

// Close implements session.Store. It releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
