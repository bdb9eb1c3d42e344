package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/vaani-labs/vaani/internal/session"
	"github.com/vaani-labs/vaani/pkg/types"
)

// interruptedMarker is appended to a truncated assistant message so the model
// sees, on the next turn, that the caller never heard the rest.
const interruptedMarker = "... [interrupted]"

// conversationLog is the pipeline's view of the session's message history:
// an in-memory slice for building LLM requests, written through to the
// session store on every append. Mutated only by the orchestrator loop.
type conversationLog struct {
	sessionID string
	store     session.Store
	messages  []types.Message
}

func newConversationLog(sessionID string, store session.Store) *conversationLog {
	return &conversationLog{sessionID: sessionID, store: store}
}

// append adds msg to the local log and persists it.
func (l *conversationLog) append(ctx context.Context, msg types.Message) error {
	l.messages = append(l.messages, msg)
	if err := l.store.AppendMessage(ctx, l.sessionID, msg); err != nil {
		return fmt.Errorf("pipeline: persist message: %w", err)
	}
	return nil
}

// snapshot returns a copy of the messages for an LLM request.
func (l *conversationLog) snapshot() []types.Message {
	out := make([]types.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// truncateLastAssistant rewrites the most recent assistant message with
// non-empty content to the played prefix plus the interrupted marker. This is
// the sole legal mutation of an appended message. A played prefix at least as
// long as the content means the caller heard everything; nothing changes.
func (l *conversationLog) truncateLastAssistant(ctx context.Context, played string) error {
	for i := len(l.messages) - 1; i >= 0; i-- {
		m := &l.messages[i]
		if m.Role != "assistant" || m.Content == "" {
			continue
		}
		if len(played) >= len(m.Content) {
			return nil
		}
		m.Content = interruptedContent(played)
		if err := l.store.ReplaceLastAssistant(ctx, l.sessionID, m.Content); err != nil {
			return fmt.Errorf("pipeline: truncate assistant message: %w", err)
		}
		return nil
	}
	return nil
}

// interruptedContent builds the truncated assistant content from the played
// sentence prefix.
func interruptedContent(played string) string {
	played = strings.TrimSpace(played)
	if played == "" {
		return interruptedMarker
	}
	return played + " " + interruptedMarker
}
