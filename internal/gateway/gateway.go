// Package gateway exposes the voice pipeline over WebSocket.
//
// One connection maps to exactly one pipeline: the gateway creates the
// pipeline when the socket is accepted and stops it when the socket goes
// away, whichever side closes first. Inbound binary messages are PCM frames
// for the pipeline; outbound traffic is JSON text messages for events and
// binary messages for synthesized audio.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vaani-labs/vaani/internal/pipeline"
	"github.com/vaani-labs/vaani/pkg/types"
)

// stopDrainTimeout bounds how long a disconnecting socket waits for its
// pipeline to finish tearing down.
const stopDrainTimeout = 5 * time.Second

// Conversation is the per-connection pipeline surface the gateway drives.
// *pipeline.Pipeline satisfies it; tests substitute fakes.
type Conversation interface {
	Start(ctx context.Context) error
	WriteAudio(frame []byte) error
	Events() <-chan pipeline.Event
	Stop()
	Done() <-chan struct{}
}

// Factory builds the Conversation for a newly accepted connection.
type Factory func(sessionID, callerID string) (Conversation, error)

// Server accepts WebSocket connections and binds each to one pipeline.
type Server struct {
	factory        Factory
	logger         *slog.Logger
	originPatterns []string

	mu    sync.Mutex
	conns map[string]Conversation
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithOriginPatterns sets the allowed WebSocket origins. Defaults to
// same-origin only.
func WithOriginPatterns(patterns []string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// NewServer returns a Server that builds one Conversation per connection.
func NewServer(factory Factory, opts ...Option) *Server {
	s := &Server{
		factory: factory,
		logger:  slog.Default(),
		conns:   make(map[string]Conversation),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	return s
}

// Register adds the WebSocket route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/call", s.handleCall)
}

// Shutdown stops every live conversation and waits for them to drain or for
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]Conversation, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Stop()
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
		}
	}
	return nil
}

// wireEvent is the JSON envelope for text-frame events. Audio chunks travel
// as binary frames instead and never appear here.
type wireEvent struct {
	Type      pipeline.EventType   `json:"type"`
	Text      string               `json:"text,omitempty"`
	LatencyMs int64                `json:"latencyMs,omitempty"`
	ToolCall  *types.ToolCall      `json:"toolCall,omitempty"`
	Metrics   *pipeline.TurnReport `json:"metrics,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// controlMessage is the inbound text-frame schema. The only control the
// client sends is an explicit stop.
type controlMessage struct {
	Type string `json:"type"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	sessionID := uuid.NewString()
	callerID := r.URL.Query().Get("caller")
	logger := s.logger.With("session_id", sessionID)

	conv, err := s.factory(sessionID, callerID)
	if err != nil {
		logger.Error("conversation setup failed", "error", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conv.Start(ctx); err != nil {
		logger.Error("pipeline start failed", "error", err)
		conn.Close(websocket.StatusInternalError, "pipeline start failed")
		return
	}

	s.track(sessionID, conv)
	defer s.untrack(sessionID)
	logger.Info("call connected", "caller", callerID)

	// Either loop finishing cancels the other: a closed event channel must
	// unblock the pending read, and a dead socket must stop the writer.
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.readLoop(ctx, conn, conv)
	})
	g.Go(func() error {
		defer cancel()
		return s.writeLoop(ctx, conn, conv)
	})
	err = g.Wait()

	conv.Stop()
	select {
	case <-conv.Done():
	case <-time.After(stopDrainTimeout):
		logger.Warn("pipeline did not drain before the socket closed")
	}

	switch {
	case err == nil, isExpectedClose(err):
		conn.Close(websocket.StatusNormalClosure, "session ended")
		logger.Info("call ended")
	default:
		conn.Close(websocket.StatusInternalError, "session failed")
		logger.Warn("call failed", "error", err)
	}
}

// readLoop forwards inbound frames into the pipeline until the socket or the
// pipeline goes away.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, conv Conversation) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			if err := conv.WriteAudio(data); err != nil {
				if errors.Is(err, pipeline.ErrStopped) {
					return nil
				}
				return fmt.Errorf("gateway: write audio: %w", err)
			}
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Debug("unparseable control message", "error", err)
				continue
			}
			if msg.Type == "stop" {
				conv.Stop()
			}
		}
	}
}

// writeLoop relays pipeline events to the client until the event channel
// closes: audio as binary frames, everything else as JSON text frames.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, conv Conversation) error {
	for ev := range conv.Events() {
		if ev.Type == pipeline.EventTTSAudioChunk {
			if err := conn.Write(ctx, websocket.MessageBinary, ev.Audio); err != nil {
				return err
			}
			continue
		}
		we := wireEvent{
			Type:      ev.Type,
			Text:      ev.Text,
			LatencyMs: ev.LatencyMs,
			ToolCall:  ev.ToolCall,
			Metrics:   ev.Metrics,
			Reason:    ev.Reason,
		}
		if ev.Err != nil {
			we.Error = ev.Err.Error()
		}
		payload, err := json.Marshal(we)
		if err != nil {
			return fmt.Errorf("gateway: encode event: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) track(id string, c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = c
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// isExpectedClose reports whether err is a normal part of a client hanging up.
func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
