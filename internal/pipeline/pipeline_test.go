package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vaani-labs/vaani/internal/session"
	toolsmock "github.com/vaani-labs/vaani/internal/tools/mock"
	"github.com/vaani-labs/vaani/pkg/provider/llm"
	llmmock "github.com/vaani-labs/vaani/pkg/provider/llm/mock"
	sttmock "github.com/vaani-labs/vaani/pkg/provider/stt/mock"
	"github.com/vaani-labs/vaani/pkg/provider/tts"
	ttsmock "github.com/vaani-labs/vaani/pkg/provider/tts/mock"
	"github.com/vaani-labs/vaani/pkg/types"
)

// rig wires a pipeline to mock providers and an in-memory store.
type rig struct {
	stt     *sttmock.Provider
	sttSess *sttmock.Session
	llm     *llmmock.Provider
	tts     *ttsmock.Provider
	reg     *toolsmock.Registry
	store   *session.MemStore
	p       *Pipeline
}

func newTestRig() *rig {
	r := &rig{
		sttSess: sttmock.NewSession(),
		llm:     &llmmock.Provider{},
		tts:     &ttsmock.Provider{},
		reg:     &toolsmock.Registry{},
		store:   session.NewMemStore(),
	}
	r.stt = &sttmock.Provider{Session: r.sttSess}
	return r
}

// start builds and starts the pipeline. mod adjusts the config before New.
func (r *rig) start(t *testing.T, mod func(*Config)) {
	t.Helper()
	cfg := Config{
		SessionID:       "call-1",
		CallerID:        "+911234567890",
		STT:             r.stt,
		LLM:             r.llm,
		TTS:             r.tts,
		Tools:           r.reg,
		Store:           r.store,
		SystemPrompt:    "You are a helpful bank agent.",
		Language:        "en-IN",
		Voice:           tts.Voice{ID: "v1", SampleRate: 22050, Encoding: "pcm"},
		BaseSilenceWait: 20 * time.Millisecond,
		MaxSilenceWait:  40 * time.Millisecond,
		ToolTimeout:     2 * time.Second,
		TTSEndTimeout:   2 * time.Second,
		Logger:          discardLogger(),
	}
	if mod != nil {
		mod(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.p = p
	t.Cleanup(func() {
		p.Stop()
		for range p.Events() {
		}
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Error("pipeline did not stop during cleanup")
		}
	})
}

func (r *rig) sendFinal(text string, confidence float64) {
	r.sttSess.FinalsCh <- types.Transcript{Text: text, IsFinal: true, Confidence: confidence}
}

// collectUntil drains Events until stop matches, the channel closes, or the
// timeout expires.
func collectUntil(t *testing.T, p *Pipeline, timeout time.Duration, stop func(Event) bool) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			if stop(ev) {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event; saw %v", eventTypes(events))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// bigPCM is large enough that the TTS driver flushes it immediately.
func bigPCM(ms int) []byte {
	return bytes.Repeat([]byte{1, 0}, 22050*ms/1000)
}

// ─── scenarios ───

func TestPipelineHappyTurn(t *testing.T) {
	r := newTestRig()
	r.llm.StreamChunks = []llm.Chunk{
		{Text: "Your balance is "},
		{Text: "five hundred rupees. "},
		{Text: "Anything else?"},
		{FinishReason: "stop"},
	}
	sess := ttsmock.NewSession()
	sess.ScriptedChunks = [][]byte{bigPCM(400), bigPCM(400)}
	r.tts.Session = sess
	r.start(t, nil)

	r.sendFinal("What is my account balance?", 0.95)

	events := collectUntil(t, r.p, 2*time.Second, func(ev Event) bool {
		return ev.Type == EventTurnComplete
	})

	if countType(events, EventSTTFinal) != 1 {
		t.Error("expected one stt_final event")
	}
	if countType(events, EventLLMToken) < 3 {
		t.Errorf("expected streamed tokens, saw %v", eventTypes(events))
	}
	if got := countType(events, EventLLMSentence); got != 2 {
		t.Errorf("llm_sentence events = %d, want 2", got)
	}
	if countType(events, EventBargeIn) != 0 {
		t.Error("unexpected barge_in on an uninterrupted turn")
	}

	var report *TurnReport
	for _, ev := range events {
		if ev.Type == EventTurnComplete {
			report = ev.Metrics
		}
	}
	if report == nil || report.Turn != 1 {
		t.Fatalf("turn report = %+v, want turn 1", report)
	}
	if report.FirstLLMTokenMs < 0 || report.TurnDurationMs <= 0 {
		t.Errorf("implausible latencies: %+v", report)
	}
	for _, stage := range []string{"llm", "tts"} {
		if _, ok := report.Stages[stage]; !ok {
			t.Errorf("turn report stages = %v, missing %q", report.Stages, stage)
		}
	}
	if report.Stages["llm"] < 0 {
		t.Errorf("llm stage duration = %d, want >= 0", report.Stages["llm"])
	}

	// First audio byte may trail the report when synthesis lags the stream,
	// but it must arrive.
	if countType(events, EventFirstAudioByte) == 0 {
		collectUntil(t, r.p, 2*time.Second, func(ev Event) bool {
			return ev.Type == EventFirstAudioByte
		})
	}

	s, err := r.store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(s.Messages) != 2 || s.Messages[0].Role != "user" || s.Messages[1].Role != "assistant" {
		t.Fatalf("history roles = %v", messageRoles(s.Messages))
	}
	want := "Your balance is five hundred rupees. Anything else?"
	if s.Messages[1].Content != want {
		t.Errorf("assistant content = %q, want %q", s.Messages[1].Content, want)
	}
	if len(s.Turns) != 1 || s.Turns[0].BargedIn {
		t.Errorf("turn metrics = %+v, want one clean turn", s.Turns)
	}
}

// gatedLLM streams its leading chunks immediately and withholds the last one
// until release is closed, holding a turn mid-stream while the test drives
// playback.
type gatedLLM struct {
	chunks  []llm.Chunk
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedLLM) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	g.calls.Add(1)
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for i, c := range g.chunks {
			if i == len(g.chunks)-1 {
				select {
				case <-g.release:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (g *gatedLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("gatedLLM: streaming only")
}

func TestPipelineBargeInTruncatesHistory(t *testing.T) {
	r := newTestRig()
	gated := &gatedLLM{
		chunks: []llm.Chunk{
			{Text: "Savings accounts earn four percent. "},
			{Text: "Would you like details?"},
			{FinishReason: "stop"},
		},
		release: make(chan struct{}),
	}
	sess := ttsmock.NewSession()
	sess.DisableAutoEmit = true
	r.tts.Session = sess
	r.start(t, func(c *Config) { c.LLM = gated })

	r.sendFinal("Tell me about your savings accounts.", 0.95)

	waitFor(t, 2*time.Second, func() bool { return len(sess.SendTextCalls) == 2 },
		"sentences never reached TTS")

	// Two seconds of audio for the first sentence; the second never plays.
	sess.ChunksCh <- bigPCM(2000)
	sess.UtteranceDoneCh <- 0

	collectUntil(t, r.p, 2*time.Second, func(ev Event) bool {
		return ev.Type == EventFirstAudioByte
	})

	// The caller talks over the agent.
	loud := pcmFrame(8000, 160)
	for i := 0; i < 3; i++ {
		if err := r.p.WriteAudio(loud); err != nil {
			t.Fatalf("WriteAudio: %v", err)
		}
	}

	collectUntil(t, r.p, 2*time.Second, func(ev Event) bool {
		return ev.Type == EventBargeIn
	})
	waitFor(t, 2*time.Second, func() bool { return r.p.State() == StateIdle },
		"pipeline did not return to idle after barge-in")

	if len(r.sttSess.SendAudioCalls) != 0 {
		t.Errorf("%d frames reached STT during playback; the echo gate must withhold them",
			len(r.sttSess.SendAudioCalls))
	}
	if sess.AbortCallCount != 1 {
		t.Errorf("TTS AbortCallCount = %d, want 1", sess.AbortCallCount)
	}

	s, _ := r.store.Get(context.Background(), "call-1")
	if len(s.Messages) != 2 {
		t.Fatalf("history roles = %v, want user + truncated assistant", messageRoles(s.Messages))
	}
	want := "Savings accounts earn four percent. ... [interrupted]"
	if s.Messages[1].Content != want {
		t.Errorf("assistant content = %q, want %q", s.Messages[1].Content, want)
	}
	if len(s.Turns) != 1 || !s.Turns[0].BargedIn {
		t.Errorf("turn metrics = %+v, want one barged-in turn", s.Turns)
	}
}

func TestPipelineToolCallFlow(t *testing.T) {
	r := newTestRig()
	r.llm.StreamScript = [][]llm.Chunk{
		{
			{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{
				{ID: "t1", Name: "check_balance", Arguments: `{"account":"savings"}`},
			}},
		},
		{
			{Text: "Your savings balance is five hundred rupees."},
			{FinishReason: "stop"},
		},
	}
	r.reg.Defs = []types.ToolDefinition{{Name: "check_balance", Description: "Balance lookup."}}
	r.start(t, func(cfg *Config) {
		cfg.CallContext = map[string]any{"transport": "websocket", "caller_id": "+911234567890"}
	})

	r.sendFinal("What is my savings balance?", 0.95)

	events := collectUntil(t, r.p, 3*time.Second, func(ev Event) bool {
		return ev.Type == EventTurnComplete
	})

	if got := countType(events, EventLLMToolCall); got != 1 {
		t.Fatalf("llm_tool_call events = %d, want 1", got)
	}
	if got := countType(events, EventTurnComplete); got != 1 {
		t.Fatalf("turn_complete events = %d, want exactly 1 across the recursion", got)
	}
	for _, ev := range events {
		if ev.Type == EventTurnComplete && ev.Metrics.Stages["tools"] <= 0 {
			t.Errorf("tools stage duration = %d, want > 0", ev.Metrics.Stages["tools"])
		}
	}

	// The filler chunk precedes the spoken follow-up.
	fillerIdx, sentenceIdx := -1, -1
	for i, ev := range events {
		if ev.Type == EventTTSAudioChunk && bytes.Contains(ev.Audio, []byte("synth:")) && fillerIdx == -1 {
			fillerIdx = i
		}
		if ev.Type == EventLLMSentence {
			sentenceIdx = i
		}
	}
	if fillerIdx == -1 {
		t.Error("no filler audio chunk was emitted")
	}
	if sentenceIdx != -1 && fillerIdx > sentenceIdx {
		t.Error("filler played after the follow-up sentence")
	}

	inv := r.reg.LastInvocation()
	if inv.Name != "check_balance" || inv.SessionID != "call-1" {
		t.Errorf("tool invocation = %+v", inv)
	}
	if got, _ := inv.CallContext["transport"].(string); got != "websocket" {
		t.Errorf("invocation call context = %v, want the session's transport metadata", inv.CallContext)
	}

	req := r.llm.LastStreamReq()
	roles := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		roles[i] = m.Role
	}
	if len(roles) != 3 || roles[0] != "user" || roles[1] != "assistant" || roles[2] != "tool" {
		t.Fatalf("recursion request roles = %v, want [user assistant tool]", roles)
	}
	if len(req.Messages[1].ToolCalls) != 1 {
		t.Error("assistant message lost its tool calls")
	}
	if req.Messages[2].ToolCallID != "t1" {
		t.Errorf("tool message ToolCallID = %q, want t1", req.Messages[2].ToolCallID)
	}

	s, _ := r.store.Get(context.Background(), "call-1")
	if got := messageRoles(s.Messages); strings.Join(got, " ") != "user assistant tool assistant" {
		t.Errorf("persisted roles = %v", got)
	}
	if len(s.Turns) != 1 || s.Turns[0].ToolCalls != 1 {
		t.Errorf("turn metrics = %+v, want one turn with one tool call", s.Turns)
	}
}

func TestPipelineLanguageSwitch(t *testing.T) {
	r := newTestRig()
	r.llm.StreamChunks = []llm.Chunk{
		{Text: "नमस्ते। "},
		{Text: "आपका बैलेंस पाँच सौ रुपये है। "},
		{Text: "Anything else?"},
		{FinishReason: "stop"},
	}
	sess := ttsmock.NewSession()
	r.tts.Session = sess
	r.start(t, func(c *Config) { c.Language = "hi-IN" })

	r.sendFinal("मेरा बैलेंस बताओ।", 0.9)

	collectUntil(t, r.p, 2*time.Second, func(ev Event) bool {
		return ev.Type == EventTurnComplete
	})

	want := []string{"hi-IN", "hi-IN", "en-IN"}
	if len(sess.LanguageLog) != len(want) {
		t.Fatalf("LanguageLog = %v, want %v", sess.LanguageLog, want)
	}
	for i := range want {
		if sess.LanguageLog[i] != want[i] {
			t.Fatalf("LanguageLog = %v, want %v", sess.LanguageLog, want)
		}
	}
}

func TestPipelineEndCall(t *testing.T) {
	r := newTestRig()
	r.llm.StreamChunks = []llm.Chunk{
		{Text: "Thanks for calling, goodbye!"},
		{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{
			{ID: "t1", Name: "end_call", Arguments: `{"reason":"user_done"}`},
		}},
	}
	r.start(t, nil)

	r.sendFinal("That's all, thank you, goodbye.", 0.95)

	events := collectUntil(t, r.p, 3*time.Second, func(ev Event) bool {
		return ev.Type == EventSessionEndRequested
	})
	for _, ev := range events {
		if ev.Type == EventSessionEndRequested && ev.Reason != "user_done" {
			t.Errorf("end reason = %q, want user_done", ev.Reason)
		}
	}

	select {
	case <-r.p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop after the end-call grace period")
	}

	if got := len(r.llm.StreamCalls); got != 1 {
		t.Errorf("LLM stream calls = %d, want 1 (no recursion after end_call)", got)
	}
	s, _ := r.store.Get(context.Background(), "call-1")
	if s.EndedAt.IsZero() {
		t.Error("session EndedAt was not set")
	}
}

func TestPipelineToolOnlyTurnSkipsTTSEnd(t *testing.T) {
	r := newTestRig()
	r.llm.StreamScript = [][]llm.Chunk{
		{
			{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{
				{ID: "t1", Name: "log_event", Arguments: `{}`},
			}},
		},
		{
			{FinishReason: "stop"}, // silent follow-up: no spoken text at all
		},
	}
	r.start(t, nil)

	r.sendFinal("Please log this call for quality review.", 0.95)

	collectUntil(t, r.p, 3*time.Second, func(ev Event) bool {
		return ev.Type == EventTurnComplete
	})

	waitFor(t, 2*time.Second, func() bool { return len(r.tts.Sessions) == 1 },
		"no TTS session was opened")
	sess := r.tts.Sessions[0]
	waitFor(t, 2*time.Second, func() bool { return sess.AbortCallCount == 1 },
		"silent TTS stream was not discarded")
	if sess.EndCallCount != 0 {
		t.Errorf("End called %d times on a stream with no text", sess.EndCallCount)
	}
}

func TestPipelineToolTimeout(t *testing.T) {
	r := newTestRig()
	r.llm.StreamScript = [][]llm.Chunk{
		{
			{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{
				{ID: "t1", Name: "slow_tool", Arguments: `{}`},
			}},
		},
		{
			{Text: "I could not reach that system just now."},
			{FinishReason: "stop"},
		},
	}
	r.reg.ExecuteDelay = make(chan struct{}) // never released
	r.start(t, func(c *Config) { c.ToolTimeout = 100 * time.Millisecond })

	r.sendFinal("Check the loan status for me please.", 0.95)

	collectUntil(t, r.p, 3*time.Second, func(ev Event) bool {
		return ev.Type == EventTurnComplete
	})

	s, _ := r.store.Get(context.Background(), "call-1")
	var toolMsg *types.Message
	for i := range s.Messages {
		if s.Messages[i].Role == "tool" {
			toolMsg = &s.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message persisted after the timeout")
	}
	if !strings.Contains(toolMsg.Content, "error") || !strings.Contains(toolMsg.Content, "timed out") {
		t.Errorf("tool message content = %q, want a timeout error payload", toolMsg.Content)
	}
	if got := len(r.llm.StreamCalls); got != 2 {
		t.Errorf("LLM stream calls = %d, want the recursion to continue after the timeout", got)
	}
}

func TestPipelineRejectedTranscriptMakesNoLLMCall(t *testing.T) {
	r := newTestRig()
	r.start(t, nil)

	r.sendFinal("um", 0.9)
	time.Sleep(200 * time.Millisecond)

	if got := len(r.llm.StreamCalls); got != 0 {
		t.Errorf("LLM stream calls = %d, want 0 for a rejected transcript", got)
	}
	if r.p.State() != StateIdle {
		t.Errorf("state = %v, want idle", r.p.State())
	}
}

func TestPipelineForwardsFramesWhileIdle(t *testing.T) {
	r := newTestRig()
	r.start(t, nil)

	if err := r.p.WriteAudio(pcmFrame(100, 160)); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(r.sttSess.SendAudioCalls) == 1 },
		"idle frame never reached STT")
}

func TestPipelineStopIsIdempotent(t *testing.T) {
	r := newTestRig()
	r.start(t, nil)

	r.p.Stop()
	r.p.Stop()

	select {
	case <-r.p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	if err := r.p.WriteAudio(pcmFrame(0, 10)); !errors.Is(err, ErrStopped) {
		t.Errorf("WriteAudio after stop = %v, want ErrStopped", err)
	}
	if r.sttSess.AbortCallCount != 1 {
		t.Errorf("STT AbortCallCount = %d, want 1", r.sttSess.AbortCallCount)
	}
	s, _ := r.store.Get(context.Background(), "call-1")
	if s.EndedAt.IsZero() {
		t.Error("session EndedAt was not set on stop")
	}
}

func messageRoles(msgs []types.Message) []string {
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	return roles
}
