// Package pipeline implements the per-call voice conversation core: one
// Pipeline instance per session, orchestrating a streaming STT session, a
// streaming LLM, and a streaming TTS session, together with turn detection,
// barge-in handling, tool execution, and conversation-history consistency.
//
// The pipeline is a single logical actor. Every input (inbound audio frames,
// provider callbacks, timer expiries, tool results, stop) is posted onto one
// internal queue consumed by a single orchestrator goroutine; that loop is
// the turn lock. Provider drivers run concurrently but only ever communicate
// with the loop through the queue.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaani-labs/vaani/internal/observe"
	"github.com/vaani-labs/vaani/internal/session"
	"github.com/vaani-labs/vaani/internal/tools"
	"github.com/vaani-labs/vaani/pkg/audio"
	"github.com/vaani-labs/vaani/pkg/provider/llm"
	"github.com/vaani-labs/vaani/pkg/provider/stt"
	"github.com/vaani-labs/vaani/pkg/provider/tts"
	"github.com/vaani-labs/vaani/pkg/types"
)

// ErrStopped is returned by WriteAudio after the pipeline has stopped.
var ErrStopped = errors.New("pipeline: stopped")

// Defaults for the tunables not covered by the arbiter and barge-in files.
const (
	defaultToolTimeout   = 30 * time.Second
	defaultTTSEndTimeout = 15 * time.Second
	endCallGrace         = 500 * time.Millisecond
	defaultSTTSampleRate = 16000

	queueSize  = 1024
	eventsSize = 256
)

// State is the orchestrator's turn state.
type State int32

const (
	StateIdle State = iota
	StateProcessing
	StateAwaitingTool
	StateStopped
)

// String returns the lowercase state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateAwaitingTool:
		return "awaiting_tool"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config assembles everything a Pipeline needs. The caller constructs the
// three providers, the tool registry, and the store, and injects them here;
// there are no global registries.
type Config struct {
	// SessionID identifies the call; required and unique per pipeline.
	SessionID string

	// CallerID is the caller identity recorded on the session (e.g., E.164).
	CallerID string

	// CallContext is opaque transport metadata recorded on the session and
	// forwarded verbatim with every tool invocation. May be nil.
	CallContext map[string]any

	// STT, LLM, TTS are the provider implementations. All three are required.
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Tools serves tool definitions and executions. Required (use a
	// StaticRegistry when no external tools are configured).
	Tools tools.Registry

	// Store persists the conversation log and turn metrics. Required.
	Store session.Store

	// SystemPrompt travels separately to the LLM; never appended to the log.
	SystemPrompt string

	// Language is the default BCP-47 tag for STT and TTS. Empty means "en-IN".
	Language string

	// Voice is the TTS voice profile.
	Voice tts.Voice

	// Fillers overrides the phrases played while slow tools run.
	Fillers []string

	// STTSampleRate is the inbound PCM rate in Hz. Zero means 16000.
	STTSampleRate int

	// BaseSilenceWait and MaxSilenceWait bound the adaptive turn debounce.
	BaseSilenceWait time.Duration
	MaxSilenceWait  time.Duration

	// BargeInRMSThreshold and BargeInConsecutiveFrames tune interruption
	// detection during playback.
	BargeInRMSThreshold      float64
	BargeInConsecutiveFrames int

	// ToolTimeout bounds one tool execution. Zero means 30s.
	ToolTimeout time.Duration

	// TTSEndTimeout bounds the wait for trailing synthesis. Zero means 15s.
	TTSEndTimeout time.Duration

	// Metrics receives instrumentation; nil selects observe.DefaultMetrics.
	Metrics *observe.Metrics

	// Logger is the component logger; nil selects slog.Default.
	Logger *slog.Logger
}

// Pipeline is the per-call conversation core. Create with New, drive with
// Start, WriteAudio, and Stop, and consume Events until it closes.
type Pipeline struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics

	queue  chan event
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
	started  bool

	stateAtomic   atomic.Int32
	droppedFrames atomic.Int64
	timerSeq      atomic.Uint64

	// ─── loop-owned state (touched only by the orchestrator goroutine) ───

	log       *conversationLog
	validator *Validator
	arb       *arbiter
	barge     *bargeDetector
	filler    *fillerPlayer

	sttSession stt.SessionHandle

	gen        uint64
	debounceID uint64
	playbackID uint64
	ttsEndID   uint64

	turnNumber  int
	turnStart   time.Time
	sttStart    time.Time
	firstToken  time.Time
	firstByte   time.Time
	llmStart    time.Time
	ttsStart    time.Time
	emittedMs   int64
	turnTools   int
	stageSTTMs  int64
	stageLLMMs  int64
	stageToolMs int64
	replyText   string
	currentLang string

	splitter          sentenceSplitter
	ttsd              *ttsDriver
	ttsActive         bool
	llmCancel         context.CancelFunc
	llmStreaming      bool
	assistantAppended bool
	executingTool     bool
	pendingCalls      []types.ToolCall
	pendingIdx        int
	queuedUserInput   []string
}

// New validates cfg and returns an unstarted Pipeline.
func New(cfg Config) (*Pipeline, error) {
	var errs []error
	if cfg.SessionID == "" {
		errs = append(errs, errors.New("SessionID is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("STT provider is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("LLM provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("TTS provider is required"))
	}
	if cfg.Tools == nil {
		errs = append(errs, errors.New("tool registry is required"))
	}
	if cfg.Store == nil {
		errs = append(errs, errors.New("session store is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}

	if cfg.Language == "" {
		cfg.Language = "en-IN"
	}
	if cfg.STTSampleRate == 0 {
		cfg.STTSampleRate = defaultSTTSampleRate
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.TTSEndTimeout <= 0 {
		cfg.TTSEndTimeout = defaultTTSEndTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline", "session_id", cfg.SessionID)

	p := &Pipeline{
		cfg:         cfg,
		logger:      logger,
		metrics:     cfg.Metrics,
		queue:       make(chan event, queueSize),
		events:      make(chan Event, eventsSize),
		done:        make(chan struct{}),
		log:         newConversationLog(cfg.SessionID, cfg.Store),
		validator:   NewValidator(),
		arb:         newArbiter(cfg.BaseSilenceWait, cfg.MaxSilenceWait),
		barge:       newBargeDetector(cfg.BargeInRMSThreshold, cfg.BargeInConsecutiveFrames),
		currentLang: cfg.Language,
	}
	p.filler = newFillerPlayer(cfg.TTS, p.voiceFor(cfg.Language), cfg.Fillers, logger)
	return p, nil
}

// Start creates the session record, opens the STT stream, warms the filler
// cache, and launches the orchestrator loop. It must be called exactly once.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.started {
		return errors.New("pipeline: already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := p.cfg.Store.Create(ctx, &session.Session{
		ID:           p.cfg.SessionID,
		CallerID:     p.cfg.CallerID,
		CallContext:  p.cfg.CallContext,
		Language:     p.cfg.Language,
		SystemPrompt: p.cfg.SystemPrompt,
		StartedAt:    time.Now(),
	}); err != nil {
		return fmt.Errorf("pipeline: create session: %w", err)
	}

	sttSession, err := p.cfg.STT.StartStream(p.ctx, stt.StreamConfig{
		SampleRate: p.cfg.STTSampleRate,
		Language:   p.cfg.Language,
	})
	if err != nil {
		return fmt.Errorf("pipeline: open STT stream: %w", err)
	}
	p.sttSession = sttSession

	p.metrics.ActiveSessions.Add(p.ctx, 1)

	go p.filler.warm(p.ctx, p.fillerLanguages())
	go p.sttPump(sttSession)
	go p.loop()

	p.logger.Info("pipeline started", "language", p.cfg.Language)
	return nil
}

// WriteAudio enqueues one inbound PCM frame. The frame is copied. When the
// queue is saturated the frame is dropped and counted; the transport should
// treat sustained drops as backpressure.
func (p *Pipeline) WriteAudio(frame []byte) error {
	if p.ctx == nil {
		return ErrStopped
	}
	select {
	case <-p.ctx.Done():
		return ErrStopped
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case p.queue <- event{kind: evFrame, frame: cp, at: time.Now()}:
	default:
		if n := p.droppedFrames.Add(1); n%100 == 1 {
			p.logger.Warn("inbound frame dropped, queue saturated", "dropped_total", n)
		}
	}
	return nil
}

// Events returns the channel of pipeline events. It is closed when the
// pipeline stops; consumers must drain it.
func (p *Pipeline) Events() <-chan Event { return p.events }

// Done is closed when the orchestrator loop has exited and all sessions are
// released.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// State reports the orchestrator's current turn state.
func (p *Pipeline) State() State { return State(p.stateAtomic.Load()) }

// Stop requests a graceful shutdown. Idempotent; returns immediately. Wait on
// Done for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.ctx == nil {
			return
		}
		select {
		case p.queue <- event{kind: evStop}:
		case <-p.ctx.Done():
		}
	})
}

// ─── orchestrator loop ───

func (p *Pipeline) loop() {
	defer close(p.done)
	for {
		select {
		case ev := <-p.queue:
			if !p.handle(ev) {
				p.teardown()
				return
			}
		case <-p.ctx.Done():
			p.teardown()
			return
		}
	}
}

// handle processes one queue entry. Returns false when the loop must exit.
func (p *Pipeline) handle(ev event) bool {
	switch ev.kind {
	case evFrame:
		p.onFrame(ev.frame)
	case evSTTPartial:
		p.onSTTPartial(ev.transcript)
	case evSTTFinal:
		p.onSTTFinal(ev.transcript)
	case evSTTEnded:
		p.onSTTEnded(ev.err)
	case evLLMChunk:
		if ev.gen == p.gen {
			p.onLLMChunk(ev.chunk)
		}
	case evLLMClosed:
		if ev.gen == p.gen && p.llmStreaming {
			// Stream closed without a finish chunk; treat as completion.
			p.completeLLM()
		}
	case evTTSChunk:
		if ev.gen == p.gen {
			p.onTTSChunk(ev.audio)
		}
	case evTTSUtterance:
		if ev.gen == p.gen && p.ttsd != nil {
			p.ttsd.markPlayed(ev.utterance)
		}
	case evTTSDone:
		if ev.gen == p.gen {
			p.onTTSDone(ev.err)
		}
	case evToolDone:
		if ev.gen == p.gen {
			p.onToolDone(ev.tool)
		}
	case evTimer:
		if ev.gen == p.gen {
			p.onTimer(ev.timer, ev.timerID)
		}
	case evStop:
		return false
	}
	return true
}

// onFrame routes one inbound PCM frame: while the agent is speaking the frame
// is withheld from STT (echo suppression) and only the barge-in detector sees
// it; otherwise it flows to the STT session.
func (p *Pipeline) onFrame(frame []byte) {
	if p.State() == StateStopped {
		return
	}
	if p.ttsActive {
		if !p.executingTool && p.barge.observe(frame) {
			p.bargeIn()
		}
		return
	}
	if err := p.sttSession.SendAudio(frame); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		p.logger.Debug("STT write failed", "error", err)
	}
}

func (p *Pipeline) onSTTPartial(t types.Transcript) {
	p.emit(Event{Type: EventSTTPartial, Text: t.Text})
	p.arb.onPartial(time.Now())
	p.debounceID = 0
}

func (p *Pipeline) onSTTFinal(t types.Transcript) {
	p.emit(Event{Type: EventSTTFinal, Text: t.Text})
	if p.executingTool {
		// Gated: user input during tool execution is collected and then
		// discarded, so it cannot overlap the tool response.
		p.queuedUserInput = append(p.queuedUserInput, t.Text)
		return
	}
	now := time.Now()
	if p.arb.accumulated == "" {
		p.sttStart = now
	}
	wait := p.arb.onFinal(t, now)
	p.debounceID = p.schedule(timerDebounce, wait)
}

// onSTTEnded handles the upstream STT session ending. Accumulated speech is
// committed immediately with the last-known confidence.
func (p *Pipeline) onSTTEnded(err error) {
	if err != nil {
		p.emit(Event{Type: EventError, Err: fmt.Errorf("pipeline: STT session: %w", err)})
	}
	if p.arb.accumulated != "" && p.State() == StateIdle {
		p.commitTurn()
	}
}

func (p *Pipeline) onTimer(kind timerKind, id uint64) {
	switch kind {
	case timerDebounce:
		if id != p.debounceID {
			return
		}
		p.debounceID = 0
		if p.arb.isSpeaking {
			return // user resumed; keep accumulated
		}
		if p.State() != StateIdle {
			p.arb.reset() // a turn is in flight; discard to prevent overlap
			return
		}
		p.commitTurn()
	case timerPlaybackEnd:
		if id != p.playbackID {
			return
		}
		p.playbackID = 0
		p.ttsActive = false
		p.barge.reset()
		p.ttsd = nil
	case timerTTSEnd:
		if id != p.ttsEndID {
			return
		}
		p.ttsEndID = 0
		p.emit(Event{Type: EventError, Err: errors.New("pipeline: TTS did not finish within the end timeout")})
		if p.ttsd != nil {
			p.ttsd.abort()
		}
		p.ttsActive = false
		p.ttsd = nil
	case timerEndCallGrace:
		p.Stop()
	}
}

// commitTurn validates the accumulated transcript and, on acceptance, starts
// a new turn.
func (p *Pipeline) commitTurn() {
	text := p.arb.accumulated
	reason := p.validator.Validate(text, p.arb.lastConfidence, p.ttsActive)
	p.arb.take()
	if reason != ReasonAccepted {
		p.logger.Debug("transcript rejected", "reason", string(reason), "text", text)
		return
	}
	p.startTurn(text)
}

// startTurn opens a fresh TTS session and LLM stream for the accepted user
// text. All per-turn state is reset here under the loop.
func (p *Pipeline) startTurn(text string) {
	now := time.Now()
	p.gen++
	p.turnNumber++
	p.turnStart = now
	p.firstToken = time.Time{}
	p.firstByte = time.Time{}
	p.emittedMs = 0
	p.turnTools = 0
	p.stageSTTMs = 0
	p.stageLLMMs = 0
	p.stageToolMs = 0
	p.replyText = ""
	p.assistantAppended = false
	p.queuedUserInput = nil
	p.splitter.reset()
	p.setState(StateProcessing)

	if !p.sttStart.IsZero() {
		p.stageSTTMs = time.Since(p.sttStart).Milliseconds()
		p.metrics.STTDuration.Record(p.ctx, time.Since(p.sttStart).Seconds())
		p.sttStart = time.Time{}
	}

	if err := p.log.append(p.ctx, types.Message{Role: "user", Content: text}); err != nil {
		p.logger.Error("append user message", "error", err)
	}

	handle, err := p.cfg.TTS.OpenStream(p.ctx, p.voiceFor(p.currentLang))
	if err != nil {
		p.failTurn(fmt.Errorf("pipeline: open TTS stream: %w", err))
		return
	}
	p.ttsd = newTTSDriver(handle, p.cfg.Voice)
	p.ttsd.setLanguage(p.currentLang)
	p.ttsStart = now
	go p.ttsd.pump(p.gen, p.post)

	p.startLLMStream()
}

// startLLMStream opens a streaming completion over the current history. Used
// both at turn start and when recursing after tool execution.
func (p *Pipeline) startLLMStream() {
	req := llm.CompletionRequest{
		Messages:     p.log.snapshot(),
		Tools:        sanitizeToolDefinitions(p.cfg.Tools.Definitions()),
		SystemPrompt: p.cfg.SystemPrompt,
	}
	ctx, cancel := context.WithCancel(p.ctx)
	ch, err := p.cfg.LLM.StreamCompletion(ctx, req)
	if err != nil {
		cancel()
		p.failTurn(fmt.Errorf("pipeline: open LLM stream: %w", err))
		return
	}
	p.llmCancel = cancel
	p.llmStreaming = true
	p.llmStart = time.Now()

	gen := p.gen
	go func() {
		for c := range ch {
			p.post(event{kind: evLLMChunk, gen: gen, chunk: c})
		}
		p.post(event{kind: evLLMClosed, gen: gen})
	}()
}

func (p *Pipeline) onLLMChunk(c llm.Chunk) {
	if !p.llmStreaming {
		return
	}
	if c.Text != "" && c.FinishReason != "error" {
		if p.firstToken.IsZero() {
			p.firstToken = time.Now()
		}
		p.emit(Event{Type: EventLLMToken, Text: c.Text})
		p.replyText += c.Text
		for _, s := range p.splitter.feed(c.Text) {
			p.sendSentence(s)
		}
	}
	if c.Usage != nil {
		p.logger.Debug("LLM usage",
			"prompt_tokens", c.Usage.PromptTokens,
			"completion_tokens", c.Usage.CompletionTokens,
			"cached_tokens", c.Usage.CachedContentTokens)
	}
	switch c.FinishReason {
	case "":
	case "error":
		p.failTurn(fmt.Errorf("pipeline: LLM stream: %s", c.Text))
	case "tool_calls":
		p.beginTools(c.ToolCalls)
	default: // "stop", "length"
		p.completeLLM()
	}
}

// sendSentence pushes one sentence to TTS, switching the voice language first
// when the reply changes script.
func (p *Pipeline) sendSentence(s string) {
	if lang := detectLanguage(s, p.currentLang); lang != p.currentLang {
		p.currentLang = lang
		if p.ttsd != nil {
			p.ttsd.setLanguage(lang)
		}
	}
	p.emit(Event{Type: EventLLMSentence, Text: s})
	if p.ttsd == nil {
		return
	}
	if err := p.ttsd.send(s); err != nil && !errors.Is(err, tts.ErrSessionClosed) {
		p.emit(Event{Type: EventError, Err: fmt.Errorf("pipeline: TTS send: %w", err)})
	}
}

// completeLLM finishes the generation phase of a turn: flush the residual
// sentence, append the assistant message, close the TTS input side, and emit
// the turn report. Playback may continue past this point; barge-in stays
// armed until the estimated client playback end.
func (p *Pipeline) completeLLM() {
	p.llmStreaming = false
	if p.llmCancel != nil {
		p.llmCancel()
		p.llmCancel = nil
	}
	if residual, ok := p.splitter.flush(); ok {
		p.sendSentence(residual)
	}
	p.stageLLMMs += time.Since(p.llmStart).Milliseconds()
	p.metrics.LLMDuration.Record(p.ctx, time.Since(p.llmStart).Seconds())

	if p.replyText != "" {
		if err := p.log.append(p.ctx, types.Message{Role: "assistant", Content: p.replyText}); err != nil {
			p.logger.Error("append assistant message", "error", err)
		}
		p.assistantAppended = true
	}

	if p.ttsd != nil && p.ttsd.end() {
		p.ttsEndID = p.schedule(timerTTSEnd, p.cfg.TTSEndTimeout)
	} else {
		// No text was sent: End is illegal on an empty stream; drop the session.
		if p.ttsd != nil {
			p.ttsd.abort()
			p.ttsd = nil
		}
		p.ttsActive = false
	}
	p.finishTurn(false)
}

// finishTurn records metrics and returns the pipeline to Idle.
func (p *Pipeline) finishTurn(bargedIn bool) {
	now := time.Now()
	stages := map[string]int64{
		"stt":   p.stageSTTMs,
		"llm":   p.stageLLMMs,
		"tools": p.stageToolMs,
	}
	if !p.ttsStart.IsZero() {
		stages["tts"] = now.Sub(p.ttsStart).Milliseconds()
	}
	report := TurnReport{
		Turn:             p.turnNumber,
		FirstLLMTokenMs:  sinceMs(p.firstToken, p.turnStart),
		FirstAudioByteMs: sinceMs(p.firstByte, p.turnStart),
		TurnDurationMs:   now.Sub(p.turnStart).Milliseconds(),
		ToolCalls:        p.turnTools,
		Stages:           stages,
	}
	if err := p.cfg.Store.RecordTurn(p.ctx, p.cfg.SessionID, session.TurnMetrics{
		Turn:             report.Turn,
		FirstLLMTokenMs:  report.FirstLLMTokenMs,
		FirstAudioByteMs: report.FirstAudioByteMs,
		TurnDurationMs:   report.TurnDurationMs,
		BargedIn:         bargedIn,
		ToolCalls:        report.ToolCalls,
	}); err != nil {
		p.logger.Error("record turn", "error", err)
	}
	p.metrics.RecordTurn(p.ctx, report.FirstLLMTokenMs, report.FirstAudioByteMs, report.TurnDurationMs, bargedIn)

	if !bargedIn {
		p.emit(Event{Type: EventTurnComplete, Metrics: &report})
	}
	p.setState(StateIdle)
	p.logger.Info("turn finished",
		"turn", report.Turn,
		"first_llm_token_ms", report.FirstLLMTokenMs,
		"first_audio_byte_ms", report.FirstAudioByteMs,
		"duration_ms", report.TurnDurationMs,
		"tool_calls", report.ToolCalls,
		"barged_in", bargedIn)
}

func (p *Pipeline) onTTSChunk(chunk []byte) {
	if p.ttsd == nil {
		return
	}
	if p.firstByte.IsZero() {
		p.firstByte = time.Now()
		p.ttsActive = true
		p.barge.reset()
		p.emit(Event{Type: EventFirstAudioByte, LatencyMs: sinceMs(p.firstByte, p.turnStart)})
	}
	p.emittedMs += p.ttsd.chunkDuration(chunk)
	p.emit(Event{Type: EventTTSAudioChunk, Audio: chunk})
}

// onTTSDone handles the upstream TTS session finishing. The client is still
// draining its buffer, so ttsActive persists for the estimated remaining
// playback time; that bounded wait is what keeps barge-in armed.
func (p *Pipeline) onTTSDone(err error) {
	p.ttsEndID = 0
	if err != nil {
		p.emit(Event{Type: EventError, Err: fmt.Errorf("pipeline: TTS session: %w", err)})
	}
	if !p.ttsStart.IsZero() {
		p.metrics.TTSDuration.Record(p.ctx, time.Since(p.ttsStart).Seconds())
		p.ttsStart = time.Time{}
	}
	if !p.ttsActive {
		p.ttsd = nil
		return
	}
	elapsed := time.Since(p.firstByte).Milliseconds()
	if remaining := p.emittedMs - elapsed; remaining > 0 {
		p.playbackID = p.schedule(timerPlaybackEnd, time.Duration(remaining)*time.Millisecond)
	} else {
		p.ttsActive = false
		p.barge.reset()
		p.ttsd = nil
	}
}

// ─── tool execution ───

// beginTools transitions Processing → AwaitingTool: append the assistant
// message that carries the tool calls, then run them one at a time. The
// filler plays before each execution so the caller hears an acknowledgement
// while the tool runs.
func (p *Pipeline) beginTools(calls []types.ToolCall) {
	p.llmStreaming = false
	if p.llmCancel != nil {
		p.llmCancel()
		p.llmCancel = nil
	}
	if residual, ok := p.splitter.flush(); ok {
		p.sendSentence(residual)
	}
	p.stageLLMMs += time.Since(p.llmStart).Milliseconds()
	p.metrics.LLMDuration.Record(p.ctx, time.Since(p.llmStart).Seconds())

	if err := p.log.append(p.ctx, types.Message{Role: "assistant", Content: p.replyText, ToolCalls: calls}); err != nil {
		p.logger.Error("append assistant tool-call message", "error", err)
	}
	p.assistantAppended = true
	p.replyText = ""

	p.setState(StateAwaitingTool)
	p.executingTool = true
	p.pendingCalls = calls
	p.pendingIdx = 0
	p.runNextTool()
}

func (p *Pipeline) runNextTool() {
	if p.pendingIdx >= len(p.pendingCalls) {
		p.resumeAfterTools()
		return
	}
	call := p.pendingCalls[p.pendingIdx]
	p.pendingIdx++
	p.turnTools++
	tc := call
	p.emit(Event{Type: EventLLMToolCall, ToolCall: &tc})

	// Filler first, before the registry runs.
	if buf := p.filler.play(p.ctx, p.currentLang); len(buf) > 0 {
		out := buf
		if p.cfg.Voice.Encoding == "" || p.cfg.Voice.Encoding == "pcm" {
			out = audio.WrapWAV(buf, p.fillerSampleRate())
		}
		p.emit(Event{Type: EventTTSAudioChunk, Audio: out})
	}

	gen := p.gen
	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ToolTimeout)
		defer cancel()
		start := time.Now()
		res, err := p.cfg.Tools.Execute(ctx, tools.Invocation{
			Name:        call.Name,
			Arguments:   call.Arguments,
			SessionID:   p.cfg.SessionID,
			CallContext: p.cfg.CallContext,
		})
		outcome := toolOutcome{call: call, err: err, durationMs: time.Since(start).Milliseconds()}
		if err == nil && res != nil {
			outcome.content = res.Content
			outcome.isError = res.IsError
			outcome.durationMs = res.DurationMs
		}
		if err != nil && ctx.Err() != nil {
			outcome.err = fmt.Errorf("tool %s timed out after %s: %w", call.Name, time.Since(start).Round(time.Millisecond), err)
		}
		p.post(event{kind: evToolDone, gen: gen, tool: outcome})
	}()
}

func (p *Pipeline) onToolDone(out toolOutcome) {
	status := "ok"
	content := out.content
	if out.err != nil {
		status = "error"
		msg, _ := json.Marshal(map[string]string{"error": out.err.Error()})
		content = string(msg)
	} else if out.isError {
		status = "error"
	}
	p.metrics.RecordToolCall(p.ctx, out.call.Name, status)
	p.stageToolMs += out.durationMs

	if err := p.log.append(p.ctx, types.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: out.call.ID,
		Name:       out.call.Name,
	}); err != nil {
		p.logger.Error("append tool message", "error", err)
	}

	if out.call.Name == tools.EndCallToolName {
		reason := endCallReason(out.call.Arguments)
		p.emit(Event{Type: EventSessionEndRequested, Reason: reason})
		// Close the TTS input so the goodbye audio flushes during the grace
		// period; then the pipeline stops. No recursive LLM call.
		if p.ttsd != nil && p.ttsd.end() {
			p.ttsEndID = p.schedule(timerTTSEnd, p.cfg.TTSEndTimeout)
		}
		p.finishTurn(false)
		_ = p.schedule(timerEndCallGrace, endCallGrace)
		return
	}

	if p.pendingIdx < len(p.pendingCalls) {
		p.runNextTool()
		return
	}
	p.resumeAfterTools()
}

// resumeAfterTools discards input queued during execution and recurses into a
// fresh LLM stream over the updated history.
func (p *Pipeline) resumeAfterTools() {
	if n := len(p.queuedUserInput); n > 0 {
		p.logger.Debug("discarding user input queued during tool execution", "count", n)
	}
	p.queuedUserInput = nil
	p.executingTool = false
	p.pendingCalls = nil
	p.setState(StateProcessing)
	p.startLLMStream()
}

// ─── abort paths ───

// bargeIn aborts the current agent output because the caller spoke over it.
func (p *Pipeline) bargeIn() {
	p.logger.Info("barge-in detected", "turn", p.turnNumber)
	p.metrics.RecordBargeIn(p.ctx)
	p.abortTurn(true)
	p.emit(Event{Type: EventBargeIn})
}

// abortTurn is the single authoritative reset used by barge-in, stop, and
// turn failure. It cancels the LLM stream, aborts TTS, reconciles history
// with what the caller actually heard, clears every per-turn timer and
// buffer, and returns the pipeline to Idle.
func (p *Pipeline) abortTurn(recordTurn bool) {
	turnInFlight := p.State() == StateProcessing || p.State() == StateAwaitingTool

	p.llmStreaming = false
	if p.llmCancel != nil {
		p.llmCancel()
		p.llmCancel = nil
	}

	// History needs reconciling only while generation or playback is live;
	// once playback has drained, the appended assistant message already
	// matches what the caller heard.
	if turnInFlight || p.ttsd != nil {
		played := ""
		sentAny := false
		if p.ttsd != nil {
			played = p.ttsd.playedPrefix()
			sentAny = len(p.ttsd.sentences) > 0
		}
		if p.assistantAppended {
			if err := p.log.truncateLastAssistant(p.ctx, played); err != nil {
				p.logger.Error("truncate history", "error", err)
			}
		} else if sentAny {
			// Mid-stream interruption: the assistant message was never
			// appended, so record what the caller heard directly.
			if err := p.log.append(p.ctx, types.Message{Role: "assistant", Content: interruptedContent(played)}); err != nil {
				p.logger.Error("append interrupted assistant message", "error", err)
			}
		}
	}

	p.resetPlayback()
	p.splitter.reset()
	p.arb.reset()
	p.debounceID = 0
	p.executingTool = false
	p.pendingCalls = nil
	p.queuedUserInput = nil
	p.replyText = ""
	p.gen++

	if turnInFlight && recordTurn {
		p.finishTurn(true)
	} else {
		p.setState(StateIdle)
	}
}

// resetPlayback is the one place playback state is cleared: TTS session
// aborted, gate released, detector and timers reset.
func (p *Pipeline) resetPlayback() {
	if p.ttsd != nil {
		p.ttsd.abort()
		p.ttsd = nil
	}
	p.ttsActive = false
	p.emittedMs = 0
	p.barge.reset()
	p.playbackID = 0
	p.ttsEndID = 0
}

// failTurn handles a transient upstream failure: surface it as an event, mark
// the turn failed, and return to Idle so the next input is accepted. The
// pipeline itself is not torn down.
func (p *Pipeline) failTurn(err error) {
	p.logger.Warn("turn failed", "error", err)
	p.emit(Event{Type: EventError, Err: err})
	p.abortTurn(false)
}

// teardown releases every session and closes the event channel. Stop mid-turn
// behaves as a silent barge-in: history is truncated to the played prefix and
// no barge_in event is emitted.
func (p *Pipeline) teardown() {
	p.setState(StateStopped)
	p.abortTurn(false)
	p.stateAtomic.Store(int32(StateStopped))
	p.sttSession.Abort()
	if err := p.cfg.Store.End(context.WithoutCancel(p.ctx), p.cfg.SessionID, time.Now()); err != nil && !errors.Is(err, session.ErrNotFound) {
		p.logger.Error("end session", "error", err)
	}
	p.metrics.ActiveSessions.Add(context.WithoutCancel(p.ctx), -1)
	p.cancel()
	close(p.events)
	p.logger.Info("pipeline stopped", "turns", p.turnNumber, "dropped_frames", p.droppedFrames.Load())
}

// ─── pumps and plumbing ───

// sttPump forwards STT session output onto the queue for the whole session
// lifetime.
func (p *Pipeline) sttPump(s stt.SessionHandle) {
	partials, finals := s.Partials(), s.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			p.post(event{kind: evSTTPartial, transcript: t})
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			p.post(event{kind: evSTTFinal, transcript: t})
		}
	}
	<-s.Done()
	p.post(event{kind: evSTTEnded, err: s.Err()})
}

// post delivers an internal event to the queue, giving up when the pipeline
// is shutting down.
func (p *Pipeline) post(ev event) {
	select {
	case p.queue <- ev:
	case <-p.ctx.Done():
	}
}

// emit delivers an external event to the consumer, giving up on shutdown.
func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

// schedule arms a timer that posts back onto the queue on expiry. The
// returned id must match the loop's active id for that timer kind; forgetting
// the id cancels the timer logically.
func (p *Pipeline) schedule(kind timerKind, d time.Duration) uint64 {
	id := p.timerSeq.Add(1)
	gen := p.gen
	time.AfterFunc(d, func() {
		p.post(event{kind: evTimer, gen: gen, timer: kind, timerID: id})
	})
	return id
}

func (p *Pipeline) setState(s State) {
	if p.State() == StateStopped {
		return
	}
	p.stateAtomic.Store(int32(s))
}

// voiceFor returns the configured voice with its language set.
func (p *Pipeline) voiceFor(language string) tts.Voice {
	v := p.cfg.Voice
	v.Language = language
	return v
}

// fillerLanguages lists the languages to warm filler audio for: the session
// language plus the other of the two supported conversation languages.
func (p *Pipeline) fillerLanguages() []string {
	if p.cfg.Language == "hi-IN" {
		return []string{"hi-IN", "en-IN"}
	}
	return []string{p.cfg.Language, "hi-IN"}
}

func (p *Pipeline) fillerSampleRate() int {
	if p.cfg.Voice.SampleRate != 0 {
		return p.cfg.Voice.SampleRate
	}
	return 22050
}

// endCallReason extracts the model-supplied reason from end_call arguments.
func endCallReason(args string) string {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(args), &payload); err != nil {
		return ""
	}
	return payload.Reason
}

// sinceMs returns t − from in milliseconds, or 0 when t was never set.
func sinceMs(t, from time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Sub(from).Milliseconds()
}
