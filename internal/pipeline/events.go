package pipeline

import (
	"time"

	"github.com/vaani-labs/vaani/pkg/provider/llm"
	"github.com/vaani-labs/vaani/pkg/types"
)

// EventType identifies the kind of an [Event] emitted by a Pipeline.
type EventType string

const (
	// EventSTTPartial carries a low-latency interim transcript in Text.
	EventSTTPartial EventType = "stt_partial"

	// EventSTTFinal carries an authoritative transcript in Text.
	EventSTTFinal EventType = "stt_final"

	// EventLLMToken carries one raw LLM token in Text.
	EventLLMToken EventType = "llm_token"

	// EventLLMSentence carries one complete sentence handed to TTS in Text.
	EventLLMSentence EventType = "llm_sentence"

	// EventLLMToolCall signals that the model requested a tool; ToolCall is set.
	EventLLMToolCall EventType = "llm_tool_call"

	// EventTTSAudioChunk carries one outbound audio chunk in Audio.
	EventTTSAudioChunk EventType = "tts_audio_chunk"

	// EventFirstAudioByte fires once per turn when the first synthesized audio
	// chunk is emitted; LatencyMs measures from turn commit.
	EventFirstAudioByte EventType = "first_audio_byte"

	// EventTurnComplete fires when a turn finishes; Metrics is set.
	EventTurnComplete EventType = "turn_complete"

	// EventBargeIn signals that the caller interrupted agent playback.
	EventBargeIn EventType = "barge_in"

	// EventSessionEndRequested signals that the model invoked end_call; Reason
	// carries the model-supplied reason.
	EventSessionEndRequested EventType = "session_end_requested"

	// EventError surfaces a non-fatal upstream failure; Err is set.
	EventError EventType = "error"
)

// TurnReport is the metrics payload of an [EventTurnComplete] event.
type TurnReport struct {
	// Turn is the 1-based turn number within the session.
	Turn int `json:"turn"`

	// FirstLLMTokenMs is the time from turn commit to the first LLM token.
	FirstLLMTokenMs int64 `json:"firstLlmTokenMs"`

	// FirstAudioByteMs is the time from turn commit to the first audio chunk.
	// Zero when the turn produced no audio.
	FirstAudioByteMs int64 `json:"firstAudioByteMs"`

	// TurnDurationMs is the time from turn commit to turn completion.
	TurnDurationMs int64 `json:"turnDurationMs"`

	// ToolCalls is the number of tool invocations during the turn.
	ToolCalls int `json:"toolCalls"`

	// Stages maps a stage name ("stt", "llm", "tts", "tools") to the time in
	// milliseconds the turn spent in it. The tts entry covers synthesis up to
	// report time; client-side playback may continue after.
	Stages map[string]int64 `json:"stages,omitempty"`
}

// Event is a single notification emitted by a Pipeline to its consumer.
// Exactly the fields relevant to Type are populated.
type Event struct {
	Type EventType

	// Text carries transcript, token, or sentence content.
	Text string

	// Audio carries an outbound audio chunk for EventTTSAudioChunk.
	Audio []byte

	// LatencyMs is set on EventFirstAudioByte.
	LatencyMs int64

	// ToolCall is set on EventLLMToolCall.
	ToolCall *types.ToolCall

	// Metrics is set on EventTurnComplete.
	Metrics *TurnReport

	// Reason is set on EventSessionEndRequested.
	Reason string

	// Err is set on EventError.
	Err error
}

// ─── internal event queue ───
//
// Every input to the orchestrator loop travels through one serialized queue:
// inbound audio frames, provider callbacks, timer expiries, tool results, and
// stop. The loop is the sole consumer, which makes it the turn lock.

type evKind int

const (
	evFrame evKind = iota
	evSTTPartial
	evSTTFinal
	evSTTEnded
	evLLMChunk
	evLLMClosed
	evTTSChunk
	evTTSUtterance
	evTTSDone
	evToolDone
	evTimer
	evStop
)

// timerKind distinguishes the pipeline's scheduled timers. Timers are
// messages: expiry posts an evTimer onto the queue instead of running a
// callback, so all state transitions happen on the loop goroutine.
type timerKind int

const (
	timerDebounce timerKind = iota
	timerPlaybackEnd
	timerTTSEnd
	timerEndCallGrace
)

// event is one internal queue entry. gen guards against stale events from
// aborted turns: pumps stamp the generation they were started under and the
// loop drops anything from an older generation.
type event struct {
	kind evKind
	gen  uint64

	frame      []byte
	transcript types.Transcript
	chunk      llm.Chunk
	audio      []byte
	utterance  int
	timer      timerKind
	timerID    uint64
	tool       toolOutcome
	err        error
	at         time.Time
}

// toolOutcome carries the result of one asynchronous tool execution back to
// the loop.
type toolOutcome struct {
	call       types.ToolCall
	content    string
	isError    bool
	durationMs int64
	err        error
}
