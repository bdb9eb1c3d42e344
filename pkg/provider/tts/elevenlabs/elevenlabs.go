// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider
// interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/vaani-labs/vaani/pkg/provider/tts"
)

const (
	wsEndpointFmt = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	synthPathFmt  = "/v1/text-to-speech/%s/stream?output_format=%s"
	defaultModel    = "eleven_flash_v2_5"
	defaultOutput   = "pcm_22050"
	telephonyOutput = "ulaw_8000"

	// queueDepth bounds sentences accepted before the upstream connection is
	// ready. A turn rarely exceeds a dozen sentences.
	queueDepth = 64
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	synthBase  string // overridable in tests
}

// Compile-time check that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		httpClient: &http.Client{},
		synthBase:  "https://api.elevenlabs.io",
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// outputFormat maps a Voice onto the ElevenLabs output_format parameter.
func outputFormat(voice tts.Voice) string {
	if voice.Encoding == "mulaw" {
		return telephonyOutput
	}
	switch voice.SampleRate {
	case 44100:
		return "pcm_44100"
	case 16000:
		return "pcm_16000"
	case 8000:
		return "pcm_8000"
	default:
		return defaultOutput
	}
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each sentence.
// Flush forces the server to synthesise the buffered text as one utterance,
// which is what lets us count per-sentence completion markers.
type textMessage struct {
	Text          string         `json:"text"`
	Flush         bool           `json:"flush,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// OpenStream opens a streaming synthesis session. The WebSocket dial happens
// in the background: SendText queues sentences immediately and the session
// flushes them in order once the upstream reports ready.
func (p *Provider) OpenStream(ctx context.Context, voice tts.Voice) (tts.SessionHandle, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		cancel:    cancel,
		sentences: make(chan string, queueDepth),
		chunks:    make(chan []byte, 256),
		uttDone:   make(chan int, queueDepth),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		endReq:    make(chan struct{}),
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voice.ID, p.model, outputFormat(voice))
	go s.run(ctx, wsURL, p.apiKey)
	return s, nil
}

// session is a live ElevenLabs streaming session. It implements
// tts.SessionHandle.
type session struct {
	cancel    context.CancelFunc
	sentences chan string
	chunks    chan []byte
	uttDone   chan int
	done      chan struct{}
	closed    chan struct{} // closed on End/Abort; stops SendText
	endReq    chan struct{} // closed on End; run loop sends EOS
	once      sync.Once
	endOnce   sync.Once

	errMu sync.Mutex
	err   error

	langMu   sync.Mutex
	language string
}

// SetLanguage records the voice language for subsequent sentences. The
// multilingual ElevenLabs models detect script from the text itself, so the
// value serves as a hint and is surfaced in logs.
func (s *session) SetLanguage(language string) {
	s.langMu.Lock()
	s.language = language
	s.langMu.Unlock()
}

// SendText queues one sentence for synthesis.
func (s *session) SendText(text string) error {
	select {
	case <-s.closed:
		return tts.ErrSessionClosed
	default:
	}
	select {
	case s.sentences <- text:
		return nil
	case <-s.closed:
		return tts.ErrSessionClosed
	}
}

// End signals that no more text will be sent. The session flushes queued
// sentences, sends the end-of-stream marker, and closes Done once the
// upstream finishes.
func (s *session) End() error {
	s.endOnce.Do(func() {
		close(s.closed)
		close(s.endReq)
	})
	return nil
}

// Abort cancels the upstream immediately, discarding queued sentences.
func (s *session) Abort() {
	s.endOnce.Do(func() { close(s.closed) })
	s.cancel()
}

// Chunks returns the audio chunk channel.
func (s *session) Chunks() <-chan []byte { return s.chunks }

// UtteranceDone returns the per-sentence completion channel.
func (s *session) UtteranceDone() <-chan int { return s.uttDone }

// Done returns a channel closed when the session has ended.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns the error that terminated the session, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// run owns the WebSocket for the whole session lifetime: dial, BOI
// handshake, sentence writes, audio reads, EOS, teardown.
func (s *session) run(ctx context.Context, wsURL, apiKey string) {
	defer s.once.Do(func() {
		close(s.done)
		close(s.chunks)
		close(s.uttDone)
	})

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if ctx.Err() == nil {
			s.setErr(fmt.Errorf("elevenlabs: dial: %w", err))
		}
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	boi := boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		s.setErr(fmt.Errorf("elevenlabs: send BOI: %w", err))
		return
	}

	// Reader: forward audio and count per-utterance finals.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		uttIndex := 0
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var resp audioResponse
			if err := json.Unmarshal(msg, &resp); err != nil {
				continue
			}
			if resp.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err == nil && len(pcm) > 0 {
					select {
					case s.chunks <- pcm:
					case <-ctx.Done():
						return
					}
				}
			}
			// Each flush completes one utterance; the server marks it final.
			if resp.IsFinal {
				select {
				case s.uttDone <- uttIndex:
				case <-ctx.Done():
					return
				}
				uttIndex++
			}
		}
	}()

	// Writer: flush queued sentences in order; EOS on End.
	for {
		select {
		case sentence := <-s.sentences:
			if sentence == "" {
				continue
			}
			payload, _ := json.Marshal(textMessage{Text: sentence, Flush: true})
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				s.setErr(fmt.Errorf("elevenlabs: write: %w", err))
				return
			}
		case <-s.endReq:
			// Drain anything queued ahead of the EOS marker.
			for {
				select {
				case sentence := <-s.sentences:
					if sentence == "" {
						continue
					}
					payload, _ := json.Marshal(textMessage{Text: sentence, Flush: true})
					if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
						s.setErr(fmt.Errorf("elevenlabs: write: %w", err))
						return
					}
				default:
					eos, _ := json.Marshal(textMessage{Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, eos)
					<-readDone
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// ---- one-shot synthesis ----

// Synthesize performs a one-shot synthesis via the HTTP streaming endpoint.
// Used for filler audio; not suitable for the conversational hot path.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.SynthesisResult, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	format := outputFormat(voice)
	body, _ := json.Marshal(map[string]any{
		"text":     text,
		"model_id": p.model,
	})
	u := p.synthBase + fmt.Sprintf(synthPathFmt, voice.ID, format)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: synthesize: unexpected status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize read: %w", err)
	}

	rate := voice.SampleRate
	if rate == 0 {
		rate = 22050
	}
	return &tts.SynthesisResult{
		AudioContent: audio,
		AudioFormat:  format,
		DurationMs:   int64(len(audio)) * 1000 / int64(rate*2),
	}, nil
}
