package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vaani-labs/vaani/pkg/provider/tts"
)

// defaultFillers are the acknowledgement phrases played while slow tools run,
// used when the agent config supplies none.
var defaultFillers = []string{
	"One moment.",
	"Let me check that.",
	"Just a second.",
}

// fillerSynthTimeout bounds the live-synthesis fallback so a slow TTS call
// never delays the tool it is supposed to mask.
const fillerSynthTimeout = 2 * time.Second

// fillerPlayer serves short audio snippets that mask tool latency.
// Preference order: warmed cache for the language, then a one-shot synthesis,
// then silence. It never returns an error; a missing filler is silence.
type fillerPlayer struct {
	provider tts.Provider
	voice    tts.Voice
	phrases  []string
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string][][]byte
	next  map[string]int
}

func newFillerPlayer(provider tts.Provider, voice tts.Voice, phrases []string, logger *slog.Logger) *fillerPlayer {
	if len(phrases) == 0 {
		phrases = defaultFillers
	}
	return &fillerPlayer{
		provider: provider,
		voice:    voice,
		phrases:  phrases,
		logger:   logger,
		cache:    make(map[string][][]byte),
		next:     make(map[string]int),
	}
}

// warm pre-synthesises every phrase for each language. Meant to run in a
// background goroutine at pipeline start; failures are logged and skipped so
// the live-synthesis fallback still works.
func (f *fillerPlayer) warm(ctx context.Context, languages []string) {
	for _, lang := range languages {
		voice := f.voice
		voice.Language = lang
		var buffers [][]byte
		for _, phrase := range f.phrases {
			res, err := f.provider.Synthesize(ctx, phrase, voice)
			if err != nil {
				f.logger.Warn("filler warm-up synthesis failed",
					"language", lang, "phrase", phrase, "error", err)
				continue
			}
			buffers = append(buffers, res.AudioContent)
		}
		if len(buffers) > 0 {
			f.mu.Lock()
			f.cache[lang] = buffers
			f.mu.Unlock()
		}
	}
}

// play returns one filler buffer for the language, or nil for silence.
// Cached buffers rotate round-robin so back-to-back tool calls don't repeat
// the same phrase.
func (f *fillerPlayer) play(ctx context.Context, language string) []byte {
	f.mu.Lock()
	if buffers := f.cache[language]; len(buffers) > 0 {
		i := f.next[language] % len(buffers)
		f.next[language]++
		f.mu.Unlock()
		return buffers[i]
	}
	f.mu.Unlock()

	synthCtx, cancel := context.WithTimeout(ctx, fillerSynthTimeout)
	defer cancel()
	voice := f.voice
	voice.Language = language
	res, err := f.provider.Synthesize(synthCtx, f.phrases[0], voice)
	if err != nil {
		f.logger.Debug("filler live synthesis failed, playing silence",
			"language", language, "error", err)
		return nil
	}
	return res.AudioContent
}
