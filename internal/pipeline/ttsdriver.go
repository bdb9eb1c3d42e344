package pipeline

import (
	"strings"

	"github.com/vaani-labs/vaani/pkg/audio"
	"github.com/vaani-labs/vaani/pkg/provider/tts"
)

// pcmChunkBytes is the minimum PCM accumulated before emitting an outbound
// chunk (about 90 ms at 44.1 kHz/16-bit). Smaller chunks cause boundary
// artifacts in browser playback.
const pcmChunkBytes = 8 * 1024

// ttsDriver wraps one streaming TTS session for the duration of a turn. It
// tracks which sentences were sent and which finished playing, guards End
// against empty input, and reframes raw PCM into WAV-headed chunks.
//
// Methods are called only from the orchestrator loop; the pump goroutine
// communicates exclusively through posted events.
type ttsDriver struct {
	handle     tts.SessionHandle
	encoding   string
	sampleRate int

	textSent  bool
	sentences []string
	played    int
}

func newTTSDriver(handle tts.SessionHandle, voice tts.Voice) *ttsDriver {
	rate := voice.SampleRate
	if rate == 0 {
		rate = 22050
	}
	enc := voice.Encoding
	if enc == "" {
		enc = "pcm"
	}
	return &ttsDriver{handle: handle, encoding: enc, sampleRate: rate}
}

// send queues one sentence for synthesis and records it for played-prefix
// tracking.
func (d *ttsDriver) send(text string) error {
	if err := d.handle.SendText(text); err != nil {
		return err
	}
	d.sentences = append(d.sentences, text)
	d.textSent = true
	return nil
}

// setLanguage forwards a mid-turn voice language switch.
func (d *ttsDriver) setLanguage(language string) {
	d.handle.SetLanguage(language)
}

// end closes the input side iff any text was sent; providers reject End on an
// empty stream. Reports whether End was actually issued.
func (d *ttsDriver) end() bool {
	if !d.textSent {
		return false
	}
	_ = d.handle.End()
	return true
}

// abort cancels the upstream immediately.
func (d *ttsDriver) abort() { d.handle.Abort() }

// markPlayed records that the utterance at index has fully played.
func (d *ttsDriver) markPlayed(index int) {
	if n := index + 1; n > d.played && n <= len(d.sentences) {
		d.played = n
	}
}

// playedPrefix returns the concatenation of the sentences whose audio
// completed, for barge-in truncation.
func (d *ttsDriver) playedPrefix() string {
	return strings.Join(d.sentences[:d.played], " ")
}

// fullText returns every sentence sent this turn, joined.
func (d *ttsDriver) fullText() string {
	return strings.Join(d.sentences, " ")
}

// pump forwards the session's output to the event queue until the session
// ends. Raw PCM accumulates to at least pcmChunkBytes and each outbound chunk
// gets a fresh WAV header; telephony mu-law passes through unframed.
func (d *ttsDriver) pump(gen uint64, post func(event)) {
	chunks := d.handle.Chunks()
	utts := d.handle.UtteranceDone()
	var acc []byte

	emit := func(pcm []byte) {
		if len(pcm) == 0 {
			return
		}
		out := pcm
		if d.encoding == "pcm" {
			out = audio.WrapWAV(pcm, d.sampleRate)
		}
		post(event{kind: evTTSChunk, gen: gen, audio: out})
	}

	for chunks != nil || utts != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if d.encoding != "pcm" {
				emit(c)
				continue
			}
			acc = append(acc, c...)
			if len(acc) >= pcmChunkBytes {
				emit(acc)
				acc = nil
			}
		case i, ok := <-utts:
			if !ok {
				utts = nil
				continue
			}
			post(event{kind: evTTSUtterance, gen: gen, utterance: i})
		}
	}
	emit(acc)

	<-d.handle.Done()
	post(event{kind: evTTSDone, gen: gen, err: d.handle.Err()})
}

// chunkDuration returns the playback milliseconds represented by an outbound
// chunk produced by pump.
func (d *ttsDriver) chunkDuration(chunk []byte) int64 {
	if d.encoding == "pcm" {
		body := len(chunk) - audio.WAVHeaderSize
		if body < 0 {
			body = 0
		}
		return audio.PlaybackDuration(body, d.sampleRate)
	}
	// mu-law: one byte per sample at 8 kHz.
	return int64(len(chunk)) * 1000 / 8000
}
