package pipeline

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// RejectReason names why a final transcript was discarded. Empty means the
// transcript was accepted.
type RejectReason string

const (
	ReasonAccepted          RejectReason = ""
	ReasonLowConfidence     RejectReason = "low_confidence"
	ReasonTooShort          RejectReason = "too_short"
	ReasonNoise             RejectReason = "noise"
	ReasonNoScript          RejectReason = "no_script"
	ReasonEchoSuppressed    RejectReason = "echo_suppressed"
	ReasonIncompleteThought RejectReason = "incomplete_thought"
)

// defaultMinTranscriptLen is the minimum trimmed length for a transcript that
// is not a recognised standalone phrase.
const defaultMinTranscriptLen = 4

// shortPhrases is the allow-list of standalone utterances accepted below the
// minimum length: greetings, yes/no, thanks, acknowledgements, and their
// common Hindi transliterations.
var shortPhrases = []string{
	"yes", "no", "yeah", "yep", "nope", "ok", "okay", "sure",
	"hello", "hi", "hey", "thanks", "thank you", "bye", "goodbye",
	"correct", "right", "fine", "done", "go ahead", "please",
	"haan", "nahi", "nahin", "namaste", "theek hai", "accha", "ji",
}

// fillerWords are non-lexical sounds that never form a turn on their own.
var fillerWords = map[string]bool{
	"um": true, "uh": true, "uhh": true, "umm": true, "hmm": true,
	"hm": true, "mm": true, "mhm": true, "huh": true, "ah": true,
	"er": true, "erm": true, "eh": true,
}

// indicScripts are the Indic ranges accepted alongside Latin.
var indicScripts = []*unicode.RangeTable{
	unicode.Devanagari,
	unicode.Tamil,
	unicode.Telugu,
	unicode.Malayalam,
	unicode.Kannada,
	unicode.Bengali,
	unicode.Gujarati,
	unicode.Gurmukhi,
}

// Validator decides whether a final transcript becomes part of a user turn.
// The zero value is not usable; use NewValidator.
type Validator struct {
	minLen int
}

// NewValidator returns a Validator with the default minimum length.
func NewValidator() *Validator {
	return &Validator{minLen: defaultMinTranscriptLen}
}

// Validate applies the acceptance rules to text and returns the rejection
// reason, or ReasonAccepted. ttsActive tightens the length threshold because
// short fragments during playback are usually echo of the agent's own voice.
func (v *Validator) Validate(text string, confidence float64, ttsActive bool) RejectReason {
	trimmed := strings.TrimSpace(text)
	n := len([]rune(trimmed))

	if confidence < 0.5 && n < 20 {
		return ReasonLowConfidence
	}
	if n < v.minLen && !isShortPhrase(trimmed) {
		return ReasonTooShort
	}
	if isNoise(trimmed) {
		return ReasonNoise
	}
	if !hasKnownScript(trimmed) {
		return ReasonNoScript
	}
	if ttsActive && n < 10 {
		return ReasonEchoSuppressed
	}
	if n < 15 && !endsSentence(trimmed) && !isShortPhrase(trimmed) {
		return ReasonIncompleteThought
	}
	return ReasonAccepted
}

// isShortPhrase reports whether text matches the standalone-phrase allow-list,
// tolerating a single-character STT slip on phrases long enough to absorb one.
func isShortPhrase(text string) bool {
	t := strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".!?,"))
	if t == "" {
		return false
	}
	for _, p := range shortPhrases {
		if t == p {
			return true
		}
		if len(p) >= 4 && matchr.DamerauLevenshtein(t, p) <= 1 {
			return true
		}
	}
	return false
}

// isNoise reports whether text is purely punctuation, symbols, or filler
// sounds: after removing filler words, no letters remain.
func isNoise(text string) bool {
	residual := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range residual {
		if !fillerWords[w] {
			return false
		}
	}
	return true
}

// hasKnownScript reports whether text contains at least one Latin or Indic
// script character.
func hasKnownScript(text string) bool {
	for _, r := range text {
		if unicode.Is(unicode.Latin, r) {
			return true
		}
		for _, rt := range indicScripts {
			if unicode.Is(rt, r) {
				return true
			}
		}
	}
	return false
}

// endsSentence reports whether text ends with sentence-final punctuation,
// including the Devanagari danda forms.
func endsSentence(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	r := []rune(t)
	switch r[len(r)-1] {
	case '.', '!', '?', '।', '॥':
		return true
	}
	return false
}
