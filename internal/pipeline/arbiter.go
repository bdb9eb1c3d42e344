package pipeline

import (
	"strings"
	"time"

	"github.com/vaani-labs/vaani/pkg/types"
)

// Default debounce bounds for the turn arbiter.
const (
	defaultBaseSilenceWait = 450 * time.Millisecond
	defaultMaxSilenceWait  = 900 * time.Millisecond
)

// midThoughtWords are trailing words that signal the speaker has not finished:
// conjunctions, pronouns, auxiliary verbs, determiners, intent verbs, and
// prepositions. English-centric; the Indic terminator set is honoured in the
// punctuation classes instead.
var midThoughtWords = map[string]bool{
	// conjunctions
	"and": true, "or": true, "but": true, "so": true, "because": true,
	"if": true, "then": true, "than": true, "while": true, "although": true,
	"though": true, "unless": true,
	// pronouns
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true,
	"they": true, "my": true, "your": true, "his": true, "her": true,
	"its": true, "our": true, "their": true, "me": true, "him": true,
	"them": true, "this": true, "these": true, "those": true,
	// auxiliary verbs
	"am": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "shall": true, "should": true, "may": true,
	"might": true, "must": true, "can": true, "could": true,
	// determiners
	"a": true, "an": true, "the": true, "some": true, "any": true,
	"each": true, "every": true,
	// intent verbs
	"want": true, "need": true, "like": true, "trying": true, "going": true,
	"let": true, "gonna": true, "wanna": true,
	// prepositions
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"for": true, "with": true, "from": true, "about": true, "into": true,
	"over": true, "under": true, "after": true, "before": true,
	"between": true, "during": true, "without": true, "within": true,
	// trailing fillers
	"um": true, "uh": true, "umm": true, "uhh": true,
}

// closingPhrases mark a clear conversational ending.
var closingPhrases = []string{
	"thanks", "thank you", "bye", "goodbye", "that's all", "that is all",
	"that's it", "nothing else", "no thanks", "see you",
}

// waitClass names the trailing-text classification used to pick a silence
// wait. Exposed for logging.
type waitClass string

const (
	classMidThought    waitClass = "mid_thought"
	classClearEnding   waitClass = "clear_ending"
	classQuestion      waitClass = "question"
	classPunctuated    waitClass = "punctuated_long"
	classVeryShort     waitClass = "very_short"
	classMediumNoPunct waitClass = "medium_unpunctuated"
	classDefault       waitClass = "default"
)

// arbiter accumulates STT finals and decides how long to wait for further
// speech before committing the turn. It is driven entirely by the orchestrator
// loop; no internal locking.
type arbiter struct {
	base time.Duration
	max  time.Duration

	accumulated    string
	lastConfidence float64
	isSpeaking     bool
	lastSpeechAt   time.Time
}

func newArbiter(base, max time.Duration) *arbiter {
	if base <= 0 {
		base = defaultBaseSilenceWait
	}
	if max <= 0 {
		max = defaultMaxSilenceWait
	}
	if max < base {
		max = base
	}
	return &arbiter{base: base, max: max}
}

// onPartial marks the speaker active; the caller cancels any pending debounce.
func (a *arbiter) onPartial(now time.Time) {
	a.isSpeaking = true
	a.lastSpeechAt = now
}

// onFinal folds text into the accumulated turn and returns the silence wait
// to debounce before committing.
func (a *arbiter) onFinal(t types.Transcript, now time.Time) time.Duration {
	a.isSpeaking = false
	a.lastSpeechAt = now
	text := strings.TrimSpace(t.Text)
	if text != "" {
		if a.accumulated == "" {
			a.accumulated = text
		} else {
			a.accumulated += " " + text
		}
	}
	a.lastConfidence = t.Confidence
	return a.silenceWait(a.accumulated)
}

// take returns the accumulated text and last confidence, clearing the state.
func (a *arbiter) take() (string, float64) {
	text, conf := a.accumulated, a.lastConfidence
	a.accumulated = ""
	a.lastConfidence = 0
	return text, conf
}

// reset drops all accumulated state.
func (a *arbiter) reset() {
	a.accumulated = ""
	a.lastConfidence = 0
	a.isSpeaking = false
}

// silenceWait maps the trailing text onto a debounce duration, clamped to
// [base/2, max] so a misclassification can never stall or rush the turn
// beyond the configured bounds.
func (a *arbiter) silenceWait(text string) time.Duration {
	var wait time.Duration
	switch classifyEnding(text) {
	case classMidThought, classVeryShort:
		wait = a.max
	case classClearEnding:
		wait = minDuration(a.base/2, 600*time.Millisecond)
	case classQuestion:
		wait = minDuration(a.base*6/10, 700*time.Millisecond)
	case classPunctuated:
		wait = minDuration(a.base*3/4, 900*time.Millisecond)
	case classMediumNoPunct:
		wait = maxDuration(a.base, 1200*time.Millisecond)
	default:
		wait = a.base
	}
	if wait < a.base/2 {
		wait = a.base / 2
	}
	if wait > a.max {
		wait = a.max
	}
	return wait
}

// classifyEnding inspects the trailing text and names its completion class.
func classifyEnding(text string) waitClass {
	t := strings.TrimSpace(text)
	if t == "" {
		return classVeryShort
	}
	runes := []rune(t)
	last := runes[len(runes)-1]
	n := len(runes)

	if last == ',' || midThoughtWords[lastWord(t)] {
		return classMidThought
	}
	lower := strings.ToLower(strings.TrimRight(t, ".!?"))
	if last == '.' || last == '!' || last == '?' {
		for _, p := range closingPhrases {
			if strings.HasSuffix(lower, p) {
				return classClearEnding
			}
		}
	}
	if last == '?' {
		return classQuestion
	}
	terminal := last == '.' || last == '!' || last == '?' || last == '।' || last == '॥'
	if terminal && n > 20 {
		return classPunctuated
	}
	if n < 20 {
		// Short but punctuated ("Okay.", "Done.") is a complete answer, not
		// a fragment; only unpunctuated shorts get the long wait.
		if terminal {
			return classDefault
		}
		return classVeryShort
	}
	if n < 40 && !terminal {
		return classMediumNoPunct
	}
	return classDefault
}

// lastWord extracts the final word of text, lowered, stripped of trailing
// punctuation other than comma (comma is handled by the caller).
func lastWord(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimRight(fields[len(fields)-1], ".!?;:")
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
