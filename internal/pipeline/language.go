package pipeline

import "unicode"

// detectLanguage classifies a sentence by script ratio: more than half
// Devanagari letters means Hindi, otherwise English. Non-letter runes are
// ignored. Empty or letterless text falls back to fallback.
func detectLanguage(text, fallback string) string {
	var letters, devanagari int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Devanagari, r) {
			devanagari++
		}
	}
	if letters == 0 {
		return fallback
	}
	if devanagari*2 > letters {
		return "hi-IN"
	}
	return "en-IN"
}
