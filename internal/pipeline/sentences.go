package pipeline

import (
	"regexp"
	"strings"

	"github.com/vaani-labs/vaani/pkg/types"
)

// sentenceBoundary matches a complete sentence up to and including its
// terminator: sentence-final punctuation (Latin or Devanagari danda) with any
// trailing whitespace, or a colon followed by a newline (list introductions).
var sentenceBoundary = regexp.MustCompile(`[.!?।॥]\s*|:\s*\n`)

// sentenceSplitter buffers streamed LLM tokens and emits whole sentences.
// Driven by the orchestrator loop; no locking.
type sentenceSplitter struct {
	buf strings.Builder
}

// feed appends a token and returns any complete sentences now available, in
// order. The residual stays buffered.
func (s *sentenceSplitter) feed(token string) []string {
	s.buf.WriteString(token)
	text := s.buf.String()

	var sentences []string
	for {
		loc := sentenceBoundary.FindStringIndex(text)
		if loc == nil {
			break
		}
		sentence := strings.TrimSpace(text[:loc[1]])
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		text = text[loc[1]:]
	}
	s.buf.Reset()
	s.buf.WriteString(text)
	return sentences
}

// flush returns the residual buffer as a final sentence, if non-empty.
func (s *sentenceSplitter) flush() (string, bool) {
	residual := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return residual, residual != ""
}

// reset discards any buffered text.
func (s *sentenceSplitter) reset() { s.buf.Reset() }

// ─── tool-name sanitisation ───

const maxToolNameLen = 64

var toolNameBad = regexp.MustCompile(`[^A-Za-z0-9_.:-]`)

// sanitizeToolName rewrites name to satisfy provider constraints: characters
// outside [A-Za-z0-9_.:-] become underscores, the first character must be a
// letter or underscore, and the result is truncated to 64 characters.
func sanitizeToolName(name string) string {
	s := toolNameBad.ReplaceAllString(name, "_")
	if s == "" {
		return "_"
	}
	first := s[0]
	isLetter := (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z')
	if !isLetter && first != '_' {
		s = "_" + s
	}
	if len(s) > maxToolNameLen {
		s = s[:maxToolNameLen]
	}
	return s
}

// sanitizeToolDefinitions sanitises every definition name and deduplicates by
// sanitised name, first occurrence winning. The returned slice is a copy.
func sanitizeToolDefinitions(defs []types.ToolDefinition) []types.ToolDefinition {
	seen := make(map[string]bool, len(defs))
	out := make([]types.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		name := sanitizeToolName(d.Name)
		if seen[name] {
			continue
		}
		seen[name] = true
		d.Name = name
		out = append(out, d)
	}
	return out
}
