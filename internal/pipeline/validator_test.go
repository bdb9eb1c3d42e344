package pipeline

import "testing"

func TestValidate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name       string
		text       string
		confidence float64
		ttsActive  bool
		want       RejectReason
	}{
		{
			name:       "full question accepted",
			text:       "What is my account balance?",
			confidence: 0.95,
			want:       ReasonAccepted,
		},
		{
			name:       "hindi sentence accepted",
			text:       "मेरा बैलेंस बताओ।",
			confidence: 0.9,
			want:       ReasonAccepted,
		},
		{
			name:       "low confidence short fragment",
			text:       "maybe later",
			confidence: 0.3,
			want:       ReasonLowConfidence,
		},
		{
			name:       "low confidence but long enough to trust",
			confidence: 0.3,
			text:       "Could you please tell me my account balance.",
			want:       ReasonAccepted,
		},
		{
			name:       "too short and not a known phrase",
			text:       "ab",
			confidence: 0.9,
			want:       ReasonTooShort,
		},
		{
			name:       "short phrase allow-list",
			text:       "yes",
			confidence: 0.9,
			want:       ReasonAccepted,
		},
		{
			name:       "short phrase with trailing punctuation",
			text:       "okay.",
			confidence: 0.9,
			want:       ReasonAccepted,
		},
		{
			name:       "short phrase within one edit",
			text:       "okey",
			confidence: 0.9,
			want:       ReasonAccepted,
		},
		{
			name:       "filler sounds only",
			text:       "hmm, umm!",
			confidence: 0.9,
			want:       ReasonNoise,
		},
		{
			name:       "digits only",
			text:       "1234 5678",
			confidence: 0.9,
			want:       ReasonNoise,
		},
		{
			name:       "unsupported script",
			text:       "привет",
			confidence: 0.9,
			want:       ReasonNoScript,
		},
		{
			name:       "short fragment during playback is echo",
			text:       "okay sure",
			confidence: 0.9,
			ttsActive:  true,
			want:       ReasonEchoSuppressed,
		},
		{
			name:       "same fragment without playback",
			text:       "okay sure",
			confidence: 0.9,
			want:       ReasonIncompleteThought,
		},
		{
			name:       "trailing comma mid-thought",
			text:       "I want to, um,",
			confidence: 0.9,
			want:       ReasonIncompleteThought,
		},
		{
			name:       "short but terminated sentence",
			text:       "Send it now.",
			confidence: 0.9,
			want:       ReasonAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.text, tt.confidence, tt.ttsActive)
			if got != tt.want {
				t.Errorf("Validate(%q, %v, %v) = %q, want %q",
					tt.text, tt.confidence, tt.ttsActive, got, tt.want)
			}
		})
	}
}

func TestIsShortPhrase(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"yes", true},
		{"Theek hai", true},
		{"thank you.", true},
		{"thnk you", true}, // one deletion away
		{"no", true},
		{"na", false}, // too short to fuzzy-match
		{"transfer", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isShortPhrase(tt.text); got != tt.want {
			t.Errorf("isShortPhrase(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
