// Package audio provides PCM helpers shared by the pipeline and the
// transport: RMS level measurement for barge-in detection and WAV framing
// for browser-playable output chunks.
package audio

import "math"

// RMS computes the root-mean-square level of a little-endian signed 16-bit
// PCM frame: sqrt(Σ sample² / N). An empty or odd-length frame yields 0.
//
// Pure function; used by the barge-in controller to detect the caller
// speaking over agent playback. STT receives the unmodified frame.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n*2; i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
