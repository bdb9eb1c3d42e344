package pipeline

import "github.com/vaani-labs/vaani/pkg/audio"

// Barge-in detector defaults.
const (
	defaultBargeInThreshold = 600.0
	defaultBargeInFrames    = 2
)

// bargeDetector counts consecutive loud inbound frames while the agent is
// speaking. It is evaluated only when playback is active; the orchestrator
// resets it whenever playback starts or stops.
type bargeDetector struct {
	threshold float64
	required  int
	loudRun   int
}

func newBargeDetector(threshold float64, required int) *bargeDetector {
	if threshold <= 0 {
		threshold = defaultBargeInThreshold
	}
	if required <= 0 {
		required = defaultBargeInFrames
	}
	return &bargeDetector{threshold: threshold, required: required}
}

// observe feeds one PCM frame and reports whether a barge-in fired. A quiet
// frame resets the run; firing also resets it.
func (d *bargeDetector) observe(frame []byte) bool {
	if audio.RMS(frame) <= d.threshold {
		d.loudRun = 0
		return false
	}
	d.loudRun++
	if d.loudRun >= d.required {
		d.loudRun = 0
		return true
	}
	return false
}

// reset clears the consecutive-frame counter.
func (d *bargeDetector) reset() { d.loudRun = 0 }
