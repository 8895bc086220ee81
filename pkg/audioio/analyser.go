package audioio

import (
	"math"
	"sync"
)

// AnalyserSize is the number of samples kept for waveform snapshots.
const AnalyserSize = 256

// Analyser is a visualisation tap. Writers tee samples into it without
// altering the audible path; readers take snapshots for the dashboard.
type Analyser struct {
	mu    sync.Mutex
	ring  [AnalyserSize]float32
	pos   int
	level float64
}

// NewAnalyser returns an empty analyser.
func NewAnalyser() *Analyser {
	return &Analyser{}
}

// Write records samples and updates the smoothed level.
func (a *Analyser) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(samples) > AnalyserSize {
		samples = samples[len(samples)-AnalyserSize:]
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % AnalyserSize
	}
	// Same smoothing constant as a browser AnalyserNode.
	a.level = 0.8*a.level + 0.2*rms
}

// Snapshot returns the most recent samples, oldest first.
func (a *Analyser) Snapshot() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]float32, AnalyserSize)
	n := copy(out, a.ring[a.pos:])
	copy(out[n:], a.ring[:a.pos])
	return out
}

// Level returns the smoothed RMS level.
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level
}

// Reset clears the tap.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring = [AnalyserSize]float32{}
	a.pos = 0
	a.level = 0
}
