// Package vad classifies capture frames as speech or silence by energy.
package vad

import (
	"math"
	"sync"
)

// Threshold is the RMS level above which a frame counts as speech.
const Threshold = 0.02

// RMS returns the root-mean-square energy of frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Classify reports whether frame is speech. The comparison is strict.
func Classify(frame []float32) bool {
	return RMS(frame) > Threshold
}

// Tracker debounces classifications so that only changes are reported.
type Tracker struct {
	mu       sync.Mutex
	speaking bool
}

// Update classifies frame and reports the current value and whether it
// differs from the previously emitted one.
func (t *Tracker) Update(frame []float32) (speaking, changed bool) {
	return t.Set(Classify(frame))
}

// Set records v and reports whether it changed.
func (t *Tracker) Set(v bool) (speaking, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed = v != t.speaking
	t.speaking = v
	return v, changed
}

// Speaking returns the last emitted value.
func (t *Tracker) Speaking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speaking
}

// Reset forces the value back to false and reports whether it changed.
func (t *Tracker) Reset() (changed bool) {
	_, changed = t.Set(false)
	return changed
}
