// Package playback schedules inbound audio chunks for gapless playback
// against the output device clock and handles interruptions.
//
// The output clock is the number of frames the sink has rendered divided by
// the output rate. Each chunk starts at max(cursor, now) and advances the
// cursor by its duration, so chunks play back-to-back in arrival order.
// All state is guarded by one mutex; the sink's render callback and the
// inbound message path never mutate it concurrently.
package playback

import (
	"log/slog"
	"sync"

	"github.com/teslashibe/friday/pkg/audioio"
	"github.com/teslashibe/friday/pkg/metrics"
	"github.com/teslashibe/friday/pkg/pcm"
)

// Unit is one decoded chunk scheduled to play at a fixed start time.
type Unit struct {
	ID     uint64
	Buffer *pcm.Buffer

	startFrame int64
	endFrame   int64
	rate       int
	stopped    bool
}

// StartAt returns the scheduled start time in seconds.
func (u *Unit) StartAt() float64 {
	return float64(u.startFrame) / float64(u.rate)
}

// EndAt returns the scheduled end time in seconds.
func (u *Unit) EndAt() float64 {
	return float64(u.endFrame) / float64(u.rate)
}

// Duration returns the unit's length in seconds.
func (u *Unit) Duration() float64 {
	return u.Buffer.Duration()
}

// Stopped reports whether the unit was cut off by an interruption or
// teardown rather than playing to the end.
func (u *Unit) Stopped() bool {
	return u.stopped
}

// Options configures an Engine.
type Options struct {
	// SampleRate is the output rate. Default: 24000.
	SampleRate int

	// Analyser receives the mixed output for visualisation. Optional.
	Analyser *audioio.Analyser

	// OnUnitEnded is called after a unit is removed from the active set.
	OnUnitEnded func(*Unit)

	// OnSpeakingChange is called when playback starts or drains.
	OnSpeakingChange func(speaking bool)

	Metrics *metrics.Pipeline
	Logger  *slog.Logger
}

// Engine is the decode/schedule engine.
type Engine struct {
	rate     int
	analyser *audioio.Analyser
	metrics  *metrics.Pipeline
	logger   *slog.Logger

	onUnitEnded      func(*Unit)
	onSpeakingChange func(bool)

	mu       sync.Mutex
	rendered int64 // output clock, in frames
	next     int64 // nextPlaybackTime, in frames
	active   []*Unit
	seq      uint64
	speaking bool
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	if opts.SampleRate <= 0 {
		opts.SampleRate = pcm.OutputRate
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		rate:             opts.SampleRate,
		analyser:         opts.Analyser,
		metrics:          opts.Metrics,
		logger:           opts.Logger.With("component", "playback"),
		onUnitEnded:      opts.OnUnitEnded,
		onSpeakingChange: opts.OnSpeakingChange,
	}
}

// SampleRate returns the output rate.
func (e *Engine) SampleRate() int {
	return e.rate
}

// OnChunk decodes blob and schedules it. A chunk that fails to decode is
// dropped and leaves the cursor untouched.
func (e *Engine) OnChunk(blob pcm.Blob) (*Unit, error) {
	buf, err := pcm.Decode(blob, e.rate)
	if err != nil {
		e.metrics.DecodeError()
		e.logger.Warn("dropping undecodable audio chunk", "mime_type", blob.MIMEType, "error", err)
		return nil, err
	}
	return e.Schedule(buf), nil
}

// Schedule places a decoded buffer at max(cursor, now) and advances the
// cursor by its length.
func (e *Engine) Schedule(buf *pcm.Buffer) *Unit {
	e.mu.Lock()

	start := e.next
	if start < e.rendered {
		start = e.rendered
	}
	e.seq++
	u := &Unit{
		ID:         e.seq,
		Buffer:     buf,
		startFrame: start,
		endFrame:   start + int64(buf.Frames()),
		rate:       e.rate,
	}
	e.active = append(e.active, u)
	e.next = u.endFrame

	ahead := float64(e.next-e.rendered) / float64(e.rate)
	active := len(e.active)
	started := !e.speaking
	e.speaking = true
	e.mu.Unlock()

	e.metrics.ChunkScheduled(buf.Duration(), ahead, active)
	e.logger.Debug("chunk scheduled",
		"unit", u.ID,
		"start", u.StartAt(),
		"duration", buf.Duration(),
		"ahead", ahead,
	)
	if started && e.onSpeakingChange != nil {
		e.onSpeakingChange(true)
	}
	return u
}

// Render is the sink callback. It mixes every unit overlapping the next
// len(out) frames, advances the clock and retires finished units.
func (e *Engine) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	e.mu.Lock()
	winStart := e.rendered
	winEnd := winStart + int64(len(out))

	var ended []*Unit
	kept := e.active[:0]
	for _, u := range e.active {
		from := max(u.startFrame, winStart)
		to := min(u.endFrame, winEnd)
		for f := from; f < to; f++ {
			out[f-winStart] += u.Buffer.Samples[f-u.startFrame]
		}
		if u.endFrame <= winEnd {
			ended = append(ended, u)
		} else {
			kept = append(kept, u)
		}
	}
	for i := len(kept); i < len(e.active); i++ {
		e.active[i] = nil
	}
	e.active = kept
	e.rendered = winEnd

	drained := e.speaking && len(e.active) == 0
	if drained {
		e.speaking = false
	}
	active := len(e.active)
	e.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	if e.analyser != nil {
		e.analyser.Write(out)
	}

	if len(ended) > 0 {
		e.metrics.UnitsActive(active)
	}
	e.finish(ended, drained)
}

// Interrupt hard-stops every active unit, clears the set and resets the
// cursor to zero so the next chunk schedules relative to now.
func (e *Engine) Interrupt() int {
	n := e.stop()
	e.metrics.Interrupted()
	e.logger.Info("playback interrupted", "stopped_units", n)
	return n
}

// StopAll is the teardown variant of Interrupt used when a session ends.
func (e *Engine) StopAll() int {
	n := e.stop()
	e.metrics.UnitsActive(0)
	if n > 0 {
		e.logger.Debug("playback stopped", "stopped_units", n)
	}
	return n
}

func (e *Engine) stop() int {
	e.mu.Lock()
	stopped := e.active
	for _, u := range stopped {
		u.stopped = true
	}
	e.active = nil
	e.next = 0
	drained := e.speaking
	e.speaking = false
	e.mu.Unlock()

	e.finish(stopped, drained)
	return len(stopped)
}

func (e *Engine) finish(ended []*Unit, drained bool) {
	if e.onUnitEnded != nil {
		for _, u := range ended {
			e.onUnitEnded(u)
		}
	}
	if drained && e.onSpeakingChange != nil {
		e.onSpeakingChange(false)
	}
}

// Now returns the output clock in seconds.
func (e *Engine) Now() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.rendered) / float64(e.rate)
}

// NextPlaybackTime returns the scheduling cursor in seconds.
func (e *Engine) NextPlaybackTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.next) / float64(e.rate)
}

// Active returns the number of scheduled or playing units.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Speaking reports whether any unit is scheduled or playing.
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}
