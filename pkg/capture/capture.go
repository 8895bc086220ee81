// Package capture turns microphone frames into outbound realtime input.
//
// Each frame delivered by the audio source is dropped while muted;
// otherwise it is tapped for the input waveform, classified by the VAD and
// encoded as 16 kHz PCM for the session. The handler never blocks on the
// network: the sender is expected to enqueue and return.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/friday/pkg/audioio"
	"github.com/teslashibe/friday/pkg/live"
	"github.com/teslashibe/friday/pkg/metrics"
	"github.com/teslashibe/friday/pkg/pcm"
	"github.com/teslashibe/friday/pkg/vad"
)

// ErrAlreadyRunning is returned by Start on a running pipeline.
var ErrAlreadyRunning = errors.New("capture: already running")

// Sender accepts outbound realtime input without blocking.
type Sender interface {
	SendRealtime(live.RealtimeInput)
}

// Options configures a Pipeline.
type Options struct {
	Source audioio.Source
	Sender Sender
	// Analyser receives unmuted frames for the input waveform.
	Analyser *audioio.Analyser
	Metrics  *metrics.Pipeline
	Logger   *slog.Logger
	// OnSpeaking is called when the speaking classification changes.
	OnSpeaking func(speaking bool)
}

// Pipeline owns the microphone for the lifetime of a session.
type Pipeline struct {
	source     audioio.Source
	sender     Sender
	analyser   *audioio.Analyser
	metrics    *metrics.Pipeline
	logger     *slog.Logger
	onSpeaking func(bool)

	tracker vad.Tracker
	muted   atomic.Bool

	mu      sync.Mutex
	running bool
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onSpeaking := opts.OnSpeaking
	if onSpeaking == nil {
		onSpeaking = func(bool) {}
	}
	return &Pipeline{
		source:     opts.Source,
		sender:     opts.Sender,
		analyser:   opts.Analyser,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "capture"),
		onSpeaking: onSpeaking,
	}
}

// Start acquires the microphone. Device errors are returned wrapped so
// callers can test for audioio.ErrPermissionDenied or audioio.ErrNoDevice.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}
	if p.source == nil {
		return fmt.Errorf("capture: %w", audioio.ErrNoDevice)
	}
	if err := p.source.Start(ctx, p.handleFrame); err != nil {
		p.logger.Warn("microphone unavailable", "backend", p.source.Name(), "error", err)
		return fmt.Errorf("capture: start %s: %w", p.source.Name(), err)
	}
	p.running = true
	p.logger.Info("capture started", "backend", p.source.Name(), "muted", p.muted.Load())
	return nil
}

// Stop releases the microphone and clears the speaking flag. It is safe to
// call on a stopped pipeline.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	err := p.source.Stop()
	if p.tracker.Reset() {
		p.onSpeaking(false)
	}
	if p.analyser != nil {
		p.analyser.Reset()
	}
	p.logger.Info("capture stopped")
	return err
}

// Running reports whether the microphone is held.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetMuted toggles the software mute. Muted frames are not processed.
func (p *Pipeline) SetMuted(muted bool) {
	if p.muted.Swap(muted) != muted {
		p.logger.Info("mute changed", "muted", muted)
	}
}

// Muted reports the software mute.
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// Speaking returns the last emitted speaking classification.
func (p *Pipeline) Speaking() bool {
	return p.tracker.Speaking()
}

// handleFrame runs on the device thread.
func (p *Pipeline) handleFrame(frame []float32) {
	if p.muted.Load() {
		p.metrics.FrameMuted()
		return
	}

	if p.analyser != nil {
		p.analyser.Write(frame)
	}
	if speaking, changed := p.tracker.Update(frame); changed {
		p.onSpeaking(speaking)
	}

	blob := pcm.Encode(frame)
	if p.sender != nil {
		p.sender.SendRealtime(live.RealtimeInput{Media: &blob})
	}
	p.metrics.FrameSent()
}
