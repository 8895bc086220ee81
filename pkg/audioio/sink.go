package audioio

import "context"

// RenderFunc fills out with the next samples to play. It is called from the
// device thread and must not block.
type RenderFunc func(out []float32)

// Sink plays audio to a speaker or other output device.
type Sink interface {
	// Start acquires the device and begins pulling samples from render.
	Start(ctx context.Context, render RenderFunc) error

	// Stop halts playback and releases the device.
	// It is safe to call Stop multiple times.
	Stop() error

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	// BuffersRendered is the total number of render calls.
	BuffersRendered int64 `json:"buffers_rendered"`

	// SamplesRendered is the total number of samples pulled.
	SamplesRendered int64 `json:"samples_rendered"`

	// Running indicates if the sink is currently playing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
