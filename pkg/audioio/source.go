package audioio

import (
	"context"
	"errors"
)

// Device errors.
var (
	ErrNoDevice          = errors.New("audioio: no audio device")
	ErrPermissionDenied  = errors.New("audioio: permission denied")
	ErrDeviceUnavailable = errors.New("audioio: device unavailable")
	ErrClosed            = errors.New("audioio: closed")
)

// FrameHandler receives one captured frame. It is called from the device
// thread and must not block. The slice is only valid for the call.
type FrameHandler func(frame []float32)

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start acquires the device and begins delivering frames to handle.
	Start(ctx context.Context, handle FrameHandler) error

	// Stop halts capture and releases the device.
	// It is safe to call Stop multiple times.
	Stop() error

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	// FramesRead is the total number of frames delivered.
	FramesRead int64 `json:"frames_read"`

	// SamplesRead is the total number of samples delivered.
	SamplesRead int64 `json:"samples_read"`

	// Running indicates if the source is currently capturing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
