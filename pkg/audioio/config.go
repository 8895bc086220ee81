// Package audioio provides microphone capture and speaker playback.
//
// This package supports multiple backends:
//   - PortAudio - real devices (build with -tags portaudio)
//   - Mock - CI/Testing without hardware
//
// Sources push fixed-size frames to a handler from the device thread.
// Sinks pull samples from a render function from the device thread.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects PortAudio when compiled in, otherwise Mock.
	BackendAuto Backend = "auto"
	// BackendPortAudio uses PortAudio for cross-platform audio I/O.
	BackendPortAudio Backend = "portaudio"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the pipeline sample rate in Hz.
	// 16000 for capture, 24000 for playback.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels. Only mono is used.
	Channels int `yaml:"channels" json:"channels"`

	// FramesPerBuffer is the number of samples delivered per callback.
	// Default: 4096
	FramesPerBuffer int `yaml:"frames_per_buffer" json:"frames_per_buffer"`

	// Device is a device name substring, empty for the system default.
	Device string `yaml:"device" json:"device"`
}

// DefaultConfig returns a capture Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:         BackendAuto,
		SampleRate:      16000,
		Channels:        1,
		FramesPerBuffer: 4096,
	}
}

// DefaultPlaybackConfig returns a playback Config with sensible defaults.
func DefaultPlaybackConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleRate = 24000
	cfg.FramesPerBuffer = 1024
	return cfg
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("channels must be 1, got %d", c.Channels)
	}
	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("frames_per_buffer must be positive, got %d", c.FramesPerBuffer)
	}
	return nil
}

// BufferDuration returns the wall time covered by one buffer.
func (c *Config) BufferDuration() time.Duration {
	return time.Duration(c.FramesPerBuffer) * time.Second / time.Duration(c.SampleRate)
}
