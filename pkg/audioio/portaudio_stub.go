//go:build !portaudio

package audioio

import (
	"fmt"
	"log/slog"
)

const portAudioAvailable = false

// newPortAudioSource returns an error when built without PortAudio.
func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	return nil, fmt.Errorf("%w: built without portaudio (use -tags portaudio)", ErrNoDevice)
}

// newPortAudioSink returns an error when built without PortAudio.
func newPortAudioSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return nil, fmt.Errorf("%w: built without portaudio (use -tags portaudio)", ErrNoDevice)
}
