//go:build portaudio

package audioio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

const portAudioAvailable = true

var (
	paMu   sync.Mutex
	paRefs int
)

// paAcquire initialises PortAudio on first use.
func paAcquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
	}
	paRefs++
	return nil
}

// paRelease terminates PortAudio when the last stream closes.
func paRelease() {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		return
	}
	paRefs--
	if paRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// findDevice matches name as a case-insensitive substring, falling back to
// the system default.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name != "" {
		devices, err := portaudio.Devices()
		if err == nil {
			for _, d := range devices {
				if !strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
					continue
				}
				if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
					return d, nil
				}
			}
		}
	}

	var (
		d   *portaudio.DeviceInfo
		err error
	)
	if input {
		d, err = portaudio.DefaultInputDevice()
	} else {
		d, err = portaudio.DefaultOutputDevice()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return d, nil
}

// PortAudioSource captures from a PortAudio input device. If the device
// rejects the pipeline rate it is opened at its default rate and converted.
type PortAudioSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool

	handle FrameHandler
	conv   *Converter
	framer *Framer

	framesRead  atomic.Int64
	samplesRead atomic.Int64
}

func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	return &PortAudioSource{cfg: cfg, logger: logger}, nil
}

// Start opens the device and begins delivering frames.
func (s *PortAudioSource) Start(ctx context.Context, handle FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := paAcquire(); err != nil {
		return err
	}

	dev, err := findDevice(s.cfg.Device, true)
	if err != nil {
		paRelease()
		return err
	}

	s.handle = handle
	s.framer = NewFramer(s.cfg.FramesPerBuffer)

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(s.cfg.SampleRate)
	params.FramesPerBuffer = s.cfg.FramesPerBuffer

	s.conv, _ = NewConverter(s.cfg.SampleRate, s.cfg.SampleRate)
	stream, err := portaudio.OpenStream(params, s.process)
	if err != nil {
		devRate := int(dev.DefaultSampleRate)
		s.logger.Warn("input device rejected pipeline rate, converting",
			"device", dev.Name, "rate", s.cfg.SampleRate, "device_rate", devRate, "error", err)

		conv, cerr := NewConverter(devRate, s.cfg.SampleRate)
		if cerr != nil {
			paRelease()
			return cerr
		}
		s.conv = conv
		params.SampleRate = float64(devRate)
		params.FramesPerBuffer = s.cfg.FramesPerBuffer * devRate / s.cfg.SampleRate
		stream, err = portaudio.OpenStream(params, s.process)
		if err != nil {
			paRelease()
			return fmt.Errorf("%w: open input %q: %v", ErrDeviceUnavailable, dev.Name, err)
		}
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		paRelease()
		return fmt.Errorf("%w: start input %q: %v", ErrDeviceUnavailable, dev.Name, err)
	}

	s.stream = stream
	s.running = true
	s.logger.Info("portaudio source started",
		"device", dev.Name,
		"rate", params.SampleRate,
		"converting", !s.conv.Passthrough(),
	)
	return nil
}

func (s *PortAudioSource) process(in []float32) {
	out, err := s.conv.Process(in)
	if err != nil {
		s.logger.Debug("input conversion failed", "error", err)
		return
	}
	s.framer.Write(out, func(frame []float32) {
		s.handle(frame)
		s.framesRead.Add(1)
		s.samplesRead.Add(int64(len(frame)))
	})
}

// Stop halts capture and releases the device.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	s.stream = nil
	paRelease()
	s.logger.Info("portaudio source stopped")
	return err
}

// Config returns the audio configuration.
func (s *PortAudioSource) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSource) Name() string { return "portaudio" }

// Stats returns source statistics.
func (s *PortAudioSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SourceStats{
		FramesRead:  s.framesRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Running:     running,
		Backend:     "portaudio",
	}
}

// PortAudioSink plays to a PortAudio output device.
type PortAudioSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool

	render RenderFunc
	conv   *Converter
	fifo   FIFO
	block  []float32

	buffersRendered atomic.Int64
	samplesRendered atomic.Int64
}

func newPortAudioSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return &PortAudioSink{cfg: cfg, logger: logger}, nil
}

// Start opens the device and begins pulling from render.
func (s *PortAudioSink) Start(ctx context.Context, render RenderFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := paAcquire(); err != nil {
		return err
	}

	dev, err := findDevice(s.cfg.Device, false)
	if err != nil {
		paRelease()
		return err
	}

	s.render = render
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Input.Device = nil
	params.Input.Channels = 0
	params.Output.Channels = 1
	params.SampleRate = float64(s.cfg.SampleRate)
	params.FramesPerBuffer = s.cfg.FramesPerBuffer

	s.conv, _ = NewConverter(s.cfg.SampleRate, s.cfg.SampleRate)
	stream, err := portaudio.OpenStream(params, s.process)
	if err != nil {
		devRate := int(dev.DefaultSampleRate)
		s.logger.Warn("output device rejected pipeline rate, converting",
			"device", dev.Name, "rate", s.cfg.SampleRate, "device_rate", devRate, "error", err)

		conv, cerr := NewConverter(s.cfg.SampleRate, devRate)
		if cerr != nil {
			paRelease()
			return cerr
		}
		s.conv = conv
		params.SampleRate = float64(devRate)
		stream, err = portaudio.OpenStream(params, s.process)
		if err != nil {
			paRelease()
			return fmt.Errorf("%w: open output %q: %v", ErrDeviceUnavailable, dev.Name, err)
		}
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		paRelease()
		return fmt.Errorf("%w: start output %q: %v", ErrDeviceUnavailable, dev.Name, err)
	}

	s.stream = stream
	s.running = true
	s.logger.Info("portaudio sink started",
		"device", dev.Name,
		"rate", params.SampleRate,
		"converting", !s.conv.Passthrough(),
	)
	return nil
}

func (s *PortAudioSink) process(out []float32) {
	s.buffersRendered.Add(1)
	s.samplesRendered.Add(int64(len(out)))

	if s.conv.Passthrough() {
		s.render(out)
		return
	}

	in, outRate := s.conv.Rates()
	need := int(math.Ceil(float64(len(out)) * float64(in) / float64(outRate)))
	if cap(s.block) < need {
		s.block = make([]float32, need)
	}
	s.block = s.block[:need]

	// The resampler primes its filter on the first blocks, so allow a few
	// renders before zero-filling.
	for i := 0; i < 4 && s.fifo.Len() < len(out); i++ {
		s.render(s.block)
		conv, err := s.conv.Process(s.block)
		if err != nil {
			s.logger.Debug("output conversion failed", "error", err)
			break
		}
		s.fifo.Push(conv)
	}
	s.fifo.Pop(out)
}

// Stop halts playback and releases the device.
func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	s.stream = nil
	paRelease()
	s.logger.Info("portaudio sink stopped")
	return err
}

// Config returns the audio configuration.
func (s *PortAudioSink) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSink) Name() string { return "portaudio" }

// Stats returns sink statistics.
func (s *PortAudioSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SinkStats{
		BuffersRendered: s.buffersRendered.Load(),
		SamplesRendered: s.samplesRendered.Load(),
		Running:         running,
		Backend:         "portaudio",
	}
}
