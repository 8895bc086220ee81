package audioio

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a mock audio source for testing.
// It generates synthetic audio (silence or sine wave) on a ticker, or
// delivers frames pushed manually with Push.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	handler  FrameHandler
	stopCh   chan struct{}
	done     chan struct{}
	manual   bool
	startErr error

	// Stats
	framesRead  atomic.Int64
	samplesRead atomic.Int64

	// Synthetic audio generation
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithManualFrames disables the generator; frames arrive only via Push.
func WithManualFrames() MockSourceOption {
	return func(m *MockSource) {
		m.manual = true
	}
}

// WithStartError makes Start fail with err, simulating a missing device or
// a denied permission.
func WithStartError(err error) MockSourceOption {
	return func(m *MockSource) {
		m.startErr = err
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger,
		frequency: 0, // Silence by default
		amplitude: 0.5,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins delivering frames to handle.
func (m *MockSource) Start(ctx context.Context, handle FrameHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return nil
	}

	m.running = true
	m.handler = handle
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})

	if m.manual {
		close(m.done)
	} else {
		go m.generateLoop(ctx, m.stopCh, m.done)
	}

	m.logger.Info("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"frequency", m.frequency,
		"manual", m.manual,
	)

	return nil
}

func (m *MockSource) generateLoop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.BufferDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.deliver(m.generateFrame())
		}
	}
}

func (m *MockSource) generateFrame() []float32 {
	frame := make([]float32, m.cfg.FramesPerBuffer)

	if m.frequency > 0 {
		for i := range frame {
			frame[i] = float32(m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate)))
			m.phase++
			if m.phase >= float64(m.cfg.SampleRate) {
				m.phase = 0
			}
		}
	}
	// else: samples are already zero (silence)

	return frame
}

func (m *MockSource) deliver(frame []float32) bool {
	m.mu.Lock()
	handle := m.handler
	running := m.running
	m.mu.Unlock()

	if !running || handle == nil {
		return false
	}
	handle(frame)
	m.framesRead.Add(1)
	m.samplesRead.Add(int64(len(frame)))
	return true
}

// Push delivers frame synchronously, as the device thread would.
// It reports whether the source was running.
func (m *MockSource) Push(frame []float32) bool {
	return m.deliver(frame)
}

// Stop halts audio generation.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.handler = nil
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("mock audio source stopped")

	return nil
}

// Running reports whether the source is capturing.
func (m *MockSource) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	return SourceStats{
		FramesRead:  m.framesRead.Load(),
		SamplesRead: m.samplesRead.Load(),
		Running:     m.Running(),
		Backend:     "mock",
	}
}

// MockSink is a mock audio sink for testing.
// Tests drive it with Pull; WithRealtimePull makes it pull on a ticker
// like a real device.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	render   RenderFunc
	realtime bool
	stopCh   chan struct{}
	done     chan struct{}

	// Stats
	buffersRendered atomic.Int64
	samplesRendered atomic.Int64
}

// MockSinkOption configures a MockSink.
type MockSinkOption func(*MockSink)

// WithRealtimePull makes the sink pull one buffer per buffer duration.
func WithRealtimePull() MockSinkOption {
	return func(m *MockSink) {
		m.realtime = true
	}
}

// NewMockSink creates a new mock audio sink.
func NewMockSink(cfg Config, logger *slog.Logger, opts ...MockSinkOption) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MockSink{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins pulling from render.
func (m *MockSink) Start(ctx context.Context, render RenderFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true
	m.render = render
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})

	if m.realtime {
		go m.pullLoop(ctx, m.stopCh, m.done)
	} else {
		close(m.done)
	}

	m.logger.Info("mock audio sink started",
		"sample_rate", m.cfg.SampleRate,
		"realtime", m.realtime,
	)
	return nil
}

func (m *MockSink) pullLoop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.BufferDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Pull(m.cfg.FramesPerBuffer)
		}
	}
}

// Pull renders n samples synchronously and returns them. It returns nil
// when the sink is not running.
func (m *MockSink) Pull(n int) []float32 {
	m.mu.Lock()
	render := m.render
	running := m.running
	m.mu.Unlock()

	if !running || render == nil {
		return nil
	}
	out := make([]float32, n)
	render(out)
	m.buffersRendered.Add(1)
	m.samplesRendered.Add(int64(n))
	return out
}

// Stop halts playback.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.render = nil
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("mock audio sink stopped")
	return nil
}

// Running reports whether the sink is playing.
func (m *MockSink) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return "mock"
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	return SinkStats{
		BuffersRendered: m.buffersRendered.Load(),
		SamplesRendered: m.samplesRendered.Load(),
		Running:         m.Running(),
		Backend:         "mock",
	}
}
