// Package media streams camera frames and user uploads to the session.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/friday/pkg/live"
	"github.com/teslashibe/friday/pkg/metrics"
	"github.com/teslashibe/friday/pkg/pcm"
)

// Errors.
var (
	ErrNoCamera          = errors.New("media: no camera available")
	ErrUnsupportedUpload = errors.New("media: unsupported upload type")
	ErrEmptyUpload       = errors.New("media: empty upload")
)

// MIMEFrame tags every camera frame.
const MIMEFrame = "image/jpeg"

// DefaultFPS is the camera frame rate.
const DefaultFPS = 2

// Camera produces JPEG stills.
type Camera interface {
	Open() error
	Frame() ([]byte, error)
	Close() error
}

// Sender accepts outbound realtime input without blocking.
type Sender interface {
	SendRealtime(live.RealtimeInput)
}

// Options configures a Streamer.
type Options struct {
	Camera  Camera
	Sender  Sender
	FPS     int
	Metrics *metrics.Pipeline
	Logger  *slog.Logger
	// OnChange is called with the new active flag after Start or Stop.
	OnChange func(active bool)
}

// Streamer owns the camera while video is on.
type Streamer struct {
	camera   Camera
	sender   Sender
	interval time.Duration
	metrics  *metrics.Pipeline
	logger   *slog.Logger
	onChange func(bool)

	// op serialises Start and Stop; mu guards the fields below.
	op     sync.Mutex
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStreamer creates a streamer.
func NewStreamer(opts Options) *Streamer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	onChange := opts.OnChange
	if onChange == nil {
		onChange = func(bool) {}
	}
	return &Streamer{
		camera:   opts.Camera,
		sender:   opts.Sender,
		interval: time.Second / time.Duration(fps),
		metrics:  opts.Metrics,
		logger:   logger.With("component", "media"),
		onChange: onChange,
	}
}

// Start opens the camera and begins streaming. Calling Start while active
// is a no-op. A camera error is returned and the streamer stays off.
func (s *Streamer) Start(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	if s.camera == nil {
		s.mu.Unlock()
		return ErrNoCamera
	}
	if err := s.camera.Open(); err != nil {
		s.mu.Unlock()
		s.logger.Warn("camera unavailable", "error", err)
		return fmt.Errorf("media: open camera: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.mu.Unlock()

	s.logger.Info("camera streaming", "interval", s.interval)
	s.onChange(true)
	return nil
}

// Stop ends streaming and releases the camera. It is safe to call when idle.
func (s *Streamer) Stop() error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	err := s.camera.Close()
	s.logger.Info("camera stopped")
	s.onChange(false)
	return err
}

// Active reports whether the camera is streaming.
func (s *Streamer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Streamer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.capture()
		}
	}
}

func (s *Streamer) capture() {
	data, err := s.camera.Frame()
	if err != nil {
		s.logger.Warn("camera frame failed", "error", err)
		return
	}
	if len(data) == 0 {
		return
	}
	blob := pcm.NewBlob(MIMEFrame, data)
	if s.sender != nil {
		s.sender.SendRealtime(live.RealtimeInput{Media: &blob})
	}
	s.metrics.VideoFrameSent()
}

// Upload converts a user file into realtime input: the file itself followed
// by a text hint naming it. Only images and PDFs are accepted. An empty
// mimeType is sniffed from the content.
func Upload(name, mimeType string, data []byte) ([]live.RealtimeInput, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = http.DetectContentType(data)
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedUpload, mimeType)
	}
	if !strings.HasPrefix(mediaType, "image/") && mediaType != "application/pdf" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedUpload, mediaType)
	}

	blob := pcm.NewBlob(mediaType, data)
	return []live.RealtimeInput{
		{Media: &blob},
		{Text: fmt.Sprintf("[User uploaded a file: %s]", name)},
	}, nil
}
