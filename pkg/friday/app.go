// Package friday wires the assistant together and owns its lifecycle.
package friday

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/friday/internal/config"
	"github.com/teslashibe/friday/internal/log"
	"github.com/teslashibe/friday/pkg/audioio"
	"github.com/teslashibe/friday/pkg/capture"
	"github.com/teslashibe/friday/pkg/gmail"
	"github.com/teslashibe/friday/pkg/live"
	"github.com/teslashibe/friday/pkg/media"
	"github.com/teslashibe/friday/pkg/metrics"
	"github.com/teslashibe/friday/pkg/playback"
	"github.com/teslashibe/friday/pkg/session"
	"github.com/teslashibe/friday/pkg/tools"
	"github.com/teslashibe/friday/pkg/tools/simulated"
	"github.com/teslashibe/friday/pkg/web"
)

// ErrNotConnected is returned for actions that need a live session.
var ErrNotConnected = errors.New("friday: not connected")

// Pattern camera frame size for the mock camera backend.
const (
	patternWidth  = 320
	patternHeight = 240
)

// App is the assistant.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Pipeline
	dialer  live.Dialer

	source      audioio.Source
	sink        audioio.Sink
	inAnalyser  *audioio.Analyser
	outAnalyser *audioio.Analyser
	engine      *playback.Engine
	capture     *capture.Pipeline
	streamer    *media.Streamer

	toolLog    *tools.Log
	gmail      *gmail.Client
	dispatcher *tools.Dispatcher
	session    *session.Manager
	web        *web.Server

	userSpeaking  atomic.Bool
	modelSpeaking atomic.Bool

	mu      sync.Mutex
	runCtx  context.Context
	stopped bool
}

// New validates cfg and creates an app. Call Init before Run.
func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		logger:  log.Component(log.L(), "friday"),
		metrics: metrics.New("friday"),
		runCtx:  context.Background(),
	}
	switch cfg.Live.Backend {
	case config.BackendGenAI:
		a.dialer = &live.GenAIDialer{Logger: log.L()}
	default:
		a.dialer = &live.WebSocketDialer{Logger: log.L()}
	}
	return a, nil
}

// Init builds every component.
func (a *App) Init() error {
	a.logger.Info("initialising",
		"model", a.cfg.Live.Model,
		"backend", a.cfg.Live.Backend,
		"audio", a.cfg.Audio.Backend,
	)

	if err := a.initAudio(); err != nil {
		return fmt.Errorf("audio init: %w", err)
	}
	a.initTools()
	a.initSession()
	a.initWeb()
	a.toolLog.OnChange(func(e tools.Entry) {
		if a.web != nil {
			a.web.PublishTool(e)
		}
	})
	return nil
}

func (a *App) initAudio() error {
	a.logger.Debug("audio backends", "available", audioio.AvailableBackends())
	a.inAnalyser = audioio.NewAnalyser()
	a.outAnalyser = audioio.NewAnalyser()

	sinkCfg := audioio.DefaultPlaybackConfig()
	sinkCfg.Backend = audioio.Backend(a.cfg.Audio.Backend)
	sinkCfg.SampleRate = a.cfg.Audio.PlaybackRate
	sinkCfg.Device = a.cfg.Audio.OutputDevice
	sink, err := audioio.NewSink(sinkCfg, log.L())
	if err != nil {
		return fmt.Errorf("speaker: %w", err)
	}
	a.sink = sink

	srcCfg := audioio.DefaultConfig()
	srcCfg.Backend = audioio.Backend(a.cfg.Audio.Backend)
	srcCfg.SampleRate = a.cfg.Audio.CaptureRate
	srcCfg.FramesPerBuffer = a.cfg.Audio.FramesPerBuffer
	srcCfg.Device = a.cfg.Audio.InputDevice
	source, err := audioio.NewSource(srcCfg, log.L())
	if err != nil {
		// The session still runs; connecting reports the missing microphone.
		a.logger.Warn("microphone unavailable", "error", err)
	} else {
		a.source = source
	}

	a.engine = playback.NewEngine(playback.Options{
		SampleRate: a.cfg.Audio.PlaybackRate,
		Analyser:   a.outAnalyser,
		OnSpeakingChange: func(speaking bool) {
			a.modelSpeaking.Store(speaking)
			a.publishStatus()
		},
		Metrics: a.metrics,
		Logger:  log.L(),
	})
	return nil
}

func (a *App) initTools() {
	a.toolLog = tools.NewLog()

	latency := simulated.Latency{}
	if a.cfg.Tools.SimulatedLatency {
		latency = simulated.DefaultLatency()
	}
	opts := tools.Options{
		Simulated: simulated.New(latency),
		Metrics:   a.metrics,
		Logger:    log.L(),
	}

	if a.cfg.GmailConfigured() {
		client, err := gmail.New(gmail.Config{
			ClientID:     a.cfg.Gmail.ClientID,
			ClientSecret: a.cfg.Gmail.ClientSecret,
			RedirectURL:  a.cfg.Gmail.RedirectURL,
			TokenPath:    a.cfg.Gmail.TokenPath,
			Logger:       log.L(),
		})
		if err != nil {
			a.logger.Warn("gmail disabled", "error", err)
		} else {
			a.gmail = client
			opts.Live = client
			opts.LiveReady = client.IsAuthenticated
		}
	}
	a.dispatcher = tools.NewDispatcher(opts)
}

func (a *App) initSession() {
	sender := senderFunc(func(in live.RealtimeInput) { a.session.SendRealtime(in) })

	a.capture = capture.New(capture.Options{
		Source:   a.source,
		Sender:   sender,
		Analyser: a.inAnalyser,
		Metrics:  a.metrics,
		Logger:   log.L(),
		OnSpeaking: func(speaking bool) {
			a.userSpeaking.Store(speaking)
			a.publishStatus()
		},
	})

	var camera media.Camera
	if a.cfg.Camera.Backend == config.CameraMock {
		camera = media.NewPatternCamera(patternWidth, patternHeight, a.cfg.Camera.JPEGQuality)
	} else {
		camera = media.NewDeviceCamera(a.cfg.Camera.Device, a.cfg.Camera.JPEGQuality)
	}
	a.streamer = media.NewStreamer(media.Options{
		Camera:   camera,
		Sender:   sender,
		FPS:      a.cfg.Camera.FPS,
		Metrics:  a.metrics,
		Logger:   log.L(),
		OnChange: func(bool) { a.publishStatus() },
	})

	a.session = session.New(session.Options{
		APIKey: a.cfg.APIKey,
		Live: live.Config{
			Model:            a.cfg.Live.Model,
			ResponseModality: live.ModalityAudio,
			Instructions:     a.cfg.Live.Instructions,
			Voice:            a.cfg.Live.Voice,
			Tools:            tools.Declarations(),
			Transcribe:       a.cfg.Live.Transcribe,
		},
		Dialer:        a.dialer,
		Player:        a.engine,
		Capture:       a.capture,
		Video:         a.streamer,
		Dispatcher:    a.dispatcher,
		ToolLog:       a.toolLog,
		OutboundQueue: a.cfg.Live.OutboundQueue,
		Metrics:       a.metrics,
		Logger:        log.L(),
		OnStateChange: func(session.State) { a.publishStatus() },
		OnTranscript: func(speaker, text string) {
			a.logger.Info("transcript", "speaker", speaker, "text", text)
		},
		OnNotice: func(string) { a.publishStatus() },
	})
}

func (a *App) initWeb() {
	if a.cfg.Web.Port == 0 {
		a.logger.Info("dashboard disabled")
		return
	}
	opts := web.Options{
		Port:       a.cfg.Web.Port,
		Controller: a,
		Metrics:    a.metrics.Handler(),
		Logger:     log.L(),
	}
	if a.gmail != nil {
		opts.Gmail = a.gmail
	}
	a.web = web.NewServer(opts)
}

// Run starts playback and the dashboard, optionally connects, and blocks
// until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	if err := a.sink.Start(ctx, a.engine.Render); err != nil {
		return fmt.Errorf("start speaker: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.web != nil {
		g.Go(func() error {
			if err := a.web.Start(ctx); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return a.web.Shutdown()
		})
	}

	if a.cfg.Connect {
		if err := a.Connect(ctx); err != nil {
			a.logger.Warn("initial connect failed", "error", err)
		}
	}

	a.logger.Info("ready", "dashboard", a.web != nil, "gmail", a.gmail != nil)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// Shutdown releases every device and closes the session. It is safe to
// call more than once.
func (a *App) Shutdown() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.logger.Info("shutting down")
	if a.session != nil {
		a.session.Disconnect()
		a.session.Wait()
	}
	if a.streamer != nil {
		a.streamer.Stop()
	}
	if a.capture != nil {
		a.capture.Stop()
	}
	if a.sink != nil {
		if err := a.sink.Stop(); err != nil {
			a.logger.Warn("speaker stop failed", "error", err)
		}
	}
	if a.web != nil {
		a.web.Shutdown()
	}
}

// Metrics returns the app's collectors.
func (a *App) Metrics() *metrics.Pipeline {
	return a.metrics
}

// Session returns the session manager.
func (a *App) Session() *session.Manager {
	return a.session
}

func (a *App) publishStatus() {
	if a.web != nil {
		a.web.PublishStatus()
	}
}

func (a *App) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runCtx
}

type senderFunc func(live.RealtimeInput)

func (f senderFunc) SendRealtime(in live.RealtimeInput) { f(in) }
