// Package web serves the local control and status dashboard.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/teslashibe/friday/pkg/hub"
	"github.com/teslashibe/friday/pkg/tools"
)

// DefaultLevelInterval paces waveform snapshots (~20 Hz).
const DefaultLevelInterval = 50 * time.Millisecond

const maxUploadSize = 20 << 20

// Status is the dashboard view of the assistant.
type Status struct {
	State           string `json:"state"`
	Error           string `json:"error,omitempty"`
	Notice          string `json:"notice,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	Model           string `json:"model"`
	Muted           bool   `json:"muted"`
	Camera          bool   `json:"camera"`
	Speaking        bool   `json:"speaking"`
	ModelSpeaking   bool   `json:"model_speaking"`
	GmailConfigured bool   `json:"gmail_configured"`
	GmailConnected  bool   `json:"gmail_connected"`
}

// Levels is one waveform frame for the visualiser.
type Levels struct {
	Input       []float32 `json:"input"`
	Output      []float32 `json:"output"`
	InputLevel  float64   `json:"input_level"`
	OutputLevel float64   `json:"output_level"`
}

// Controller is the assistant as seen by the dashboard.
type Controller interface {
	Status() Status
	Connect(ctx context.Context) error
	Disconnect()
	Reset()
	SetMuted(muted bool)
	SetCamera(ctx context.Context, on bool) error
	Upload(name, mimeType string, data []byte) error
	ToolLogs() []tools.Entry
	Levels() Levels
}

// Gmail is the OAuth surface of the live email provider.
type Gmail interface {
	IsAuthenticated() bool
	AuthURL() string
	HandleCallback(ctx context.Context, code string) error
	Disconnect() error
}

// Options configures a Server.
type Options struct {
	Port       int
	Controller Controller
	// Gmail is nil when no OAuth client is configured.
	Gmail   Gmail
	Metrics http.Handler
	Logger  *slog.Logger
	// LevelInterval paces /ws/levels; zero means DefaultLevelInterval.
	LevelInterval time.Duration
}

// Server is the dashboard.
type Server struct {
	app    *fiber.App
	port   int
	ctrl   Controller
	gmail  Gmail
	logger *slog.Logger

	statusHub *hub.Hub
	toolsHub  *hub.Hub
	levelsHub *hub.Hub

	levelInterval time.Duration
}

// NewServer builds the routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "web")
	interval := opts.LevelInterval
	if interval <= 0 {
		interval = DefaultLevelInterval
	}
	s := &Server{
		port:          opts.Port,
		ctrl:          opts.Controller,
		gmail:         opts.Gmail,
		logger:        logger,
		statusHub:     hub.New("status", logger),
		toolsHub:      hub.New("tools", logger),
		levelsHub:     hub.New("levels", logger),
		levelInterval: interval,
	}

	app := fiber.New(fiber.Config{
		AppName:               "Friday",
		DisableStartupMessage: true,
		BodyLimit:             maxUploadSize,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/tools/logs", s.handleToolLogs)
	api.Post("/connect", s.handleConnect)
	api.Post("/disconnect", s.handleDisconnect)
	api.Post("/reset", s.handleReset)
	api.Post("/mute", s.handleMute)
	api.Post("/camera", s.handleCamera)
	api.Post("/upload", s.handleUpload)
	api.Get("/gmail/login", s.handleGmailLogin)
	api.Get("/gmail/callback", s.handleGmailCallback)
	api.Post("/gmail/logout", s.handleGmailLogout)

	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/tools", websocket.New(s.handleToolsWS))
	app.Get("/ws/levels", websocket.New(s.handleLevelsWS))

	s.app = app
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start runs the hubs and serves until Shutdown or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.statusHub.Run(ctx)
	go s.toolsHub.Run(ctx)
	go s.levelsHub.Run(ctx)
	go s.pumpLevels(ctx)

	s.logger.Info("dashboard listening", "url", fmt.Sprintf("http://localhost:%d", s.port))
	return s.app.Listen(fmt.Sprintf(":%d", s.port))
}

// Shutdown stops the listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// PublishStatus pushes the current status to /ws/status clients.
func (s *Server) PublishStatus() {
	if s.statusHub.ClientCount() == 0 {
		return
	}
	if err := s.statusHub.BroadcastJSON(s.ctrl.Status()); err != nil {
		s.logger.Warn("status broadcast failed", "error", err)
	}
}

// PublishTool pushes a tool log change to /ws/tools clients.
func (s *Server) PublishTool(e tools.Entry) {
	if s.toolsHub.ClientCount() == 0 {
		return
	}
	if err := s.toolsHub.BroadcastJSON(e); err != nil {
		s.logger.Warn("tool broadcast failed", "error", err)
	}
}

func (s *Server) pumpLevels(ctx context.Context) {
	ticker := time.NewTicker(s.levelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.levelsHub.ClientCount() == 0 {
				continue
			}
			if err := s.levelsHub.BroadcastJSON(s.ctrl.Levels()); err != nil {
				s.logger.Warn("levels broadcast failed", "error", err)
			}
		}
	}
}
