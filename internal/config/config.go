// Package config holds friday's runtime configuration.
//
// Values are layered: defaults, then an optional YAML file, then a .env file,
// then the process environment. Command-line flags are applied last by the
// caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultModel           = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice           = "Zephyr"
	DefaultBackend         = BackendWebSocket
	DefaultCaptureRate     = 16000
	DefaultPlaybackRate    = 24000
	DefaultFramesPerBuffer = 4096
	DefaultCameraFPS       = 2
	DefaultJPEGQuality     = 60
	DefaultPort            = 8080
	DefaultRedirectURL     = "http://localhost:8080/api/gmail/callback"
	DefaultOutboundQueue   = 64
)

// DefaultInstructions is the behaviour prompt sent with every session.
const DefaultInstructions = `You are "Friday", a highly intelligent, witty, and efficient AI assistant designed for an in-car experience.
Your voice should be calm, professional, yet warm.
Keep your responses concise and to the point, suitable for a driver who cannot read long text.
You have access to the user's email and can search the internet for real-time information.
If the user asks to check emails, use the "listEmails" tool.
If the user asks about specific information not in your knowledge base, use the "searchInternet" tool.
Always prioritize safety and clarity.`

// Realtime endpoint backends.
const (
	BackendWebSocket = "websocket"
	BackendGenAI     = "genai"
)

// Audio device backends.
const (
	AudioAuto      = "auto"
	AudioPortAudio = "portaudio"
	AudioMock      = "mock"
)

// Camera backends.
const (
	CameraDevice = "device"
	CameraMock   = "mock"
)

// Config is the complete application configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// APIKey is never read from the YAML file.
	APIKey string `yaml:"-"`

	Live   LiveConfig   `yaml:"live"`
	Audio  AudioConfig  `yaml:"audio"`
	Camera CameraConfig `yaml:"camera"`
	Web    WebConfig    `yaml:"web"`
	Gmail  GmailConfig  `yaml:"gmail"`
	Tools  ToolsConfig  `yaml:"tools"`

	// Connect dials the endpoint as soon as the app starts.
	Connect bool `yaml:"connect"`
}

// LiveConfig configures the realtime endpoint session.
type LiveConfig struct {
	Backend       string `yaml:"backend"` // "websocket" or "genai"
	Model         string `yaml:"model"`
	Voice         string `yaml:"voice"`
	Instructions  string `yaml:"instructions"`
	OutboundQueue int    `yaml:"outbound_queue"`
	// Transcribe asks the endpoint for input and output transcripts.
	Transcribe bool `yaml:"transcribe"`
}

// AudioConfig configures the microphone and speaker.
type AudioConfig struct {
	Backend         string `yaml:"backend"` // "auto", "portaudio", "mock"
	InputDevice     string `yaml:"input_device"`
	OutputDevice    string `yaml:"output_device"`
	CaptureRate     int    `yaml:"capture_rate"`
	PlaybackRate    int    `yaml:"playback_rate"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
}

// CameraConfig configures the optional camera stream.
type CameraConfig struct {
	Backend     string `yaml:"backend"` // "device" or "mock"
	Device      int    `yaml:"device"`
	FPS         int    `yaml:"fps"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

// WebConfig configures the local dashboard.
type WebConfig struct {
	Port int `yaml:"port"`
}

// GmailConfig holds the OAuth client used by the live email provider.
type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	TokenPath    string `yaml:"token_path"`
}

// ToolsConfig tunes the simulated tool provider.
type ToolsConfig struct {
	// SimulatedLatency enables the artificial delays of the simulated provider.
	SimulatedLatency bool `yaml:"simulated_latency"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Live: LiveConfig{
			Backend:       DefaultBackend,
			Model:         DefaultModel,
			Voice:         DefaultVoice,
			Instructions:  DefaultInstructions,
			OutboundQueue: DefaultOutboundQueue,
		},
		Audio: AudioConfig{
			Backend:         AudioAuto,
			CaptureRate:     DefaultCaptureRate,
			PlaybackRate:    DefaultPlaybackRate,
			FramesPerBuffer: DefaultFramesPerBuffer,
		},
		Camera: CameraConfig{
			Backend:     CameraDevice,
			FPS:         DefaultCameraFPS,
			JPEGQuality: DefaultJPEGQuality,
		},
		Web: WebConfig{
			Port: DefaultPort,
		},
		Gmail: GmailConfig{
			RedirectURL: DefaultRedirectURL,
			TokenPath:   defaultTokenPath(),
		},
		Tools: ToolsConfig{
			SimulatedLatency: true,
		},
	}
}

func defaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".friday", "gmail_token.json")
	}
	return filepath.Join(home, ".friday", "gmail_token.json")
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory if present, and the
// environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: load .env: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto c using lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := get("GOOGLE_API_KEY"); v != "" {
		c.APIKey = v
	} else if v := get("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := get("GOOGLE_CLIENT_ID"); v != "" {
		c.Gmail.ClientID = v
	}
	if v := get("GOOGLE_CLIENT_SECRET"); v != "" {
		c.Gmail.ClientSecret = v
	}
	if v := get("FRIDAY_MODEL"); v != "" {
		c.Live.Model = v
	}
	if v := get("FRIDAY_BACKEND"); v != "" {
		c.Live.Backend = v
	}
	if v := get("FRIDAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Web.Port = port
		}
	}
	if v := get("FRIDAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration for errors. A missing API key is not a
// validation error; it is reported when a connection is attempted.
func (c *Config) Validate() error {
	switch c.Live.Backend {
	case BackendWebSocket, BackendGenAI:
	default:
		return &ConfigError{Field: "live.backend", Message: fmt.Sprintf("unknown backend %q", c.Live.Backend)}
	}
	if c.Live.Model == "" {
		return &ConfigError{Field: "live.model", Message: "model is required"}
	}
	if c.Live.OutboundQueue <= 0 {
		return &ConfigError{Field: "live.outbound_queue", Message: "outbound queue must be positive"}
	}
	switch c.Audio.Backend {
	case AudioAuto, AudioPortAudio, AudioMock:
	default:
		return &ConfigError{Field: "audio.backend", Message: fmt.Sprintf("unknown audio backend %q", c.Audio.Backend)}
	}
	if c.Audio.CaptureRate <= 0 || c.Audio.PlaybackRate <= 0 {
		return &ConfigError{Field: "audio", Message: "sample rates must be positive"}
	}
	if c.Audio.FramesPerBuffer <= 0 {
		return &ConfigError{Field: "audio.frames_per_buffer", Message: "frame size must be positive"}
	}
	switch c.Camera.Backend {
	case CameraDevice, CameraMock:
	default:
		return &ConfigError{Field: "camera.backend", Message: fmt.Sprintf("unknown camera backend %q", c.Camera.Backend)}
	}
	if c.Camera.FPS <= 0 {
		return &ConfigError{Field: "camera.fps", Message: "fps must be positive"}
	}
	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		return &ConfigError{Field: "camera.jpeg_quality", Message: "jpeg quality must be within 1..100"}
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return &ConfigError{Field: "web.port", Message: "port out of range"}
	}
	return nil
}

// GmailConfigured reports whether OAuth client credentials are present.
func (c *Config) GmailConfigured() bool {
	return c.Gmail.ClientID != "" && c.Gmail.ClientSecret != ""
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}
