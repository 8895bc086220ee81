package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/friday/internal/config"
	"github.com/teslashibe/friday/internal/log"
	"github.com/teslashibe/friday/pkg/friday"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the assistant and its dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		app, err := friday.New(cfg)
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}
		if err := app.Init(); err != nil {
			return fmt.Errorf("initialization: %w", err)
		}
		defer app.Shutdown()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return app.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("port", config.DefaultPort, "Dashboard port (0 disables the dashboard)")
	runCmd.Flags().String("backend", config.DefaultBackend, "Endpoint backend: websocket, genai")
	runCmd.Flags().String("audio", config.AudioAuto, "Audio backend: auto, portaudio, mock")
	runCmd.Flags().String("camera", config.CameraDevice, "Camera backend: device, mock")
	runCmd.Flags().String("model", "", "Model identifier")
	runCmd.Flags().Bool("connect", false, "Connect as soon as the assistant starts")
	runCmd.Flags().Bool("transcribe", false, "Log input and output transcripts")
}

// loadConfig layers flags that were set explicitly over the file and
// environment, then initialises logging.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.LogLevel = "debug"
	}
	if flags.Changed("port") {
		cfg.Web.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("backend") {
		cfg.Live.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("audio") {
		cfg.Audio.Backend, _ = flags.GetString("audio")
	}
	if flags.Changed("camera") {
		cfg.Camera.Backend, _ = flags.GetString("camera")
	}
	if flags.Changed("model") {
		cfg.Live.Model, _ = flags.GetString("model")
	}
	if flags.Changed("connect") {
		cfg.Connect, _ = flags.GetBool("connect")
	}
	if flags.Changed("transcribe") {
		cfg.Live.Transcribe, _ = flags.GetBool("transcribe")
	}

	log.Init(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}
