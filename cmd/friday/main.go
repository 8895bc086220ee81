// Friday is an in-car voice assistant front-end for a realtime
// conversational endpoint.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "friday",
	Short:        "Friday - in-car voice assistant",
	SilenceUsage: true,
	Long: `Friday streams microphone audio (and optionally camera frames) to a
realtime conversational endpoint, plays back the spoken replies and answers
the model's tool calls against Gmail or built-in stand-ins.`,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
