package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync CLI",
	Long:  "Command-line client for the chatsync message synchronization engine.\nFollow conversations live, send messages, and manage configuration.",
}

// newLogger builds the CLI logger; components stay silent unless -v is set.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
