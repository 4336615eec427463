// Package cli implements the sentinel command line: the server, the filesystem
// interceptor, an operator console and a token helper.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/sentinel/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	cfg    *config.Config
	logger zerolog.Logger

	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:           "sentinel",
	Short:         "Filesystem supervision for autonomous coding agents",
	Long:          "Watches a project tree an agent is editing, enforces protection zones, versions every change\nand lets operators stop, inspect and resume the agent from a shared control plane.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if logLevelFlag != "" {
			loaded.LogLevel = logLevelFlag
		}
		cfg = loaded
		logger = newLogger(cfg, os.Stdout)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override SENTINEL_LOG_LEVEL")
	rootCmd.Version = Version
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(c *config.Config, out *os.File) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	l := zerolog.New(out).With().Timestamp().Caller().Logger()
	if c.Environment == "development" {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(c.LogLevel); err == nil {
		l = l.Level(level)
	}
	log.Logger = l
	return l
}
