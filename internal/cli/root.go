// Package cli provides the elissa command line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/elissabot/elissa/internal/config"
	"github.com/elissabot/elissa/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "elissa",
	Short: "elissa - a persistent conversational flow interpreter",
	Long: `elissa runs scripted conversations over a chatmail transport.

A script is a linear program of instructions (greeting, wait-for,
wait, notify). Every conversation keeps a durable cursor into the
script, so replies and timed waits survive restarts.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: elissa.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "human-readable log output")
}

// loadConfig reads the configuration and applies flag overrides, then
// configures logging from the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logPretty {
		cfg.LogPretty = true
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	return cfg, nil
}
