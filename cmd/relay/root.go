package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"phobos.org.uk/relay/internal/config"
	"phobos.org.uk/relay/internal/logging"
	"phobos.org.uk/relay/internal/state"
)

var version = "dev"

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Agentic implement/verify/finalize loop runner",
	Long: `relay drives a multi-phase agent loop over a task until its
completion criteria are met:

  implementation -> test critique -> verification -> code quality
  -> manager -> completion check

Each phase runs an agent on a configurable backend (claude, codex,
gemini, or mock). State is persisted after every transition, so an
interrupted or exhausted run can be resumed.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: relay.yaml if present)")
}

// loadConfig loads the configured YAML file, falling back to relay.yaml in
// the working directory, then to built-in defaults.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	if _, err := os.Stat("relay.yaml"); err == nil {
		return config.Load("relay.yaml")
	}
	return config.Default(), nil
}

func newLogger(cfg *config.Config, component string) *logging.Logger {
	return logging.New(logging.Config{
		Level:     logging.ParseLevel(cfg.LogLevel),
		Component: component,
	})
}

func newStore(cfg *config.Config) (*state.Store, error) {
	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	return store, nil
}
