package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/bryanchriswhite/appdriver/internal/config"
	"github.com/bryanchriswhite/appdriver/internal/locator"
	"github.com/bryanchriswhite/appdriver/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes of the appdriver binary.
const (
	ExitFound         = 0
	ExitNotRunning    = 1
	ExitConfiguration = 2
	ExitFailure       = 3
)

var (
	cfgFile   string
	configMgr *config.Manager
	settings  *config.Config
	rootCmd   = &cobra.Command{
		Use:   "appdriver",
		Short: "appdriver - find application windows through the accessibility tree",
		Long: `appdriver locates a running application's top-level window by its exact
title, using the desktop accessibility tree.

If the window is not there yet, appdriver waits a short time for it to be
activated before reporting that the application is not running.

Backends:
  • atspi    AT-SPI2 accessibility bus (default)
  • x11      EWMH hints of the X window manager
  • fixture  a YAML tree, for testing without a desktop`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: loadSettings,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/appdriver/config.yaml)")
	rootCmd.PersistentFlags().String("backend", "", "accessibility backend (atspi, x11, fixture)")
	rootCmd.PersistentFlags().Int("timeout", 0, "activation wait in milliseconds (default is 500)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("fixture", "", "YAML tree for the fixture backend")
	rootCmd.PersistentFlags().String("metrics-file", "", "write Prometheus metrics to this file after each run")

	// Bind flags to viper
	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("timeout_ms", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("fixture_path", rootCmd.PersistentFlags().Lookup("fixture"))
	viper.BindPFlag("metrics_file", rootCmd.PersistentFlags().Lookup("metrics-file"))
}

// loadSettings reads the config file and applies command line overrides.
func loadSettings(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return &locator.ConfigurationError{Err: fmt.Errorf("failed to load config: %w", err)}
	}
	cfg, err := mgr.WithOverrides(viper.GetViper())
	if err != nil {
		return &locator.ConfigurationError{Err: err}
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	logger.WithComponent("cli").Debug().
		Str("config", mgr.GetConfigPath()).
		Str("backend", cfg.Backend).
		Int("timeout_ms", cfg.TimeoutMS).
		Msg("Settings loaded")

	configMgr = mgr
	settings = cfg
	return nil
}

// ExitCode maps the error a command returned to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitFound
	case errors.Is(err, locator.ErrNotRunning):
		return ExitNotRunning
	case locator.IsConfiguration(err):
		return ExitConfiguration
	default:
		return ExitFailure
	}
}

// Execute runs the root command and exits with the matching status.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(ExitCode(err))
}
