package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/appdriver/internal/logger"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var locateCmd = &cobra.Command{
	Use:   "locate TITLE",
	Short: "Find a window by its exact title",
	Long: `Scan the accessibility tree for a top-level frame named exactly TITLE.

When no such frame exists, wait up to --timeout milliseconds for one to be
activated. Exits 0 when found, 1 when the application is not running, 2 on
a configuration problem and 3 on any other failure.`,
	Example: `  # Find a gedit window
  appdriver locate "Untitled Document 1 - gedit"

  # Wait up to two seconds and print JSON
  appdriver locate "Preferences" --timeout 2000 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runLocate,
}

var locateFormat string

func init() {
	rootCmd.AddCommand(locateCmd)

	locateCmd.Flags().StringVarP(&locateFormat, "format", "f", "text", "output format (text, json or yaml)")
}

func runLocate(cmd *cobra.Command, args []string) error {
	switch locateFormat {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported format: %s (use 'text', 'json' or 'yaml')", locateFormat)
	}

	s, err := newSession(settings)
	if err != nil {
		return err
	}

	// Abort the search on interrupt; teardown still runs.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigChan:
			logger.WithComponent("cli").Info().Msg("Interrupted, aborting search")
			s.locator.Shutdown()
		case <-done:
		}
	}()

	window, err := s.locator.Locate(args[0], settings.Timeout())
	if ferr := s.flush(); ferr != nil {
		logger.WithComponent("cli").Warn().Err(ferr).Msg("Metrics not written")
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch locateFormat {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(window)
	case "yaml":
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		return encoder.Encode(window)
	default:
		_, err := fmt.Fprintf(out, "Found %q (%s, via %s)\n", window.Title, window.ID, window.Source)
		return err
	}
}
