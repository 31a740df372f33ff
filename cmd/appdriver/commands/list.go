package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bryanchriswhite/appdriver/internal/locator"
	"github.com/bryanchriswhite/appdriver/internal/logger"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List top-level frames",
	Long: `List every top-level frame in the accessibility tree together with the
application it belongs to.`,
	Example: `  # List frames in table format (default)
  appdriver list

  # List frames in JSON format
  appdriver list --format json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
}

func runList(cmd *cobra.Command, args []string) error {
	if listFormat != "table" && listFormat != "json" {
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}

	s, err := newSession(settings)
	if err != nil {
		return err
	}

	frames, err := s.locator.ListFrames()
	if ferr := s.flush(); ferr != nil {
		logger.WithComponent("cli").Warn().Err(ferr).Msg("Metrics not written")
	}
	if err != nil {
		return fmt.Errorf("failed to list frames: %w", err)
	}

	out := cmd.OutOrStdout()
	if listFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(frames)
	}
	return printFramesTable(out, frames)
}

func printFramesTable(out io.Writer, frames []locator.FrameInfo) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "APPLICATION\tTITLE")
	fmt.Fprintln(w, "-----------\t-----")

	for _, f := range frames {
		fmt.Fprintf(w, "%s\t%s\n", f.Application, f.Title)
	}

	return w.Flush()
}
