package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bridgewatch/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportLast      time.Duration
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export <asset-id>",
	Short: "Export an asset's checkpointed SHI history as CSV and/or PNG chart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			AssetID:   args[0],
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportLast > 0 && exportFrom != "" {
			return errors.New("--last and --from are mutually exclusive")
		}

		var err error
		if opts.From, err = parseBound("--from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = parseBound("--to", exportTo); err != nil {
			return err
		}
		if exportLast > 0 {
			from := time.Now().UTC().Add(-exportLast)
			if opts.To != nil {
				from = opts.To.Add(-exportLast)
			}
			opts.From = &from
		}
		if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
			return errors.New("--from must be before --to")
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func parseBound(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return &t, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().DurationVar(&exportLast, "last", 0, "Export only the trailing window, e.g. 24h")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
