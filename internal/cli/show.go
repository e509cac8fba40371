package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bridgewatch/internal/app"
)

var (
	showLimit   int
	alertsLimit int
	alertsAll   bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display persisted asset health states",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display persisted alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: alertsLimit,
			All:   alertsAll,
		}

		return getApp().Alerts(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Number of assets to display")
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 50, "Number of alerts to display")
	alertsCmd.Flags().BoolVar(&alertsAll, "all", false, "Include resolved alerts")
}
