package cli

import (
	"github.com/spf13/cobra"

	"bridgewatch/internal/app"
)

var (
	replayFile      string
	replayFrequency float64
	replayAmplitude float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded JSONL sample stream and print the SHI trajectory",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReplayOptions{
			Path:              replayFile,
			BaselineFrequency: replayFrequency,
			BaselineAmplitude: replayAmplitude,
		}
		_, err := getApp().Replay(cmd.Context(), opts, cmd.OutOrStdout())
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "-", "JSONL file with one sample per line (- for stdin)")
	replayCmd.Flags().Float64Var(&replayFrequency, "asset-frequency", 0, "Register unknown assets with this baseline frequency (Hz)")
	replayCmd.Flags().Float64Var(&replayAmplitude, "asset-amplitude", 0, "Register unknown assets with this baseline amplitude (g)")
}
