package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"bridgewatch/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一组读数并输出最终健康指数与告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.Frequency <= 0 || simulateOpts.Amplitude < 0 {
			return errors.New("--frequency 必须大于 0，--amplitude 不能为负")
		}
		_, err := getApp().Simulate(cmd.Context(), simulateOpts, cmd.OutOrStdout())
		return err
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateOpts.AssetFrequency, "asset-frequency", 4.0, "基线频率 (Hz)")
	simulateCmd.Flags().Float64Var(&simulateOpts.AssetAmplitude, "asset-amplitude", 0.005, "基线振幅 (g)")
	simulateCmd.Flags().Float64Var(&simulateOpts.Frequency, "frequency", 0, "读数频率 (Hz)")
	simulateCmd.Flags().Float64Var(&simulateOpts.Amplitude, "amplitude", 0, "读数振幅 (g)")
	simulateCmd.Flags().IntVar(&simulateOpts.Count, "count", 1, "重复输入的样本数")
	simulateCmd.Flags().BoolVar(&simulateOpts.Notify, "notify", false, "通过已配置的告警通道发送")
}
