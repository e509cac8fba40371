package cli

import (
	"github.com/spf13/cobra"
)

var (
	runAddr    string
	runNoHTTP  bool
	runNoKafka bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion, alerting and checkpoint service",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("addr") {
			a.Config.HTTP.Addr = runAddr
		}
		if runNoHTTP {
			a.Config.HTTP.Enabled = false
		}
		if runNoKafka {
			a.Config.Kafka.Enabled = false
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runAddr, "addr", "", "Override http.addr")
	runCmd.Flags().BoolVar(&runNoHTTP, "no-http", false, "Disable the HTTP API")
	runCmd.Flags().BoolVar(&runNoKafka, "no-kafka", false, "Disable Kafka sample ingestion")
}
