package cmd

import (
	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print store metrics in the Prometheus text format",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.metrics.Encode(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(metricsCmd)
}
