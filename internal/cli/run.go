package cli

import (
	"github.com/spf13/cobra"

	"crypto-price-alerts/internal/app"
)

var (
	runEvaluatorOnly  bool
	runDispatcherOnly bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the price evaluator and alert dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{
			EvaluatorOnly:  runEvaluatorOnly,
			DispatcherOnly: runDispatcherOnly,
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runEvaluatorOnly, "evaluator-only", false, "Only run the threshold evaluator")
	runCmd.Flags().BoolVar(&runDispatcherOnly, "dispatcher-only", false, "Only run the alert dispatcher")
}
