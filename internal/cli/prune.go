package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old rows from the delivery audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		deleted, err := getApp().Prune(cmd.Context(), pruneOlderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d rows\n", deleted)
		return nil
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Retention window")
}
