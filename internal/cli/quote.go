package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	quoteAsset    string
	quoteExchange string
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Fetch the current spot price for a pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := getApp().Quote(cmd.Context(), quoteExchange, quoteAsset)
		if err != nil {
			return err
		}
		if price <= 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s on %s: unavailable\n", quoteAsset, quoteExchange)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s on %s: %v\n", quoteAsset, quoteExchange, price)
		return nil
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteAsset, "asset", "", "Asset symbol")
	quoteCmd.Flags().StringVar(&quoteExchange, "exchange", "", "Exchange name")
	_ = quoteCmd.MarkFlagRequired("asset")
	_ = quoteCmd.MarkFlagRequired("exchange")
}
