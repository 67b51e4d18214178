package cli

import (
	"github.com/spf13/cobra"

	"crypto-price-alerts/internal/app"
)

var (
	subscribeUser      string
	subscribeAsset     string
	subscribeExchange  string
	subscribeThreshold float64
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Register a price threshold for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Subscribe(cmd.Context(), app.SubscribeOptions{
			UserID:    subscribeUser,
			Asset:     subscribeAsset,
			Exchange:  subscribeExchange,
			Threshold: subscribeThreshold,
		})
	},
}

func init() {
	subscribeCmd.Flags().StringVar(&subscribeUser, "user", "", "Telegram chat id")
	subscribeCmd.Flags().StringVar(&subscribeAsset, "asset", "", "Asset symbol, e.g. BTC-USDT")
	subscribeCmd.Flags().StringVar(&subscribeExchange, "exchange", "", "Exchange name, e.g. binance")
	subscribeCmd.Flags().Float64Var(&subscribeThreshold, "threshold", 0, "Alert when price reaches this value")
	_ = subscribeCmd.MarkFlagRequired("user")
	_ = subscribeCmd.MarkFlagRequired("asset")
	_ = subscribeCmd.MarkFlagRequired("exchange")
	_ = subscribeCmd.MarkFlagRequired("threshold")
}
