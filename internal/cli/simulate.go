package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"crypto-price-alerts/internal/app"
)

var (
	simulateUser      string
	simulateAsset     string
	simulateExchange  string
	simulatePrice     float64
	simulateThreshold float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "向告警总线发布一条模拟告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}

		event, err := getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			UserID:    simulateUser,
			Asset:     simulateAsset,
			Exchange:  simulateExchange,
			Price:     simulatePrice,
			Threshold: simulateThreshold,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", event.ID)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateUser, "user", "", "Telegram chat id")
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "BTC-USDT", "资产代码")
	simulateCmd.Flags().StringVar(&simulateExchange, "exchange", "binance", "交易所")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "触发价格")
	simulateCmd.Flags().Float64Var(&simulateThreshold, "threshold", 0, "订阅阈值")
	_ = simulateCmd.MarkFlagRequired("user")
}
