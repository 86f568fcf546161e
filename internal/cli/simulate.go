package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"txwatch/internal/app"
	"txwatch/internal/model"
)

var (
	simulateNetwork   string
	simulateAddress   string
	simulateLabel     string
	simulateAmount    string
	simulateSymbol    string
	simulatePrice     string
	simulateConfirmed bool
)

var simulateCmd = &cobra.Command{
	Use:     "test-notify",
	Aliases: []string{"simulate"},
	Short:   "模拟一笔入账交易并通过告警通道发送通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		network, err := model.ParseNetwork(simulateNetwork)
		if err != nil {
			return err
		}

		amount, err := decimal.NewFromString(simulateAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount value: %w", err)
		}
		if !amount.IsPositive() {
			return errors.New("--amount 必须大于 0")
		}

		opts := app.SimulateOptions{
			Network:   network,
			Address:   simulateAddress,
			Label:     simulateLabel,
			Amount:    amount,
			Symbol:    simulateSymbol,
			Confirmed: simulateConfirmed,
		}
		if simulatePrice != "" {
			price, err := decimal.NewFromString(simulatePrice)
			if err != nil {
				return fmt.Errorf("invalid --price value: %w", err)
			}
			opts.PriceUSD = price
		}

		summary, err := getApp().SimulateTransfer(cmd.Context(), opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "notifications sent: %d\n", summary.Notified)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateNetwork, "network", string(model.Ethereum), "Network of the synthetic transfer (ethereum, tron, bitcoin)")
	simulateCmd.Flags().StringVar(&simulateAddress, "address", "", "Receiving address (defaults to the first configured wallet)")
	simulateCmd.Flags().StringVar(&simulateLabel, "label", "", "Wallet label override")
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "1", "Transfer amount in chain units")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "Asset symbol (defaults to the chain's native asset)")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Pin the USD price instead of querying the price provider")
	simulateCmd.Flags().BoolVar(&simulateConfirmed, "confirmed", false, "Mark the synthetic transfer as confirmed")
}
