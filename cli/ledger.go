package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewLedgerCommand groups the development ledger commands. They only work
// against a server running the memory ledger.
func NewLedgerCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Development ledger operations",
	}

	var asset, account, spender string
	var amount int64

	mint := newCommand("mint", "Credit an account", cobra.NoArgs)
	mint.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Mint(ctx, asset, account, amount)
		})
	}
	mint.Flags().StringVar(&asset, "asset", "", "asset address")
	mint.Flags().StringVar(&account, "account", "", "account to credit")
	mint.Flags().Int64Var(&amount, "amount", 0, "amount")

	approve := newCommand("approve", "Allow a spender (default: the custodian) to pull from the caller", cobra.NoArgs)
	approve.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.ApproveSpend(ctx, asset, spender, amount)
		})
	}
	approve.Flags().StringVar(&asset, "asset", "", "asset address")
	approve.Flags().StringVar(&spender, "spender", "", "spender account")
	approve.Flags().Int64Var(&amount, "amount", 0, "allowance")

	balance := newCommand("balance", "Show an account balance", cobra.NoArgs)
	balance.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Balance(ctx, asset, account)
		})
	}
	balance.Flags().StringVar(&asset, "asset", "", "asset address")
	balance.Flags().StringVar(&account, "account", "", "account")

	for _, sub := range []*cobra.Command{mint, approve, balance} {
		_ = sub.MarkFlagRequired("asset")
		cmd.AddCommand(sub)
	}
	return cmd
}
