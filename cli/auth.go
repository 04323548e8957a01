package cli

import (
	"context"

	"github.com/spf13/cobra"

	"milestoneescrow/auth"
)

func NewRegisterCommand(opts *RootOptions) *cobra.Command {
	var account, key, label string
	cmd := newCommand("register", "Enroll an account with an API key", cobra.NoArgs)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Register(ctx, account, key, label)
		})
	}
	cmd.Flags().StringVar(&account, "account", "", "ledger account")
	cmd.Flags().StringVar(&key, "key", "", "API key (at least 16 characters)")
	cmd.Flags().StringVar(&label, "label", "", "display label")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func NewLoginCommand(opts *RootOptions) *cobra.Command {
	var account, key string
	cmd := newCommand("login", "Exchange an API key for a bearer token", cobra.NoArgs)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Login(ctx, account, key)
		})
	}
	cmd.Flags().StringVar(&account, "account", "", "ledger account")
	cmd.Flags().StringVar(&key, "key", "", "API key")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

// NewHashKeyCommand prints the stored form of an API key, for seeding the
// principals table directly.
func NewHashKeyCommand(opts *RootOptions) *cobra.Command {
	cmd := newCommand("hash-key <api-key>", "Print the bcrypt hash of an API key", cobra.ExactArgs(1))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		out := opts.output(cmd)
		hash, err := auth.HashKey(args[0])
		if err != nil {
			return out.Fail(err)
		}
		return out.Success(hash)
	}
	return cmd
}
