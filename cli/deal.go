package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// call runs one API request and prints its result in the configured format.
func call(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, c *Client) (any, error)) error {
	out := opts.output(cmd)
	out.VerboseLog("server %s", opts.Server)
	result, err := fn(cmd.Context(), opts.client())
	if err != nil {
		return out.Fail(err)
	}
	return out.Success(result)
}

func newCommand(use, short string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	Payee   string
	Arbiter string
	Asset   string
	Amounts []int64
}

func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}
	cmd := newCommand("create", "Create a deal with the token's account as payer", cobra.NoArgs)
	cmd.Long = `Create a deal. The caller becomes the payer; milestone amounts are fixed
at creation and cannot change afterwards.

Example:
  escrowctl create --payee 0x2000000000000000000000000000000000000002 \
    --arbiter 0x3000000000000000000000000000000000000003 \
    --asset 0x0000000000000000000000000000000000000001 --amounts 100,200`
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts.RootOptions, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.CreateDeal(ctx, opts.Payee, opts.Arbiter, opts.Asset, opts.Amounts)
		})
	}
	cmd.Flags().StringVar(&opts.Payee, "payee", "", "payee account")
	cmd.Flags().StringVar(&opts.Arbiter, "arbiter", "", "arbiter account")
	cmd.Flags().StringVar(&opts.Asset, "asset", "", "asset (token) address")
	cmd.Flags().Int64SliceVar(&opts.Amounts, "amounts", nil, "milestone amounts in order")
	_ = cmd.MarkFlagRequired("payee")
	_ = cmd.MarkFlagRequired("arbiter")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("amounts")
	return cmd
}

func NewFundCommand(opts *RootOptions) *cobra.Command {
	cmd := newCommand("fund <deal-id>", "Pull the deal total from the payer into custody", cobra.ExactArgs(1))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Fund(ctx, args[0])
		})
	}
	return cmd
}

func NewSubmitCommand(opts *RootOptions) *cobra.Command {
	var ref string
	cmd := newCommand("submit <deal-id> <index>", "Mark a milestone delivered (payee)", cobra.ExactArgs(2))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Submit(ctx, args[0], args[1], ref)
		})
	}
	cmd.Flags().StringVar(&ref, "ref", "", "deliverable reference")
	return cmd
}

func NewApproveCommand(opts *RootOptions) *cobra.Command {
	cmd := newCommand("approve <deal-id> <index>", "Release a submitted milestone to the payee (payer)", cobra.ExactArgs(2))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Approve(ctx, args[0], args[1])
		})
	}
	return cmd
}

func NewDisputeCommand(opts *RootOptions) *cobra.Command {
	cmd := newCommand("dispute <deal-id> <index>", "Escalate a submitted milestone to the arbiter (payer or payee)", cobra.ExactArgs(2))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Dispute(ctx, args[0], args[1])
		})
	}
	return cmd
}

func NewResolveCommand(opts *RootOptions) *cobra.Command {
	var release, refund bool
	cmd := newCommand("resolve <deal-id> <index>", "Settle a disputed milestone (arbiter)", cobra.ExactArgs(2))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Resolve(ctx, args[0], args[1], release)
		})
	}
	cmd.Flags().BoolVar(&release, "release", false, "pay the milestone to the payee")
	cmd.Flags().BoolVar(&refund, "refund", false, "return the milestone to the payer")
	cmd.MarkFlagsMutuallyExclusive("release", "refund")
	cmd.MarkFlagsOneRequired("release", "refund")
	return cmd
}

func NewDealCommand(opts *RootOptions) *cobra.Command {
	cmd := newCommand("deal <deal-id>", "Show a deal and its milestones", cobra.ExactArgs(1))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Deal(ctx, args[0])
		})
	}
	return cmd
}

func NewMilestoneCommand(opts *RootOptions) *cobra.Command {
	cmd := newCommand("milestone <deal-id> <index>", "Show one milestone", cobra.ExactArgs(2))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Milestone(ctx, args[0], args[1])
		})
	}
	return cmd
}

func NewAmountsCommand(opts *RootOptions) *cobra.Command {
	cmd := newCommand("amounts <deal-id>", "List milestone amounts in index order", cobra.ExactArgs(1))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Amounts(ctx, args[0])
		})
	}
	return cmd
}

func NewEventsCommand(opts *RootOptions) *cobra.Command {
	cmd := newCommand("events <deal-id>", "Show the deal's event timeline", cobra.ExactArgs(1))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Events(ctx, args[0])
		})
	}
	return cmd
}

func NewSolvencyCommand(opts *RootOptions) *cobra.Command {
	cmd := newCommand("solvency <asset>", "Compare custody holdings with what is owed", cobra.ExactArgs(1))
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(opts, cmd, func(ctx context.Context, c *Client) (any, error) {
			return c.Solvency(ctx, args[0])
		})
	}
	return cmd
}
