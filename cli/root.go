package cli

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Token   string
	Format  string // "json" | "text"
	Verbose bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for escrowctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "escrowctl",
		Short: "escrowctl drives a milestone escrow server",
		Long: `Create, fund and settle milestone escrow deals against a running escrow API.

Mutating commands act as the account the bearer token was issued to; obtain
one with "escrowctl login" and pass it with --token or ESCROW_TOKEN.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.Server = strings.TrimRight(opts.Server, "/")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("ESCROW_SERVER", "http://localhost:8080"), "escrow API base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("ESCROW_TOKEN"), "bearer token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewHashKeyCommand(opts))

	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewFundCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewApproveCommand(opts))
	cmd.AddCommand(NewDisputeCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))

	cmd.AddCommand(NewDealCommand(opts))
	cmd.AddCommand(NewMilestoneCommand(opts))
	cmd.AddCommand(NewAmountsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewSolvencyCommand(opts))

	cmd.AddCommand(NewLedgerCommand(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *RootOptions) client() *Client {
	return NewClient(o.Server, o.Token)
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
