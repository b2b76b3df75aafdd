package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewStockCommand creates the stock command group.
func NewStockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Change stock levels",
		Long: `Change stock levels. Every change is sent to the server as a signed
delta so changes made on other devices are merged, not overwritten.`,
	}

	cmd.AddCommand(newStockAdjustCommand(rootOpts))
	cmd.AddCommand(newStockSetCommand(rootOpts))

	return cmd
}

func newStockAdjustCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		delta int64
		notes string
	)

	cmd := &cobra.Command{
		Use:   "adjust <product-id> --delta <n>",
		Short: "Add to or remove from stock",
		Long: `Add to or remove from stock.

Example:
  shelfsync stock adjust 12 --delta -3 --notes "sold at counter"
  shelfsync stock adjust 12 --delta=24 --notes "delivery"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				id, err := parseID(s.formatter, args[0])
				if err != nil {
					return err
				}
				it, err := s.device.Inventory.AdjustStock(ctx, id, delta, notes)
				if err != nil {
					return s.formatter.Fail("failed to adjust stock", err)
				}
				return queued(ctx, s, it)
			})
		},
	}

	cmd.Flags().Int64VarP(&delta, "delta", "d", 0, "signed quantity change (required)")
	cmd.Flags().StringVar(&notes, "notes", "", "reason for the change")
	_ = cmd.MarkFlagRequired("delta")

	return cmd
}

func newStockSetCommand(rootOpts *RootOptions) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "set <product-id> <quantity>",
		Short: "Set stock to a counted quantity",
		Long: `Set stock to a counted quantity. The change is queued as the
difference from the quantity the local cache shows.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				id, err := parseID(s.formatter, args[0])
				if err != nil {
					return err
				}
				qty, err := parseQuantity(s.formatter, args[1])
				if err != nil {
					return err
				}
				it, err := s.device.Inventory.SetStock(ctx, id, qty, notes)
				if err != nil {
					return s.formatter.Fail("failed to set stock", err)
				}
				return queued(ctx, s, it)
			})
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "reason for the change")

	return cmd
}

func parseQuantity(f *OutputFormatter, arg string) (int64, error) {
	qty, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || qty < 0 {
		msg := fmt.Sprintf("invalid quantity %q", arg)
		_ = f.Error(ErrCodeInvalidArgument, msg, nil)
		return 0, NewExitError(ExitCommandError, msg)
	}
	return qty, nil
}
