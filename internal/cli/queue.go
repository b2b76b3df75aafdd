package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/model"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and resolve queued changes",
	}

	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))

	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued changes in send order",
		Long: `List queued changes in send order.

Example:
  shelfsync queue list
  shelfsync queue list --status failed`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				filter := make([]model.Status, 0, len(statuses))
				for _, st := range statuses {
					status := model.Status(st)
					if !status.Unconfirmed() {
						msg := fmt.Sprintf("invalid status %q: must be pending, processing or failed", st)
						_ = s.formatter.Error(ErrCodeInvalidArgument, msg, nil)
						return NewExitError(ExitCommandError, msg)
					}
					filter = append(filter, status)
				}
				items, err := s.device.Queue.List(ctx, filter...)
				if err != nil {
					return s.formatter.Fail("failed to list queue", err)
				}
				return s.formatter.Render(items, func(w io.Writer) error {
					writeItems(w, items)
					return nil
				})
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only items in these statuses")

	return cmd
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Send a failed change again",
		Long: `Return a failed change to the queue with its attempts reset. It keeps
its place in send order.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				it, err := s.device.Engine.Requeue(ctx, args[0])
				if err != nil {
					return s.formatter.Fail("failed to retry item", err)
				}
				return queued(ctx, s, it)
			})
		},
	}
}

func newQueueDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <item-id>",
		Short: "Drop a failed change and undo it locally",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				it, err := s.device.Engine.Discard(ctx, args[0])
				if err != nil {
					return s.formatter.Fail("failed to discard item", err)
				}
				return s.formatter.Render(it, func(w io.Writer) error {
					fmt.Fprintf(w, "Discarded %s (item %s); local change undone\n", it.Kind, it.ID)
					return nil
				})
			})
		},
	}
}

func writeItems(w io.Writer, items []model.QueueItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tITEM\tKIND\tSTATUS\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, it := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			it.Seq, it.ID, it.Kind, it.Status, it.Attempts,
			it.CreatedAt.Local().Format(time.DateTime), it.LastError)
	}
	tw.Flush()
}
