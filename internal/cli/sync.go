package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/engine"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Long: `Send queued changes to the server in the order they were made.

Transient failures stay queued for the next cycle. Items the server
rejects are marked failed; list them with 'shelfsync queue list'.
Exits 1 when the cycle left failed items.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				return runSync(ctx, s, refresh)
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh the product cache even if nothing was sent")

	return cmd
}

func runSync(ctx context.Context, s *session, refresh bool) error {
	s.device.Monitor.Probe(ctx, s.device.API)
	report, err := s.device.Engine.Drain(ctx)
	if err != nil {
		return s.formatter.Fail("sync failed", err)
	}
	if refresh && !report.Refreshed && s.device.Monitor.Online() {
		if _, err := s.device.Engine.Refresh(ctx); err != nil {
			s.logger.Warn("refresh failed", "error", err)
		} else {
			report.Refreshed = true
		}
	}

	if err := s.formatter.Render(report, func(w io.Writer) error {
		writeReport(w, report)
		return nil
	}); err != nil {
		return err
	}

	switch {
	case report.Stopped == engine.StopSessionTerminated:
		return NewExitError(ExitLoginRequired, "login required")
	case report.Count(engine.OutcomeFailed) > 0:
		return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) failed", report.Count(engine.OutcomeFailed)))
	}
	return nil
}

func writeReport(w io.Writer, r engine.CycleReport) {
	if r.Skipped {
		fmt.Fprintf(w, "Offline: %d change(s) waiting\n", r.Pending)
		return
	}
	if len(r.Items) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tITEM\tKIND\tOUTCOME\tATTEMPTS\tERROR")
		for _, it := range r.Items {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", it.Seq, it.ItemID, it.Kind, it.Outcome, it.Attempts, it.Error)
		}
		tw.Flush()
	}
	fmt.Fprintf(w, "Sent %d, pending %d, failed %d\n", r.Count(engine.OutcomeCompleted), r.Pending, r.Failed)
	switch r.Stopped {
	case engine.StopNetworkUnavailable:
		fmt.Fprintln(w, "Connection lost; remaining changes sync when back online")
	case engine.StopSessionTerminated:
		fmt.Fprintln(w, "Session ended; run 'shelfsync login' to continue syncing")
	}
}
