package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/inventory"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and session state",
		Long: `Show whether the server is reachable, how many changes are waiting,
how many failed, and when the session and cache were last renewed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				if probe {
					s.device.Monitor.Probe(ctx, s.device.API)
				}
				st, err := s.device.Inventory.Status(ctx)
				if err != nil {
					return s.formatter.Fail("failed to read status", err)
				}
				return s.formatter.Render(st, func(w io.Writer) error {
					writeStatus(w, st)
					return nil
				})
			})
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", true, "check that the server is reachable")

	return cmd
}

func writeStatus(w io.Writer, st inventory.Status) {
	online := "offline"
	if st.Online {
		online = "online"
	}
	fmt.Fprintf(w, "Server:   %s\n", online)
	fmt.Fprintf(w, "Pending:  %d\n", st.Pending)
	fmt.Fprintf(w, "Failed:   %d\n", st.Failed)

	switch {
	case !st.LoggedIn:
		fmt.Fprintln(w, "Session:  logged out")
	case st.SessionExpiresAt.IsZero():
		fmt.Fprintln(w, "Session:  active")
	default:
		fmt.Fprintf(w, "Session:  active until %s\n", st.SessionExpiresAt.Local().Format(time.DateTime))
	}

	if st.CacheFetchedAt.IsZero() {
		fmt.Fprintln(w, "Cache:    empty")
	} else {
		suffix := ""
		if st.CacheStale {
			suffix = " (stale)"
		}
		fmt.Fprintf(w, "Cache:    %s%s\n", st.CacheFetchedAt.Local().Format(time.DateTime), suffix)
	}

	if st.LastCycle != nil {
		fmt.Fprintf(w, "Last sync: %s\n", st.LastCycle.FinishedAt.Local().Format(time.DateTime))
	}
}
