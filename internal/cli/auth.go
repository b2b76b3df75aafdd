package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// PasswordEnv is read when --password is not given.
const PasswordEnv = "SHELFSYNC_PASSWORD"

// LoginResult is the JSON payload of the login command.
type LoginResult struct {
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Products  int       `json:"products"`
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the inventory service",
		Long: `Log in and store the session in the local database.

The product cache is refreshed after a successful login. The password
is read from --password or the SHELFSYNC_PASSWORD environment variable.

Example:
  shelfsync login --username clerk
  SHELFSYNC_PASSWORD=secret shelfsync login -u clerk --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = getenv(rootOpts, PasswordEnv)
			}
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				return runLogin(ctx, s, strings.TrimSpace(username), password)
			})
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "user name (required)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (default $"+PasswordEnv+")")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func runLogin(ctx context.Context, s *session, username, password string) error {
	if password == "" {
		_ = s.formatter.Error(ErrCodeInvalidArgument, "password is required", nil)
		return NewExitError(ExitCommandError, "password is required")
	}

	sess, err := s.device.Login(ctx, username, password)
	if err != nil {
		return s.formatter.Fail("login failed", err)
	}

	result := LoginResult{Username: username, ExpiresAt: sess.ExpiresAt}
	if snap, err := s.device.Inventory.Products(ctx, false); err == nil {
		result.Products = len(snap.Data)
	}

	return s.formatter.Render(result, func(w io.Writer) error {
		fmt.Fprintf(w, "Logged in as %s (%d products cached)\n", username, result.Products)
		return nil
	})
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session",
		Long: `End the session on the server (when reachable) and locally.

Queued changes and the product cache are kept and sync after the
next login.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				if err := s.device.Logout(ctx); err != nil {
					return s.formatter.Fail("logout failed", err)
				}
				return s.formatter.Render(map[string]bool{"logged_out": true}, func(w io.Writer) error {
					fmt.Fprintln(w, "Logged out")
					return nil
				})
			})
		},
	}
}

func getenv(opts *RootOptions, key string) string {
	if opts.Getenv != nil {
		return opts.Getenv(key)
	}
	return os.Getenv(key)
}
