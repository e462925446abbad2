package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

const apiURLEnv = "MARKETPLACE_API_URL"

func newRootCmd() *cobra.Command {
	var apiURL string

	root := &cobra.Command{
		Use:     "marketplace-session",
		Short:   "Sign in to the marketplace and keep the session alive",
		Version: Version,
		Long: `marketplace-session manages a signed-in marketplace session from the terminal.

Session cookies and the OAuth exchange records live in a local bbolt
database so a session survives restarts.

Environment Variables:
  MARKETPLACE_API_URL  REST API base URL (required unless --api-url is set)
  STATE_PATH           state database (default: ~/.marketplace-session/state.db)
  MARKETPLACE_PASSWORD password for login, instead of the terminal prompt`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return nil
			}

			// The flag wins over the environment and .env file.
			if _, err := url.Parse(apiURL); err != nil {
				return fmt.Errorf("--api-url: %w", err)
			}

			return os.Setenv(apiURLEnv, apiURL)
		},
	}

	root.PersistentFlags().StringVar(&apiURL, "api-url", "", "REST API base URL (overrides "+apiURLEnv+")")

	root.AddCommand(
		newStatusCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newRegisterCmd(),
		newGoogleCmd(),
		newPasswordResetCmd(),
		newPasswordResetConfirmCmd(),
		newWatchCmd(),
		newRefreshCmd(),
		newResourceCmd(),
	)

	return root
}
