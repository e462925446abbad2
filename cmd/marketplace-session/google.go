package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/alexjbarnes/marketplace-session/internal/errors"
	"github.com/alexjbarnes/marketplace-session/internal/gateway"
	"github.com/alexjbarnes/marketplace-session/internal/models"
	"github.com/alexjbarnes/marketplace-session/internal/oauth"
	"github.com/alexjbarnes/marketplace-session/internal/server"
)

// pageGrace bounds how long the callback server stays up for the browser
// to load the outcome page.
const pageGrace = 3 * time.Second

func newGoogleCmd() *cobra.Command {
	var mode, role, next string

	cmd := &cobra.Command{
		Use:   "google",
		Short: "Sign in or sign up with Google",
		Long: `google prints the provider sign-in URL and serves the OAuth redirect
on OAUTH_REDIRECT_URI until the sign-in settles. New accounts pick a role
with --role, in the browser, or at the prompt. --next records where to
continue after sign-in.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "login" && mode != "signup" {
				return fmt.Errorf("--mode must be login or signup")
			}

			var preset models.Role
			if role != "" {
				r, ok := models.ParseRole(role)
				if !ok {
					return fmt.Errorf("--role must be BUYER or SELLER")
				}

				preset = r
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if next != "" {
					if err := a.session.RecordCallback(next); err != nil {
						return fmt.Errorf("--next: %w", err)
					}
				}

				return runGoogle(ctx, cmd, a, mode, preset)
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "login", "login or signup")
	cmd.Flags().StringVar(&role, "role", "", "account type for new accounts (BUYER or SELLER)")
	cmd.Flags().StringVar(&next, "next", "", "path to continue at after sign-in")

	return cmd
}

func runGoogle(ctx context.Context, cmd *cobra.Command, a *app, mode string, preset models.Role) error {
	flow := a.oauthFlow()

	cs, err := server.NewCallbackServer(server.MuxConfig{
		Flow:        flow,
		Logger:      a.logger,
		RedirectURI: a.cfg.OAuthRedirectURI,
	})
	if err != nil {
		return err
	}

	addr, err := server.ListenAddr(a.cfg.OAuthRedirectURI)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening for the OAuth redirect on %s: %w", addr, err)
	}

	authURL, err := flow.Begin(ctx, mode)
	if err != nil {
		ln.Close()
		return userError(a.logger, "oauth begin", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to continue with Google:\n\n  %s\n\n", authURL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return cs.Serve(gctx, ln)
	})

	g.Go(func() error {
		// Stops the callback server once the outcome is known.
		defer cancel()

		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-cs.Done():
		}

		err := finishGoogle(gctx, cmd, a.logger, flow, preset)

		select {
		case <-cs.Shown():
		case <-time.After(pageGrace):
		case <-gctx.Done():
		}

		return err
	})

	return g.Wait()
}

// finishGoogle reports the settled outcome, picking a role first when the
// account needs one.
func finishGoogle(ctx context.Context, cmd *cobra.Command, logger *slog.Logger, flow *oauth.Flow, preset models.Role) error {
	out := flow.Current()

	for out.Phase == oauth.PhaseRoleSelectionPending {
		role := preset
		if role == "" {
			var err error
			if role, err = promptRole(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
				return err
			}
		}

		next, err := flow.SubmitRole(ctx, role)
		if err != nil {
			// Unavailable means the role was picked in the browser
			// meanwhile; Current has the result.
			if !errors.Is(err, apperrors.ErrRoleSelectionUnavailable) {
				fmt.Fprintln(cmd.ErrOrStderr(), gateway.Message(err))

				if preset != "" {
					return userError(logger, "role submission", err)
				}
			}

			next = flow.Current()
		}

		out = next
	}

	if out.Phase == oauth.PhaseFailed {
		return userError(logger, "oauth", out.Err)
	}

	name := "your account"
	if out.User != nil {
		name = displayName(out.User)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", name)

	if out.Redirect != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Continue at %s\n", out.Redirect)
	}

	return nil
}

func promptRole(in io.Reader, prompt io.Writer) (models.Role, error) {
	r := bufio.NewReader(in)

	for {
		fmt.Fprint(prompt, "Account type [BUYER/SELLER]: ")

		line, err := r.ReadString('\n')
		if role, ok := models.ParseRole(strings.TrimSpace(line)); ok {
			return role, nil
		}

		if err != nil {
			return "", fmt.Errorf("no account type chosen: %w", err)
		}
	}
}
