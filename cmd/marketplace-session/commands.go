package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/marketplace-session/internal/gateway"
	"github.com/alexjbarnes/marketplace-session/internal/models"
	"github.com/alexjbarnes/marketplace-session/internal/session"
)

const passwordEnv = "MARKETPLACE_PASSWORD"

// statusView is the YAML shape printed by status.
type statusView struct {
	State         string       `yaml:"state"`
	Authenticated bool         `yaml:"authenticated"`
	User          *models.User `yaml:"user,omitempty"`
	LastCheckedAt *time.Time   `yaml:"last_checked_at,omitempty"`
	Error         string       `yaml:"error,omitempty"`
}

func newStatusView(snap session.Snapshot) statusView {
	v := statusView{
		State:         snap.State.String(),
		Authenticated: snap.IsAuthenticated,
		User:          snap.User,
	}

	if !snap.LastCheckedAt.IsZero() {
		t := snap.LastCheckedAt.UTC()
		v.LastCheckedAt = &t
	}

	if snap.Err != nil {
		v.Error = gateway.Message(snap.Err)
	}

	return v
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	return enc.Close()
}

// userError logs the structured error and returns the short message the
// user sees.
func userError(logger *slog.Logger, action string, err error) error {
	logger.Debug(action+" failed", slog.String("error", err.Error()))
	return errors.New(gateway.Message(err))
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Verify the stored session and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				err := a.session.Hydrate(ctx)

				if werr := writeYAML(cmd.OutOrStdout(), newStatusView(a.session.Snapshot())); werr != nil {
					return werr
				}

				if err != nil {
					return userError(a.logger, "hydrate", err)
				}

				return nil
			})
		},
	}
}

func newLoginCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd, "Password: ")
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				user, err := a.session.Login(ctx, email, password)
				if err != nil {
					return userError(a.logger, "login", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayName(user))

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				err := a.session.Logout(ctx)
				a.clearCookies()

				if err != nil {
					// The local session is gone either way.
					a.logger.Warn("server logout failed", slog.String("error", err.Error()))
				}

				fmt.Fprintln(cmd.OutOrStdout(), "Signed out")

				return nil
			})
		},
	}
}

func newRegisterCmd() *cobra.Command {
	var req models.RegisterRequest

	var role string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := models.ParseRole(role)
			if !ok {
				return fmt.Errorf("--role must be BUYER or SELLER")
			}

			req.Role = parsed

			var err error
			if req.Password, err = readPassword(cmd, "Password: "); err != nil {
				return err
			}

			if req.RePassword, err = readConfirmation(cmd, req.Password); err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				user, err := a.session.Register(ctx, req)
				if err != nil {
					return userError(a.logger, "register", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Account created for %s. Check your inbox to verify it, then sign in.\n", user.Email)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&role, "role", string(models.RoleBuyer), "account type (BUYER or SELLER)")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newPasswordResetCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "password-reset",
		Short: "Email a password reset link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.session.RequestPasswordReset(ctx, email); err != nil {
					return userError(a.logger, "password reset", err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), "If the account exists, a reset link is on its way.")

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newPasswordResetConfirmCmd() *cobra.Command {
	var req models.PasswordResetConfirm

	cmd := &cobra.Command{
		Use:   "password-reset-confirm",
		Short: "Set a new password from a reset link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.NewPassword, err = readPassword(cmd, "New password: "); err != nil {
				return err
			}

			if req.ReNewPassword, err = readConfirmation(cmd, req.NewPassword); err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.session.ConfirmPasswordReset(ctx, req); err != nil {
					return userError(a.logger, "password reset confirm", err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), "Password updated. Sign in with the new password.")

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.UID, "uid", "", "uid from the reset link")
	cmd.Flags().StringVar(&req.Token, "token", "", "token from the reset link")
	_ = cmd.MarkFlagRequired("uid")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

// readPassword takes the password from MARKETPLACE_PASSWORD, a terminal
// prompt without echo, or one line of piped input.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if p := os.Getenv(passwordEnv); p != "" {
		return p, nil
	}

	in := cmd.InOrStdin()

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)

		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())

		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no password given; set %s or type it at the prompt", passwordEnv)
	}

	return line, nil
}

// readConfirmation asks for the password again on a terminal. Non
// interactive input is taken as already confirmed.
func readConfirmation(cmd *cobra.Command, password string) (string, error) {
	f, ok := cmd.InOrStdin().(*os.File)
	if os.Getenv(passwordEnv) != "" || !ok || !term.IsTerminal(int(f.Fd())) {
		return password, nil
	}

	return readPassword(cmd, "Repeat password: ")
}

func displayName(u *models.User) string {
	if u == nil {
		return "unknown user"
	}

	name := strings.TrimSpace(u.FirstName + " " + u.LastName)

	switch {
	case name != "" && u.Email != "":
		return fmt.Sprintf("%s <%s>", name, u.Email)
	case u.Email != "":
		return u.Email
	case name != "":
		return name
	}

	return u.ID
}
