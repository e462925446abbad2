package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/marketplace-session/internal/models"
)

// Login signs in with email and password. The session is authenticated
// with the returned user; when the server answers without a user record
// the current user is fetched instead.
func (s *Store) Login(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.users.Login(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, err
	}

	if user.ID == "" {
		if me, err := s.users.CurrentUser(ctx); err == nil {
			user = me
		} else {
			s.logger.Warn("fetching user after login", slog.String("error", err.Error()))
		}
	}

	s.SetAuthenticated(user)

	return user, nil
}

// Logout ends the session on the server and always clears it locally,
// even when the server call fails.
func (s *Store) Logout(ctx context.Context) error {
	err := s.users.Logout(ctx)
	s.Clear(nil)

	return err
}

// Register creates an account. The session is not changed; the user signs
// in separately.
func (s *Store) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	if req.Password != req.RePassword {
		return nil, fmt.Errorf("registering: passwords do not match")
	}

	return s.users.Register(ctx, req)
}

// RequestPasswordReset asks the server to email a reset link.
func (s *Store) RequestPasswordReset(ctx context.Context, email string) error {
	return s.users.RequestPasswordReset(ctx, strings.TrimSpace(email))
}

// ConfirmPasswordReset sets a new password from an emailed link.
func (s *Store) ConfirmPasswordReset(ctx context.Context, req models.PasswordResetConfirm) error {
	return s.users.ConfirmPasswordReset(ctx, req)
}

// RecordCallback stores where to send the user after the next sign-in.
// Only site-relative paths are accepted.
func (s *Store) RecordCallback(path string) error {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return fmt.Errorf("callback %q must be a site-relative path", path)
	}

	return s.persist.SetCallbackURL(path)
}
