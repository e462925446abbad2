// Package api exposes the marketplace REST endpoints as typed calls over
// the gateway.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/marketplace-session/internal/gateway"
	"github.com/alexjbarnes/marketplace-session/internal/models"
)

const (
	registerPath             = "/auth/register"
	loginPath                = "/auth/login"
	logoutPath               = "/auth/logout"
	mePath                   = "/auth/me"
	googleOAuthPath          = "/auth/oauth/google"
	passwordResetPath        = "/auth/password-reset"
	passwordResetConfirmPath = "/auth/password-reset-confirm"
)

// Requester performs one API request. *gateway.Gateway satisfies it.
type Requester interface {
	Request(ctx context.Context, spec gateway.Spec) (*gateway.Response, error)
}

// Client talks to the marketplace API.
type Client struct {
	gw          Requester
	redirectURI string
}

// NewClient creates an API client. redirectURI is sent with the OAuth
// authorization and exchange calls.
func NewClient(gw Requester, redirectURI string) *Client {
	return &Client{gw: gw, redirectURI: redirectURI}
}

// decodeUser reads a user from a response that is either the user object
// itself or wraps it under "data" or "user".
func decodeUser(resp *gateway.Response) (*models.User, error) {
	raw := resp.Body

	for _, key := range []string{"data", "user"} {
		if v := resp.Get(key); v.IsObject() {
			raw = []byte(v.Raw)
			break
		}
	}

	var u models.User
	if len(bytes.TrimSpace(raw)) == 0 {
		return &u, nil
	}

	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decoding user: %w", err)
	}

	return &u, nil
}

// Register creates an account. It does not sign the user in.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	resp, err := c.gw.Request(ctx, gateway.Spec{
		Method: http.MethodPost,
		Path:   registerPath,
		Body:   req,
	})
	if err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}

	return decodeUser(resp)
}

// Login authenticates with email and password. The server sets the
// session cookies.
func (c *Client) Login(ctx context.Context, email, password string) (*models.User, error) {
	resp, err := c.gw.Request(ctx, gateway.Spec{
		Method: http.MethodPost,
		Path:   loginPath,
		Body:   models.LoginRequest{Email: email, Password: password},
	})
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	return decodeUser(resp)
}

// Logout invalidates the session server-side.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.gw.Request(ctx, gateway.Spec{Method: http.MethodPost, Path: logoutPath}); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}

// CurrentUser fetches the signed-in account.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	resp, err := c.gw.Request(ctx, gateway.Spec{Method: http.MethodGet, Path: mePath})
	if err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}

	return decodeUser(resp)
}

// UpdateCurrentUser patches the signed-in account.
func (c *Client) UpdateCurrentUser(ctx context.Context, update models.UserUpdate) (*models.User, error) {
	resp, err := c.gw.Request(ctx, gateway.Spec{
		Method: http.MethodPatch,
		Path:   mePath,
		Body:   update,
	})
	if err != nil {
		return nil, fmt.Errorf("updating current user: %w", err)
	}

	return decodeUser(resp)
}

// AuthorizationURL asks the server for the identity provider's consent
// page URL.
func (c *Client) AuthorizationURL(ctx context.Context) (string, error) {
	resp, err := c.gw.Request(ctx, gateway.Spec{
		Method: http.MethodGet,
		Path:   googleOAuthPath,
		Query:  url.Values{"redirect_uri": {c.redirectURI}},
	})
	if err != nil {
		return "", fmt.Errorf("fetching authorization URL: %w", err)
	}

	authURL := resp.Get("authorization_url").String()
	if authURL == "" {
		return "", fmt.Errorf("fetching authorization URL: response has no authorization_url")
	}

	return authURL, nil
}

// ExchangeCode converts an authorization code into a session. A response
// with status "success" means the account already has a role; without a
// status field the user's role decides.
func (c *Client) ExchangeCode(ctx context.Context, state, code string) (*models.OAuthResult, error) {
	resp, err := c.gw.Request(ctx, gateway.Spec{
		Method: http.MethodPost,
		Path:   googleOAuthPath,
		Query: url.Values{
			"state":        {state},
			"code":         {code},
			"redirect_uri": {c.redirectURI},
		},
		SkipDeduplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	user, err := decodeUser(resp)
	if err != nil {
		return nil, err
	}

	result := &models.OAuthResult{User: user}

	if st := resp.Get("status"); st.Type == gjson.String {
		result.RoleAssigned = st.Str == "success"
	} else {
		result.RoleAssigned = user.HasRole()
	}

	return result, nil
}

// RequestPasswordReset asks the server to email a reset link.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	_, err := c.gw.Request(ctx, gateway.Spec{
		Method: http.MethodPost,
		Path:   passwordResetPath,
		Body:   models.PasswordResetRequest{Email: email},
	})
	if err != nil {
		return fmt.Errorf("requesting password reset: %w", err)
	}

	return nil
}

// ConfirmPasswordReset sets a new password using the emailed uid/token.
func (c *Client) ConfirmPasswordReset(ctx context.Context, req models.PasswordResetConfirm) error {
	_, err := c.gw.Request(ctx, gateway.Spec{
		Method: http.MethodPost,
		Path:   passwordResetConfirmPath,
		Body:   req,
	})
	if err != nil {
		return fmt.Errorf("confirming password reset: %w", err)
	}

	return nil
}
