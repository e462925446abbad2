package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/alexjbarnes/marketplace-session/internal/api"
	"github.com/alexjbarnes/marketplace-session/internal/config"
	"github.com/alexjbarnes/marketplace-session/internal/gateway"
	"github.com/alexjbarnes/marketplace-session/internal/logging"
	"github.com/alexjbarnes/marketplace-session/internal/oauth"
	"github.com/alexjbarnes/marketplace-session/internal/session"
	"github.com/alexjbarnes/marketplace-session/internal/state"
)

// app holds the wired client components for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	state   *state.State
	jar     *state.Jar
	gateway *gateway.Gateway
	api     *api.Client
	session *session.Store
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	base, err := url.Parse(cfg.APIBaseURL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("parsing API URL: %w", err)
	}

	jar, err := state.NewJar(st, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	if err := jar.Restore(base); err != nil {
		logger.Warn("restoring cookies", slog.String("error", err.Error()))
	}

	gw, err := gateway.New(gateway.NewHTTPClient(cfg.HTTPTimeout, jar), gateway.Config{
		BaseURL:          cfg.APIBaseURL,
		TeardownCooldown: cfg.TeardownCooldown,
		Jar:              jar,
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	client := api.NewClient(gw, cfg.OAuthRedirectURI)
	store := session.New(client, st, logger, session.WithStaleAfter(cfg.SessionStaleAfter))
	gw.SetListener(store)

	return &app{
		cfg:     cfg,
		logger:  logger,
		state:   st,
		jar:     jar,
		gateway: gw,
		api:     client,
		session: store,
	}, nil
}

func (a *app) Close() {
	a.session.Close()

	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

func (a *app) oauthFlow() *oauth.Flow {
	return oauth.NewFlow(a.api, a.session, a.state, oauth.Config{
		CodeTTL:        a.cfg.OAuthCodeTTL,
		DefaultLanding: a.cfg.DefaultLandingPath,
	}, a.logger)
}

// clearCookies drops the session cookies after a sign-out so the next
// process does not present them.
func (a *app) clearCookies() {
	base, err := url.Parse(a.cfg.APIBaseURL)
	if err != nil {
		return
	}

	if err := a.jar.Clear(base); err != nil {
		a.logger.Warn("clearing cookies", slog.String("error", err.Error()))
	}
}

// withApp loads configuration, wires the client and runs fn.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("marketplace-session starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIBaseURL),
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
