package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/marketplace-session/internal/errors"
	"github.com/alexjbarnes/marketplace-session/internal/gateway"
	"github.com/alexjbarnes/marketplace-session/internal/models"
	"github.com/alexjbarnes/marketplace-session/internal/oauth"
)

const (
	// csrfTokenBytes is the number of random bytes in the role form
	// token (hex-encoded to twice this length).
	csrfTokenBytes = 16

	maxFormBody = 4 << 10

	shutdownTimeout = 10 * time.Second
)

// CallbackServer handles the provider redirect. The first request
// carrying the callback parameters runs the exchange and is redirected to
// the same path without a query, so reloading the page shows the outcome
// instead of resubmitting the code.
type CallbackServer struct {
	flow   Completer
	logger *slog.Logger
	csrf   string
	path   string
	router http.Handler

	done      chan struct{}
	once      sync.Once
	shown     chan struct{}
	shownOnce sync.Once
}

// NewCallbackServer builds the handler for cfg.RedirectURI.
func NewCallbackServer(cfg MuxConfig) (*CallbackServer, error) {
	s := &CallbackServer{
		flow:   cfg.Flow,
		logger: cfg.Logger,
		csrf:   generateCSRFToken(),
		done:   make(chan struct{}),
		shown:  make(chan struct{}),
	}

	r, err := NewMux(cfg, s)
	if err != nil {
		return nil, err
	}

	s.router = r

	return s, nil
}

// ListenAddr returns the host:port the redirect URI points at.
func ListenAddr(redirectURI string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URI: %w", err)
	}

	if u.Hostname() == "" {
		return "", fmt.Errorf("redirect URI %q has no host", redirectURI)
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	return net.JoinHostPort(u.Hostname(), port), nil
}

// ServeHTTP implements http.Handler.
func (s *CallbackServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Done is closed once the flow has settled: completed, failed or waiting
// for a role.
func (s *CallbackServer) Done() <-chan struct{} {
	return s.done
}

// Shown is closed once a terminal outcome page has been sent to the
// browser. Shutting down earlier can cut off the redirect that follows the
// callback.
func (s *CallbackServer) Shown() <-chan struct{} {
	return s.shown
}

// Serve accepts connections on ln until ctx is cancelled, then shuts the
// server down gracefully.
func (s *CallbackServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down callback server: %w", err)
	}

	return nil
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if !q.Has("state") && !q.Has("code") && !q.Has("error") {
		s.render(w, http.StatusOK, s.flow.Current(), "")
		return
	}

	if e := q.Get("error"); e != "" {
		s.logger.Warn("identity provider returned an error",
			slog.String("error", e),
			slog.String("description", q.Get("error_description")),
		)
	}

	cb := oauth.ParseCallback(q)

	if err := s.flow.Observe(cb); err != nil && !errors.Is(err, apperrors.ErrMissingExchangeParams) &&
		!errors.Is(err, apperrors.ErrProviderDenied) {
		s.logger.Warn("recording oauth callback", slog.String("error", err.Error()))
	}

	// The exchange must finish even if the browser goes away.
	ctx := context.WithoutCancel(r.Context())

	out, err := s.flow.Complete(ctx, nil, cb)
	if err != nil {
		s.logger.Info("oauth callback failed", slog.String("error", err.Error()))
	}

	s.settle(out)

	http.Redirect(w, r, s.path, http.StatusSeeOther)
}

func (s *CallbackServer) handleRole(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	if subtle.ConstantTimeCompare([]byte(r.PostFormValue("csrf_token")), []byte(s.csrf)) != 1 {
		http.Error(w, "invalid csrf token", http.StatusForbidden)
		return
	}

	role, ok := models.ParseRole(r.PostFormValue("role"))
	if !ok {
		s.render(w, http.StatusBadRequest, s.flow.Current(), "Please choose an account type.")
		return
	}

	out, err := s.flow.SubmitRole(context.WithoutCancel(r.Context()), role)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, apperrors.ErrSubmissionInFlight) || errors.Is(err, apperrors.ErrRoleSelectionUnavailable) {
			status = http.StatusConflict
		}

		s.render(w, status, s.flow.Current(), gateway.Message(err))

		return
	}

	s.settle(out)

	http.Redirect(w, r, s.path, http.StatusSeeOther)
}

func (s *CallbackServer) settle(out oauth.Outcome) {
	if out.Phase.Settled() {
		s.once.Do(func() { close(s.done) })
	}
}

func (s *CallbackServer) render(w http.ResponseWriter, status int, out oauth.Outcome, formErr string) {
	data := pageData{
		Phase:     out.Phase.String(),
		Redirect:  out.Redirect,
		Error:     formErr,
		CSRFToken: s.csrf,
		RolePath:  rolePath(s.path),
	}

	switch out.Phase {
	case oauth.PhaseCompleted:
		data.Title = "Signed in"
		data.Message = "You can close this window and return to the terminal."
	case oauth.PhaseRoleSelectionPending:
		data.Title = "Choose your account type"
		data.Message = "Tell us how you will use the marketplace to finish signing up."
		data.ChooseRole = true
	case oauth.PhaseFailed:
		data.Title = "Sign-in failed"
		data.Message = gateway.Message(out.Err)
	case oauth.PhaseExchanging:
		data.Title = "Signing in"
		data.Message = "Finishing sign-in. Refresh this page in a moment."
	default:
		data.Title = "Waiting for sign-in"
		data.Message = "Start sign-in from the terminal to continue."
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if err := outcomePage.Execute(w, data); err != nil {
		s.logger.Warn("rendering callback page", slog.String("error", err.Error()))
		return
	}

	if out.Phase == oauth.PhaseCompleted || out.Phase == oauth.PhaseFailed {
		s.shownOnce.Do(func() { close(s.shown) })
	}
}

func generateCSRFToken() string {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
