// Package server serves the loopback endpoint the identity provider
// redirects back to after sign-in.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/alexjbarnes/marketplace-session/internal/models"
	"github.com/alexjbarnes/marketplace-session/internal/oauth"
)

// Completer is the OAuth flow the callback drives. *oauth.Flow satisfies
// it.
type Completer interface {
	Observe(cb oauth.Callback) error
	Complete(ctx context.Context, loc oauth.Location, cb oauth.Callback) (oauth.Outcome, error)
	SubmitRole(ctx context.Context, role models.Role) (oauth.Outcome, error)
	Current() oauth.Outcome
}

// MuxConfig holds dependencies for building the callback router.
type MuxConfig struct {
	Flow        Completer
	Logger      *slog.Logger
	RedirectURI string
}

// NewMux builds the router for the redirect URI path: the callback
// itself, the outcome page and the role selection form.
func NewMux(cfg MuxConfig, cb *CallbackServer) (*mux.Router, error) {
	u, err := url.Parse(cfg.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URI: %w", err)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	r := mux.NewRouter()
	r.Use(securityHeaders)
	r.HandleFunc(path, cb.handleCallback).Methods(http.MethodGet)
	r.HandleFunc(rolePath(path), cb.handleRole).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	cb.path = path

	return r, nil
}

func rolePath(path string) string {
	if path == "/" {
		return "/role"
	}

	return path + "/role"
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
