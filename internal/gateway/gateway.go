// Package gateway is the single path by which the client talks to the
// marketplace API. It collapses identical concurrent requests, routes
// 401 responses through one credential refresh, and tells the session
// layer when the server has rejected the session outright.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/alexjbarnes/marketplace-session/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// DefaultRefreshPath is the credential refresh endpoint.
	DefaultRefreshPath = "/auth/refresh"

	// identityPath is the "who am I" endpoint. A 401 there is the normal
	// answer for a signed-out client.
	identityPath = "/auth/me"
)

// Spec describes one logical API request.
type Spec struct {
	Method string
	Path   string
	Query  url.Values
	Body   any

	// SkipDeduplication sends the request on its own even when an
	// identical one is in flight.
	SkipDeduplication bool
}

func (s Spec) method() string {
	if s.Method == "" {
		return http.MethodGet
	}

	return strings.ToUpper(s.Method)
}

// Response is a completed 2xx response. Callers sharing a deduplicated
// request each receive their own copy.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}

	return json.Unmarshal(r.Body, v)
}

// Get returns the value at a gjson path in the body.
func (r *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

func (r *Response) clone() *Response {
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   bytes.Clone(r.Body),
	}
}

// Listener observes session-level outcomes decided by the gateway.
type Listener interface {
	// SessionUnauthorized is called when the server rejected the session
	// and local session state must be torn down.
	SessionUnauthorized(reason error)

	// CredentialsRefreshed is called after a successful refresh.
	CredentialsRefreshed()
}

// Config holds gateway settings.
type Config struct {
	BaseURL string

	// RefreshPath defaults to DefaultRefreshPath.
	RefreshPath string

	// TeardownCooldown suppresses repeated teardown signals and blocks
	// refresh attempts for this long after a teardown.
	TeardownCooldown time.Duration

	// Jar, when set, is read after each refresh to log the new
	// credential's expiry.
	Jar http.CookieJar
}

// Gateway issues API requests on behalf of every other component.
type Gateway struct {
	doer      Doer
	baseURL   *url.URL
	cfg       Config
	logger    *slog.Logger
	ledger    singleflight.Group
	refresher *Coordinator

	mu           sync.Mutex
	listener     Listener
	lastTeardown time.Time
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents session cookies from
// being offered to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns the client used in production: bounded timeout,
// same-host redirects and the given cookie jar.
func NewHTTPClient(timeout time.Duration, jar http.CookieJar) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		Jar:           jar,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// New creates a gateway sending through doer.
func New(doer Doer, cfg Config, logger *slog.Logger) (*Gateway, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q must be http or https", cfg.BaseURL)
	}

	if cfg.RefreshPath == "" {
		cfg.RefreshPath = DefaultRefreshPath
	}

	g := &Gateway{
		doer:    doer,
		baseURL: base,
		cfg:     cfg,
		logger:  logger,
	}
	g.refresher = NewCoordinator(g.refreshCredentials, g.credentialsRefreshed, g.teardown, logger)

	return g, nil
}

// SetListener registers the observer for teardown and refresh outcomes.
func (g *Gateway) SetListener(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.listener = l
}

// EnsureFresh runs (or joins) a credential refresh. A failed refresh
// tears the session down like a rejected retry would.
func (g *Gateway) EnsureFresh(ctx context.Context) error {
	return g.refresher.EnsureFresh(ctx)
}

// Request performs spec. Identical concurrent requests share one wire
// call unless SkipDeduplication is set. The returned error is a
// *TransientError for network failures and an *Error otherwise.
func (g *Gateway) Request(ctx context.Context, spec Spec) (*Response, error) {
	if spec.SkipDeduplication {
		return g.execute(ctx, spec)
	}

	key, err := Fingerprint(spec)
	if err != nil {
		return nil, err
	}

	ch := g.ledger.DoChan(key, func() (any, error) {
		return g.execute(context.WithoutCancel(ctx), spec)
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("request deduplicated",
				slog.String("method", spec.method()),
				slog.String("path", spec.Path),
			)
		}

		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*Response).clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) execute(ctx context.Context, spec Spec) (*Response, error) {
	resp, err := g.send(ctx, spec)
	if err != nil {
		return nil, err
	}

	if resp.Status != http.StatusUnauthorized {
		if err := classify(spec, resp); err != nil {
			return nil, err
		}

		if establishesSession(spec) {
			g.resetTeardown()
		}

		return resp, nil
	}

	if isAuthEndpoint(spec) {
		kind := apperrors.ErrAuthEndpointRejected
		if spec.method() == http.MethodGet && normalizePath(spec.Path) == identityPath {
			kind = apperrors.ErrUnauthenticated
		}

		apiErr := newError(kind, spec, resp)
		g.teardown(apiErr)

		return nil, apiErr
	}

	if g.tornDownRecently() {
		return nil, newError(apperrors.ErrSessionExpired, spec, resp)
	}

	return g.refresher.Replay(ctx, func(ctx context.Context) (*Response, error) {
		return g.retry(ctx, spec)
	})
}

// retry re-issues spec once after a refresh. Another 401 is terminal.
func (g *Gateway) retry(ctx context.Context, spec Spec) (*Response, error) {
	resp, err := g.send(ctx, spec)
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusUnauthorized {
		apiErr := newError(apperrors.ErrSessionExpired, spec, resp)
		g.teardown(apiErr)

		return nil, apiErr
	}

	if err := classify(spec, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (g *Gateway) send(ctx context.Context, spec Spec) (*Response, error) {
	method := spec.method()

	u := g.baseURL.JoinPath(spec.Path)
	u.RawQuery = spec.Query.Encode()

	var body io.Reader

	if spec.Body != nil {
		payload, err := json.Marshal(spec.Body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Request-ID", uuid.NewString())

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.doer.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("sending %s %s: %w", method, spec.Path, err)}
	}
	defer resp.Body.Close()

	// Cap response reads at 1MB. API responses are small JSON payloads.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s %s: %w", method, spec.Path, err)}
	}

	g.logger.Debug("api response",
		slog.String("method", method),
		slog.String("path", spec.Path),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", req.Header.Get("X-Request-ID")),
	)

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   respBody,
	}, nil
}

// refreshCredentials calls the refresh endpoint directly, outside the
// 401 handling in execute. Any failure means the session is gone.
func (g *Gateway) refreshCredentials(ctx context.Context) error {
	spec := Spec{Method: http.MethodPost, Path: g.cfg.RefreshPath}

	resp, err := g.send(ctx, spec)
	if err != nil {
		apiErr := newError(apperrors.ErrSessionExpired, spec, nil)
		apiErr.Err = err

		return apiErr
	}

	if resp.Status < http.StatusOK || resp.Status >= http.StatusMultipleChoices {
		return newError(apperrors.ErrSessionExpired, spec, resp)
	}

	return nil
}

func (g *Gateway) credentialsRefreshed() {
	g.resetTeardown()

	attrs := []any{slog.Uint64("episode", g.refresher.episodes())}

	if g.cfg.Jar != nil {
		if exp, ok := accessTokenExpiry(g.cfg.Jar, g.baseURL); ok {
			attrs = append(attrs, slog.Time("access_expires", exp))
		}
	}

	g.logger.Info("credentials refreshed", attrs...)

	if l := g.currentListener(); l != nil {
		l.CredentialsRefreshed()
	}
}

// teardown signals the listener that the session is gone, at most once
// per cooldown window.
func (g *Gateway) teardown(reason error) {
	g.mu.Lock()

	now := time.Now()
	if !g.lastTeardown.IsZero() && now.Sub(g.lastTeardown) < g.cfg.TeardownCooldown {
		g.mu.Unlock()
		g.logger.Debug("teardown suppressed", slog.String("reason", reason.Error()))

		return
	}

	g.lastTeardown = now
	l := g.listener
	g.mu.Unlock()

	g.logger.Info("session rejected by server", slog.String("reason", reason.Error()))

	if l != nil {
		l.SessionUnauthorized(reason)
	}
}

func (g *Gateway) tornDownRecently() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return !g.lastTeardown.IsZero() && time.Since(g.lastTeardown) < g.cfg.TeardownCooldown
}

func (g *Gateway) resetTeardown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastTeardown = time.Time{}
}

func (g *Gateway) currentListener() Listener {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.listener
}

// isAuthEndpoint reports whether a 401 from spec is a verdict on the
// session itself rather than a stale credential. The profile update
// (PATCH /auth/me) is an ordinary request.
func isAuthEndpoint(spec Spec) bool {
	p := normalizePath(spec.Path)
	if !strings.HasPrefix(p, "/auth/") {
		return false
	}

	return !(p == identityPath && spec.method() == http.MethodPatch)
}

// establishesSession reports whether a successful spec creates a new
// session, ending any teardown cooldown.
func establishesSession(spec Spec) bool {
	if spec.method() != http.MethodPost {
		return false
	}

	switch normalizePath(spec.Path) {
	case "/auth/login", "/auth/oauth/google":
		return true
	}

	return false
}
