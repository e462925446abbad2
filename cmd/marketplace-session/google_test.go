package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/marketplace-session/internal/config"
	"github.com/alexjbarnes/marketplace-session/internal/oauth"
	"github.com/alexjbarnes/marketplace-session/internal/server"
)

type googleHarness struct {
	app  *app
	flow *oauth.Flow
	cs   *server.CallbackServer
	url  string
}

func newGoogleHarness(t *testing.T) *googleHarness {
	t.Helper()

	setupEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)

	a, err := newApp(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	flow := a.oauthFlow()

	cs, err := server.NewCallbackServer(server.MuxConfig{
		Flow:        flow,
		Logger:      logger,
		RedirectURI: cfg.OAuthRedirectURI,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(cs)
	t.Cleanup(ts.Close)

	return &googleHarness{app: a, flow: flow, cs: cs, url: ts.URL + "/auth/google"}
}

// visit loads the callback URL the way a browser would, following the
// redirect that strips the query.
func (h *googleHarness) visit(t *testing.T, query string) string {
	t.Helper()

	resp, err := http.Get(h.url + "?" + query)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, h.url, resp.Request.URL.String())

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(b)
}

func (h *googleHarness) finish(t *testing.T) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))

	err := finishGoogle(t.Context(), cmd, h.app.logger, h.flow, "")

	return out.String(), err
}

func requireClosed(t *testing.T, ch <-chan struct{}, name string) {
	t.Helper()

	select {
	case <-ch:
	default:
		t.Fatalf("%s not closed", name)
	}
}

func TestGoogleCallback_ProviderErrorFails(t *testing.T) {
	h := newGoogleHarness(t)

	page := h.visit(t, "error=access_denied&state=abc")
	assert.Contains(t, page, "Sign-in failed")
	assert.Contains(t, page, "not authorized")
	assert.NotContains(t, page, "Waiting for sign-in")

	requireClosed(t, h.cs.Done(), "Done")
	requireClosed(t, h.cs.Shown(), "Shown")

	out, err := h.finish(t)
	require.EqualError(t, err, "Sign-in was cancelled or not authorized. Please try again.")
	assert.Empty(t, out)
	assert.Equal(t, oauth.PhaseFailed, h.flow.Current().Phase)
	assert.False(t, h.app.session.Snapshot().IsAuthenticated)
}

func TestGoogleCallback_MissingCodeFails(t *testing.T) {
	h := newGoogleHarness(t)

	page := h.visit(t, "state=abc")
	assert.Contains(t, page, "Missing or invalid authentication parameters.")

	_, err := h.finish(t)
	require.EqualError(t, err, "Missing or invalid authentication parameters.")
}

func TestGoogleCallback_CodeSignsIn(t *testing.T) {
	h := newGoogleHarness(t)

	page := h.visit(t, "state=abc&code=good-code")
	assert.Contains(t, page, "Signed in")

	requireClosed(t, h.cs.Done(), "Done")
	requireClosed(t, h.cs.Shown(), "Shown")

	out, err := h.finish(t)
	require.NoError(t, err)
	assert.Equal(t, "Signed in as Ada Lovelace <ada@example.com>\nContinue at /dashboard\n", out)
	assert.True(t, h.app.session.Snapshot().IsAuthenticated)

	// The reload shows the same outcome without a second exchange.
	assert.Contains(t, h.visit(t, "state=abc&code=good-code"), "Signed in")
}
