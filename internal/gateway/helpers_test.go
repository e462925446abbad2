package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testBaseURL = "https://api.example.com"

func newTestGateway(t *testing.T, doer Doer) *Gateway {
	t.Helper()

	g, err := New(doer, Config{
		BaseURL:          testBaseURL,
		TeardownCooldown: 5 * time.Second,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	return g
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// respond returns a DoAndReturn func producing a fresh response per call.
func respond(status int, body string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return jsonResponse(status, body), nil
	}
}

// route matches requests by method and URL path.
type route struct {
	method string
	path   string
}

func (r route) Matches(x any) bool {
	req, ok := x.(*http.Request)
	if !ok {
		return false
	}

	return req.Method == r.method && req.URL.Path == r.path
}

func (r route) String() string { return r.method + " " + r.path }

var _ gomock.Matcher = route{}

// recordingListener counts gateway notifications.
type recordingListener struct {
	mu           sync.Mutex
	unauthorized []error
	refreshed    int
}

func (l *recordingListener) SessionUnauthorized(reason error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.unauthorized = append(l.unauthorized, reason)
}

func (l *recordingListener) CredentialsRefreshed() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refreshed++
}

func (l *recordingListener) counts() (unauthorized, refreshed int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.unauthorized), l.refreshed
}
