package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/marketplace-session/internal/models"
	"github.com/alexjbarnes/marketplace-session/internal/session"
)

// fakeAPI is a cookie-session marketplace API.
type fakeAPI struct {
	mu      sync.Mutex
	me      int
	logouts int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req models.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"No active account found with the given credentials"}`)

			return
		}

		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: "tok", Path: "/", MaxAge: 3600, HttpOnly: true})
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"user":{"id":"u1","email":"ada@example.com","first_name":"Ada","last_name":"Lovelace","user_type":"BUYER"}}`)
	})

	mux.HandleFunc("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.me++
		f.mu.Unlock()

		if c, err := r.Cookie("access_token"); err != nil || c.Value != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Authentication credentials were not provided."}`)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"u1","email":"ada@example.com","first_name":"Ada","last_name":"Lovelace","user_type":"BUYER"}`)
	})

	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.logouts++
		f.mu.Unlock()

		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: "", Path: "/", MaxAge: -1})
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /auth/oauth/google", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"detail":"invalid_grant"}`)

			return
		}

		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: "tok", Path: "/", MaxAge: 3600, HttpOnly: true})
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"success","user":{"id":"u1","email":"ada@example.com","first_name":"Ada","last_name":"Lovelace","user_type":"BUYER"}}`)
	})

	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("access_token"); err != nil || c.Value != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Token is invalid or expired"}`)

			return
		}

		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: "tok", Path: "/", MaxAge: 3600, HttpOnly: true})
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /users/store", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":1,"name":"Analytical Engines"}]`)
	})

	mux.HandleFunc("GET /users/store/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":`+r.PathValue("id")+`}`)
	})

	mux.HandleFunc("POST /auth/password-reset", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func (f *fakeAPI) meCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.me
}

func setupEnv(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()

	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	t.Setenv("MARKETPLACE_API_URL", srv.URL)
	t.Setenv("STATE_PATH", filepath.Join(t.TempDir(), "state.db"))
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv(passwordEnv, "hunter2")

	return api, srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)

	err := root.ExecuteContext(t.Context())

	return out.String(), err
}

func TestSessionLifecycle(t *testing.T) {
	api, _ := setupEnv(t)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state: anonymous")
	assert.Contains(t, out, "authenticated: false")
	assert.Zero(t, api.meCalls())

	out, err = execute(t, "login", "--email", " ada@example.com ")
	require.NoError(t, err)
	assert.Equal(t, "Signed in as Ada Lovelace <ada@example.com>\n", out)

	// A new process restores the cookie and verifies it.
	out, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state: authenticated")
	assert.Contains(t, out, "email: ada@example.com")
	assert.Contains(t, out, "role: BUYER")
	assert.Contains(t, out, "last_checked_at:")
	assert.Equal(t, 1, api.meCalls())

	out, err = execute(t, "logout")
	require.NoError(t, err)
	assert.Equal(t, "Signed out\n", out)

	out, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state: anonymous")
	assert.Equal(t, 1, api.meCalls())
}

func TestLogin_WrongPassword(t *testing.T) {
	setupEnv(t)
	t.Setenv(passwordEnv, "wrong")

	_, err := execute(t, "login", "--email", "ada@example.com")
	require.EqualError(t, err, "No active account found with the given credentials")

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state: anonymous")
}

func TestLogin_RequiresEmail(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "login")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestAPIURLFlagOverridesEnv(t *testing.T) {
	_, srv := setupEnv(t)
	t.Setenv("MARKETPLACE_API_URL", "http://127.0.0.1:1")

	out, err := execute(t, "--api-url", srv.URL, "login", "--email", "ada@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as")
}

func TestMissingAPIURL(t *testing.T) {
	setupEnv(t)
	t.Setenv("MARKETPLACE_API_URL", "")

	_, err := execute(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MARKETPLACE_API_URL is required")
}

func TestRefresh(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "login", "--email", "ada@example.com")
	require.NoError(t, err)

	out, err := execute(t, "refresh")
	require.NoError(t, err)
	assert.Equal(t, "Credentials refreshed\n", out)

	out, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state: authenticated")
}

func TestRefresh_WithoutSessionFails(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "refresh")
	require.Error(t, err)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state: anonymous")
}

func TestResource(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "resource", "stores")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "Analytical Engines"`)

	out, err = execute(t, "resource", "stores", "7")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": 7`)

	_, err = execute(t, "resource", "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resource")
}

func TestPasswordReset(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "password-reset", "--email", "ada@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "reset link")
}

func TestGoogle_RejectsUnknownMode(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "google", "--mode", "sso")
	require.EqualError(t, err, "--mode must be login or signup")
}

func TestGoogle_RejectsExternalNext(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "google", "--next", "https://evil.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--next")
}

func TestRegister_RejectsUnknownRole(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "register", "--email", "ada@example.com", "--role", "admin")
	require.EqualError(t, err, "--role must be BUYER or SELLER")
}

func TestReadPassword_PipedInput(t *testing.T) {
	t.Setenv(passwordEnv, "")

	cmd := newLoginCmd()
	cmd.SetIn(strings.NewReader("s3cret\nignored\n"))

	got, err := readPassword(cmd, "Password: ")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	cmd.SetIn(strings.NewReader(""))

	_, err = readPassword(cmd, "Password: ")
	require.Error(t, err)
}

func TestPromptRole(t *testing.T) {
	var prompt bytes.Buffer

	role, err := promptRole(strings.NewReader("admin\nseller\n"), &prompt)
	require.NoError(t, err)
	assert.Equal(t, models.RoleSeller, role)
	assert.Equal(t, 2, strings.Count(prompt.String(), "Account type"))

	_, err = promptRole(strings.NewReader("nope"), io.Discard)
	require.ErrorIs(t, err, io.EOF)
}

type fakeActivity struct {
	touches int
	visible []bool
}

func (f *fakeActivity) Touch() { f.touches++ }

func (f *fakeActivity) SetVisible(v bool) { f.visible = append(f.visible, v) }

func TestApplyInput(t *testing.T) {
	act := &fakeActivity{}

	for _, line := range []string{"", "typing", " Hidden ", "visible", "status"} {
		applyInput(act, line)
	}

	assert.Equal(t, 3, act.touches)
	assert.Equal(t, []bool{false, true}, act.visible)
}

func TestDescribeEvent(t *testing.T) {
	tests := []struct {
		ev   session.Event
		want string
	}{
		{session.Event{Kind: session.EventAuthenticated, User: &models.User{Email: "ada@example.com"}}, "session authenticated as ada@example.com"},
		{session.Event{Kind: session.EventCleared}, "session cleared"},
		{session.Event{Kind: session.EventCleared, Reason: errors.New("expired")}, "session cleared: expired"},
		{session.Event{Kind: session.EventRefreshed}, "credentials refreshed"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, describeEvent(tt.ev))
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "unknown user", displayName(nil))
	assert.Equal(t, "u1", displayName(&models.User{ID: "u1"}))
	assert.Equal(t, "Ada", displayName(&models.User{FirstName: "Ada"}))
	assert.Equal(t, "Ada <ada@example.com>", displayName(&models.User{FirstName: "Ada", Email: "ada@example.com"}))
}

func TestNewStatusView(t *testing.T) {
	v := newStatusView(session.Snapshot{State: session.StateUnknown})
	assert.Equal(t, "unknown", v.State)
	assert.Nil(t, v.LastCheckedAt)
	assert.Empty(t, v.Error)
}
