package state

import (
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetAuthenticated(true))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.True(t, s2.Authenticated())
}

// --- Durable flag ---

func TestAuthenticated_FalseByDefault(t *testing.T) {
	s := testDB(t)
	assert.False(t, s.Authenticated())
}

func TestSetAuthenticated_Toggle(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetAuthenticated(true))
	assert.True(t, s.Authenticated())

	require.NoError(t, s.SetAuthenticated(false))
	assert.False(t, s.Authenticated())

	// Clearing twice is harmless.
	require.NoError(t, s.SetAuthenticated(false))
	assert.False(t, s.Authenticated())
}

// --- OAuth mode hint ---

func TestOAuthMode_DefaultsToSignup(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, OAuthModeSignup, s.OAuthMode())
}

func TestOAuthMode_RoundTripAndClear(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetOAuthMode(OAuthModeLogin))
	assert.Equal(t, OAuthModeLogin, s.OAuthMode())

	require.NoError(t, s.ClearOAuthMode())
	assert.Equal(t, OAuthModeSignup, s.OAuthMode())
}

func TestSetOAuthMode_RejectsUnknown(t *testing.T) {
	s := testDB(t)
	err := s.SetOAuthMode("register")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register")
}

// --- Callback destination ---

func TestTakeCallbackURL_ConsumedOnce(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetCallbackURL("/dashboard/seller/store"))

	got, err := s.TakeCallbackURL()
	require.NoError(t, err)
	assert.Equal(t, "/dashboard/seller/store", got)

	got, err = s.TakeCallbackURL()
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

// --- Exchange records ---

func TestObserveExchange_FirstObservationSticks(t *testing.T) {
	s := testDB(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := s.ObserveExchange("k1", t0)
	require.NoError(t, err)
	assert.True(t, rec.ObservedAt.Equal(t0))
	assert.False(t, rec.Consumed())

	rec, err = s.ObserveExchange("k1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, rec.ObservedAt.Equal(t0), "second observation must not move the window")
}

func TestSaveExchange_Consumed(t *testing.T) {
	s := testDB(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := s.ObserveExchange("k1", t0)
	require.NoError(t, err)

	rec.ConsumedAt = t0.Add(time.Second)
	rec.Phase = "completed"
	require.NoError(t, s.SaveExchange("k1", rec))

	got, err := s.Exchange("k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Consumed())
	assert.Equal(t, "completed", got.Phase)
}

func TestExchange_NilWhenMissing(t *testing.T) {
	s := testDB(t)
	got, err := s.Exchange("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPruneExchanges(t *testing.T) {
	s := testDB(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.ObserveExchange("old", t0)
	require.NoError(t, err)
	_, err = s.ObserveExchange("new", t0.Add(48*time.Hour))
	require.NoError(t, err)

	n, err := s.PruneExchanges(t0.Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old, err := s.Exchange("old")
	require.NoError(t, err)
	assert.Nil(t, old)

	kept, err := s.Exchange("new")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

// --- Cookies ---

func TestSaveCookies_RoundTrip(t *testing.T) {
	s := testDB(t)
	in := []StoredCookie{{Name: "access_token", Value: "a", Path: "/", HttpOnly: true}}
	require.NoError(t, s.SaveCookies("api.example.com", in))

	out, err := s.Cookies("api.example.com")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	require.NoError(t, s.SaveCookies("api.example.com", nil))
	out, err = s.Cookies("api.example.com")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestJar_PersistsAcrossRestore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	u, _ := url.Parse("http://api.example.com/auth/login")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)

	jar1, err := NewJar(s1, slog.Default())
	require.NoError(t, err)
	jar1.SetCookies(u, []*http.Cookie{
		{Name: "access_token", Value: "tok-1", Path: "/"},
		{Name: "refresh_token", Value: "ref-1", Path: "/", MaxAge: 3600},
	})
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	jar2, err := NewJar(s2, slog.Default())
	require.NoError(t, err)
	require.NoError(t, jar2.Restore(u))

	got := map[string]string{}
	for _, c := range jar2.Cookies(u) {
		got[c.Name] = c.Value
	}
	assert.Equal(t, map[string]string{"access_token": "tok-1", "refresh_token": "ref-1"}, got)
}

func TestJar_DeletionCookieRemovesPersistedEntry(t *testing.T) {
	s := testDB(t)
	u, _ := url.Parse("http://api.example.com/")

	jar, err := NewJar(s, slog.Default())
	require.NoError(t, err)

	jar.SetCookies(u, []*http.Cookie{{Name: "access_token", Value: "tok", Path: "/"}})
	jar.SetCookies(u, []*http.Cookie{{Name: "access_token", Value: "", Path: "/", MaxAge: -1}})

	stored, err := s.Cookies(u.Host)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, jar.Cookies(u))
}

func TestJar_Clear(t *testing.T) {
	s := testDB(t)
	u, _ := url.Parse("http://api.example.com/")

	jar, err := NewJar(s, slog.Default())
	require.NoError(t, err)
	jar.SetCookies(u, []*http.Cookie{{Name: "access_token", Value: "tok", Path: "/"}})

	require.NoError(t, jar.Clear(u))
	assert.Empty(t, jar.Cookies(u))

	stored, err := s.Cookies(u.Host)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
