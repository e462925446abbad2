package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"MARKETPLACE_API_URL",
		"STATE_PATH",
		"ENVIRONMENT",
		"LOG_LEVEL",
		"HTTP_TIMEOUT",
		"OAUTH_REDIRECT_URI",
		"OAUTH_CODE_TTL",
		"AUTH_TEARDOWN_COOLDOWN",
		"SESSION_STALE_AFTER",
		"INACTIVITY_CHECK_INTERVAL",
		"INACTIVITY_THRESHOLD",
		"REVALIDATE_THROTTLE",
		"HIDDEN_REVALIDATE_AFTER",
		"DEFAULT_LANDING_PATH",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func setMinimalEnv(t *testing.T) string {
	t.Helper()

	statePath := filepath.Join(t.TempDir(), "state.db")
	t.Setenv("MARKETPLACE_API_URL", "https://api.example.com/")
	t.Setenv("STATE_PATH", statePath)

	return statePath
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	statePath := setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/", cfg.APIBaseURL)
	assert.Equal(t, statePath, cfg.StatePath)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "http://localhost:3000/auth/google", cfg.OAuthRedirectURI)
	assert.Equal(t, 5*time.Minute, cfg.OAuthCodeTTL)
	assert.Equal(t, 5*time.Second, cfg.TeardownCooldown)
	assert.Equal(t, 5*time.Minute, cfg.SessionStaleAfter)
	assert.Equal(t, 5*time.Minute, cfg.InactivityCheckInterval)
	assert.Equal(t, 10*time.Minute, cfg.InactivityThreshold)
	assert.Equal(t, 10*time.Minute, cfg.RevalidateThrottle)
	assert.Equal(t, 30*time.Minute, cfg.HiddenRevalidateAfter)
	assert.Equal(t, "/dashboard", cfg.DefaultLandingPath)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingAPIURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STATE_PATH", filepath.Join(t.TempDir(), "state.db"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MARKETPLACE_API_URL")
}

func TestLoad_RelativeAPIURL(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("MARKETPLACE_API_URL", "/api")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http or https")
}

func TestLoad_NonPositiveDuration(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("OAUTH_CODE_TTL", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH_CODE_TTL")
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("REVALIDATE_THROTTLE", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad_CustomPolicy(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("INACTIVITY_THRESHOLD", "20m")
	t.Setenv("DEFAULT_LANDING_PATH", "/home")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 20*time.Minute, cfg.InactivityThreshold)
	assert.Equal(t, "/home", cfg.DefaultLandingPath)
}

func TestLoad_ProductionRequiresHTTPS(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		url     string
		wantErr bool
	}{
		{"production remote http", "production", "http://api.example.com", true},
		{"production remote https", "production", "https://api.example.com", false},
		{"production loopback ip", "production", "http://127.0.0.1:8000", false},
		{"production localhost", "production", "http://localhost:8000", false},
		{"development remote http", "development", "http://api.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setMinimalEnv(t)
			t.Setenv("ENVIRONMENT", tt.env)
			t.Setenv("MARKETPLACE_API_URL", tt.url)

			_, err := Load()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "https in production")

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestLoad_LandingPathMustBeAbsolute(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("DEFAULT_LANDING_PATH", "dashboard")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_LANDING_PATH")
}

func TestLoad_DefaultStatePath(t *testing.T) {
	clearConfigEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("MARKETPLACE_API_URL", "http://localhost:8000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".marketplace-session", "state.db"), cfg.StatePath)
}

func TestLoad_RedirectURIMustBeAbsolute(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("OAUTH_REDIRECT_URI", "/auth/google")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH_REDIRECT_URI")
}
