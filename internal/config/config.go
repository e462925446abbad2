package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the session client.
type Config struct {
	// Base URL of the marketplace REST API (required).
	APIBaseURL string `env:"MARKETPLACE_API_URL"`

	// Path of the bbolt database holding the durable flag, OAuth hints
	// and cookies. Defaults to ~/.marketplace-session/state.db.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// OAuth redirect target. The CLI serves the loopback callback on
	// this address.
	OAuthRedirectURI string        `env:"OAUTH_REDIRECT_URI" envDefault:"http://localhost:3000/auth/google"`
	OAuthCodeTTL     time.Duration `env:"OAUTH_CODE_TTL" envDefault:"5m"`

	// Suppresses duplicate teardown signals from simultaneous 401s.
	TeardownCooldown time.Duration `env:"AUTH_TEARDOWN_COOLDOWN" envDefault:"5s"`

	// Hydrate skips the network when the last verification is younger.
	SessionStaleAfter time.Duration `env:"SESSION_STALE_AFTER" envDefault:"5m"`

	// Inactivity monitor policy.
	InactivityCheckInterval time.Duration `env:"INACTIVITY_CHECK_INTERVAL" envDefault:"5m"`
	InactivityThreshold     time.Duration `env:"INACTIVITY_THRESHOLD" envDefault:"10m"`
	RevalidateThrottle      time.Duration `env:"REVALIDATE_THROTTLE" envDefault:"10m"`
	HiddenRevalidateAfter   time.Duration `env:"HIDDEN_REVALIDATE_AFTER" envDefault:"30m"`

	DefaultLandingPath string `env:"DEFAULT_LANDING_PATH" envDefault:"/dashboard"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file may carry an account password.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("MARKETPLACE_API_URL is required")
	}

	if err := checkAbsoluteURL("MARKETPLACE_API_URL", c.APIBaseURL); err != nil {
		return err
	}

	if c.IsProduction() && plaintextRemote(c.APIBaseURL) {
		return fmt.Errorf("MARKETPLACE_API_URL must use https in production unless it is a loopback address")
	}

	if err := checkAbsoluteURL("OAUTH_REDIRECT_URI", c.OAuthRedirectURI); err != nil {
		return err
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"HTTP_TIMEOUT", c.HTTPTimeout},
		{"OAUTH_CODE_TTL", c.OAuthCodeTTL},
		{"AUTH_TEARDOWN_COOLDOWN", c.TeardownCooldown},
		{"SESSION_STALE_AFTER", c.SessionStaleAfter},
		{"INACTIVITY_CHECK_INTERVAL", c.InactivityCheckInterval},
		{"INACTIVITY_THRESHOLD", c.InactivityThreshold},
		{"REVALIDATE_THROTTLE", c.RevalidateThrottle},
		{"HIDDEN_REVALIDATE_AFTER", c.HiddenRevalidateAfter},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}

	if !strings.HasPrefix(c.DefaultLandingPath, "/") {
		return fmt.Errorf("DEFAULT_LANDING_PATH must start with '/'")
	}

	return nil
}

func checkAbsoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}

	return nil
}

// plaintextRemote reports whether raw is an http URL for a host other than
// this machine. Session cookies would cross the network unencrypted.
func plaintextRemote(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" {
		return false
	}

	host := u.Hostname()
	if host == "localhost" {
		return false
	}

	ip := net.ParseIP(host)

	return ip == nil || !ip.IsLoopback()
}

// DefaultStatePath returns ~/.marketplace-session/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".marketplace-session", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
