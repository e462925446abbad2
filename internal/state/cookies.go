package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/net/publicsuffix"
)

// StoredCookie is the on-disk form of a cookie set by the API.
type StoredCookie struct {
	Name     string        `json:"name"`
	Value    string        `json:"value"`
	Path     string        `json:"path,omitempty"`
	Domain   string        `json:"domain,omitempty"`
	Expires  time.Time     `json:"expires,omitempty"`
	Secure   bool          `json:"secure,omitempty"`
	HttpOnly bool          `json:"http_only,omitempty"`
	SameSite http.SameSite `json:"same_site,omitempty"`
}

func (c StoredCookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

func (c StoredCookie) httpCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  c.Expires,
		Secure:   c.Secure,
		HttpOnly: c.HttpOnly,
		SameSite: c.SameSite,
	}
}

// Cookies returns the persisted cookies for host.
func (s *State) Cookies(host string) ([]StoredCookie, error) {
	var cookies []StoredCookie

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(cookiesBucket).Get([]byte(host))
		if raw == nil {
			return nil
		}

		return json.Unmarshal(raw, &cookies)
	})

	return cookies, err
}

// SaveCookies replaces the persisted cookies for host. An empty slice
// removes the entry.
func (s *State) SaveCookies(host string, cookies []StoredCookie) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cookiesBucket)
		if len(cookies) == 0 {
			return b.Delete([]byte(host))
		}

		data, err := json.Marshal(cookies)
		if err != nil {
			return err
		}

		return b.Put([]byte(host), data)
	})
}

// Jar is an http.CookieJar that mirrors every cookie the API sets into
// the state database, so credentials survive process restarts the way
// browser cookies survive a page reload.
type Jar struct {
	mu     sync.Mutex
	inner  *cookiejar.Jar
	state  *State
	logger *slog.Logger
}

// NewJar creates a jar backed by s. Call Restore before the first request.
func NewJar(s *State, logger *slog.Logger) (*Jar, error) {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &Jar{inner: inner, state: s, logger: logger}, nil
}

// Restore loads unexpired persisted cookies for u's host into the jar.
func (j *Jar) Restore(u *url.URL) error {
	stored, err := j.state.Cookies(u.Host)
	if err != nil {
		return fmt.Errorf("reading cookies: %w", err)
	}

	now := time.Now()

	var live []*http.Cookie

	for _, c := range stored {
		if !c.expired(now) {
			live = append(live, c.httpCookie())
		}
	}

	if len(live) > 0 {
		j.mu.Lock()
		j.inner.SetCookies(u, live)
		j.mu.Unlock()
	}

	j.logger.Debug("restored cookies", slog.String("host", u.Host), slog.Int("count", len(live)))

	return nil
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	inner := j.inner
	j.mu.Unlock()

	return inner.Cookies(u)
}

// SetCookies implements http.CookieJar. Persistence failures are logged;
// the in-memory jar is always updated.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.inner.SetCookies(u, cookies)

	stored, err := j.state.Cookies(u.Host)
	if err != nil {
		j.logger.Warn("reading persisted cookies", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	byName := make(map[string]StoredCookie, len(stored))
	order := make([]string, 0, len(stored))

	for _, c := range stored {
		if c.expired(now) {
			continue
		}

		byName[c.Name] = c
		order = append(order, c.Name)
	}

	for _, c := range cookies {
		sc := StoredCookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: c.SameSite,
		}
		if c.MaxAge > 0 {
			sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}

		if _, seen := byName[c.Name]; !seen {
			order = append(order, c.Name)
		}

		if c.MaxAge < 0 || sc.expired(now) {
			delete(byName, c.Name)
			continue
		}

		byName[c.Name] = sc
	}

	out := make([]StoredCookie, 0, len(byName))

	for _, name := range order {
		if c, ok := byName[name]; ok {
			out = append(out, c)
			delete(byName, name)
		}
	}

	if err := j.state.SaveCookies(u.Host, out); err != nil {
		j.logger.Warn("persisting cookies", slog.String("error", err.Error()))
	}
}

// Clear drops every in-memory cookie and the persisted cookies for u's host.
func (j *Jar) Clear(u *url.URL) error {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("creating cookie jar: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.inner = inner

	return j.state.SaveCookies(u.Host, nil)
}
