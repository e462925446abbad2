// Package monitor revalidates the session after the user has been idle or
// away, throttled so bursts of qualifying events cost one request.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/marketplace-session/internal/session"
)

// Revalidator re-fetches the current user. *session.Store satisfies it.
type Revalidator interface {
	Revalidate(ctx context.Context) error
}

// Flag reports the durable authentication hint. *state.State satisfies
// it.
type Flag interface {
	Authenticated() bool
}

// Config holds the monitor policy.
type Config struct {
	// CheckInterval is the period of the idle check.
	CheckInterval time.Duration
	// Threshold is how long without activity before a check revalidates.
	Threshold time.Duration
	// Throttle is the minimum time between two revalidations.
	Throttle time.Duration
	// HiddenAfter is how long the client must have been hidden for
	// becoming visible to revalidate immediately.
	HiddenAfter time.Duration
}

// Monitor tracks activity and visibility and drives revalidation.
type Monitor struct {
	sess   Revalidator
	flag   Flag
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	lastActivity   time.Time
	lastRevalidate time.Time
	hiddenSince    time.Time
	hidden         bool
	revalidations  int

	kick chan struct{}
}

// New creates a monitor. Activity is considered to have happened now.
func New(sess Revalidator, flag Flag, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		sess:         sess,
		flag:         flag,
		cfg:          cfg,
		logger:       logger,
		lastActivity: time.Now(),
		kick:         make(chan struct{}, 1),
	}
}

// Touch records user activity.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// SetVisible records a visibility change. Becoming visible after being
// hidden longer than HiddenAfter schedules an immediate revalidation.
func (m *Monitor) SetVisible(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.lastActivity = now

	if !visible {
		if !m.hidden {
			m.hidden = true
			m.hiddenSince = now
		}

		return
	}

	if !m.hidden {
		return
	}

	m.hidden = false
	away := now.Sub(m.hiddenSince)

	if away > m.cfg.HiddenAfter {
		m.logger.Debug("visible after long absence", slog.Duration("away", away))

		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
}

// NoteRefreshed restarts the throttle window; a renewed credential means
// the server just accepted the session.
func (m *Monitor) NoteRefreshed() {
	m.mu.Lock()
	m.lastRevalidate = time.Now()
	m.mu.Unlock()
}

// HandleEvent is a session subscriber that feeds credential refreshes
// into the throttle.
func (m *Monitor) HandleEvent(ev session.Event) {
	if ev.Kind == session.EventRefreshed {
		m.NoteRefreshed()
	}
}

// Revalidations returns how many revalidations have been started.
func (m *Monitor) Revalidations() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.revalidations
}

// Run checks for inactivity every CheckInterval until ctx is cancelled.
// Revalidations run on this goroutine, one at a time.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.check(ctx)
		case <-m.kick:
			m.revalidate(ctx, "visible")
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	m.mu.Lock()
	idle := time.Since(m.lastActivity)
	m.mu.Unlock()

	if idle <= m.cfg.Threshold {
		return
	}

	m.revalidate(ctx, "idle")
}

func (m *Monitor) revalidate(ctx context.Context, trigger string) {
	if !m.flag.Authenticated() {
		return
	}

	m.mu.Lock()
	now := time.Now()

	if !m.lastRevalidate.IsZero() && now.Sub(m.lastRevalidate) < m.cfg.Throttle {
		m.mu.Unlock()
		m.logger.Debug("revalidation throttled", slog.String("trigger", trigger))

		return
	}

	m.lastRevalidate = now
	m.revalidations++
	m.mu.Unlock()

	m.logger.Debug("revalidating session", slog.String("trigger", trigger))

	if err := m.sess.Revalidate(ctx); err != nil {
		m.logger.Warn("session revalidation failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}
}
