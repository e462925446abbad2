// Package oauth completes the identity-provider sign-in round trip: it
// exchanges each (state, code) pair exactly once and decides whether the
// new session still needs a role.
package oauth

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	apperrors "github.com/alexjbarnes/marketplace-session/internal/errors"
	"github.com/alexjbarnes/marketplace-session/internal/models"
	"github.com/alexjbarnes/marketplace-session/internal/state"
)

// exchangeRetention is how long exchange records are kept before Begin
// prunes them.
const exchangeRetention = 24 * time.Hour

// Phase is the completion state machine position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseExchanging
	PhaseCompleted
	PhaseRoleSelectionPending
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseExchanging:
		return "exchanging"
	case PhaseCompleted:
		return "completed"
	case PhaseRoleSelectionPending:
		return "role_selection_pending"
	case PhaseFailed:
		return "failed"
	}

	return "idle"
}

func parsePhase(s string) Phase {
	for _, p := range []Phase{PhaseExchanging, PhaseCompleted, PhaseRoleSelectionPending, PhaseFailed} {
		if p.String() == s {
			return p
		}
	}

	return PhaseIdle
}

// Settled reports whether the phase ends the callback handling, either
// terminally or by waiting on the user to pick a role.
func (p Phase) Settled() bool {
	return p == PhaseCompleted || p == PhaseRoleSelectionPending || p == PhaseFailed
}

// Callback is the pair delivered on the redirect back from the provider.
// Error carries the provider's error code when it refused the sign-in.
type Callback struct {
	State string
	Code  string
	Error string
}

// ParseCallback reads the redirect query parameters. A parameter given
// more than once is treated as missing.
func ParseCallback(q url.Values) Callback {
	single := func(key string) string {
		if v := q[key]; len(v) == 1 {
			return v[0]
		}

		return ""
	}

	return Callback{State: single("state"), Code: single("code"), Error: q.Get("error")}
}

func (c Callback) valid() bool {
	return c.State != "" && c.Code != "" && c.Error == ""
}

// rejection is the failure reported for a callback that cannot be
// exchanged.
func (c Callback) rejection() error {
	if c.Error != "" {
		return fmt.Errorf("%w: %s", apperrors.ErrProviderDenied, c.Error)
	}

	return apperrors.ErrMissingExchangeParams
}

// key derives the persisted record key. The code itself is never stored.
func (c Callback) key() string {
	h, _ := blake2b.New256(nil)

	for _, s := range []string{c.State, c.Code} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Location is where the callback parameters are visible (a browser URL,
// a request being served). StripQuery removes them so a reload cannot
// resubmit the code.
type Location interface {
	StripQuery()
}

// LocationFunc adapts a function to Location.
type LocationFunc func()

// StripQuery implements Location.
func (f LocationFunc) StripQuery() { f() }

// Outcome is the result of one completion or role submission.
type Outcome struct {
	Phase    Phase
	User     *models.User
	Redirect string
	Err      error

	// Duplicate is set when the pair had already been exchanged and this
	// outcome was served without a network call.
	Duplicate bool
}

// Exchanger is the identity API the flow calls. *api.Client satisfies it.
type Exchanger interface {
	AuthorizationURL(ctx context.Context) (string, error)
	ExchangeCode(ctx context.Context, state, code string) (*models.OAuthResult, error)
	UpdateCurrentUser(ctx context.Context, update models.UserUpdate) (*models.User, error)
}

// Sessions receives the authenticated user. *session.Store satisfies it.
type Sessions interface {
	SetAuthenticated(user *models.User)
}

// Store is the durable exchange context. *state.State satisfies it.
type Store interface {
	Exchange(key string) (*state.ExchangeRecord, error)
	ObserveExchange(key string, now time.Time) (state.ExchangeRecord, error)
	SaveExchange(key string, rec state.ExchangeRecord) error
	PruneExchanges(cutoff time.Time) (int, error)
	TakeCallbackURL() (string, error)
	OAuthMode() string
	SetOAuthMode(mode string) error
	ClearOAuthMode() error
}

// Config holds flow policy.
type Config struct {
	// CodeTTL is how long after first observation a code may be
	// exchanged.
	CodeTTL time.Duration

	// DefaultLanding is the redirect after sign-in when no callback
	// destination was recorded.
	DefaultLanding string

	// Navigate, when set, is called with every redirect target.
	Navigate func(dest string)

	// Now overrides time.Now.
	Now func() time.Time
}

type attempt struct {
	key     string
	done    chan struct{}
	settled bool
	outcome Outcome
}

// Flow runs the completion state machine.
type Flow struct {
	api      Exchanger
	sessions Sessions
	store    Store
	cfg      Config
	logger   *slog.Logger

	mu         sync.Mutex
	attempts   map[string]*attempt
	current    *attempt
	submitting bool
}

// NewFlow creates a flow.
func NewFlow(api Exchanger, sessions Sessions, store Store, cfg Config, logger *slog.Logger) *Flow {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.DefaultLanding == "" {
		cfg.DefaultLanding = "/dashboard"
	}

	return &Flow{
		api:      api,
		sessions: sessions,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		attempts: make(map[string]*attempt),
	}
}

// Begin records whether this round trip is a login or a signup and
// returns the provider's authorization URL.
func (f *Flow) Begin(ctx context.Context, mode string) (string, error) {
	if err := f.store.SetOAuthMode(mode); err != nil {
		return "", err
	}

	if n, err := f.store.PruneExchanges(f.cfg.Now().Add(-exchangeRetention)); err != nil {
		f.logger.Warn("pruning exchange records", slog.String("error", err.Error()))
	} else if n > 0 {
		f.logger.Debug("pruned exchange records", slog.Int("count", n))
	}

	authURL, err := f.api.AuthorizationURL(ctx)
	if err != nil {
		return "", err
	}

	f.logger.Info("oauth started", slog.String("mode", mode))

	return authURL, nil
}

// Observe records the first sighting of cb, starting its validity window,
// without exchanging it. A pair seen before keeps its original window.
func (f *Flow) Observe(cb Callback) error {
	if !cb.valid() {
		return cb.rejection()
	}

	key := cb.key()

	rec, err := f.store.Exchange(key)
	if err != nil {
		return fmt.Errorf("reading exchange: %w", err)
	}

	if rec != nil {
		if rec.Consumed() {
			f.logger.Debug("oauth callback seen again", slog.String("phase", rec.Phase))
		}

		return nil
	}

	if _, err := f.store.ObserveExchange(key, f.cfg.Now()); err != nil {
		return fmt.Errorf("recording exchange: %w", err)
	}

	return nil
}

// Current returns the outcome of the most recent completion attempt.
func (f *Flow) Current() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.current == nil:
		return Outcome{Phase: PhaseIdle}
	case !f.current.settled:
		return Outcome{Phase: PhaseExchanging}
	}

	return f.current.outcome
}

// Complete consumes cb. The pair is exchanged at most once: repeat calls,
// concurrent or later and in this process or another sharing the state
// database, get the first outcome with Duplicate set. loc is stripped
// after the first attempt whatever its result. The returned error is
// Outcome.Err.
func (f *Flow) Complete(ctx context.Context, loc Location, cb Callback) (Outcome, error) {
	if !cb.valid() {
		strip(loc)

		f.mu.Lock()

		// A reload after stripping arrives without parameters.
		if f.current != nil {
			f.mu.Unlock()

			out := f.Current()

			return out, out.Err
		}

		out := Outcome{Phase: PhaseFailed, Err: cb.rejection()}
		a := &attempt{done: make(chan struct{}), settled: true, outcome: out}
		close(a.done)
		f.current = a
		f.mu.Unlock()

		f.clearMode()
		f.logger.Info("oauth callback rejected", slog.String("error", out.Err.Error()))

		return out, out.Err
	}

	key := cb.key()

	f.mu.Lock()
	if a, ok := f.attempts[key]; ok {
		f.mu.Unlock()
		strip(loc)

		select {
		case <-a.done:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}

		f.mu.Lock()
		out := a.outcome
		f.mu.Unlock()

		out.Duplicate = true
		f.logger.Debug("duplicate oauth callback ignored", slog.String("phase", out.Phase.String()))

		return out, out.Err
	}

	a := &attempt{key: key, done: make(chan struct{})}
	f.attempts[key] = a
	f.current = a
	f.mu.Unlock()

	out := f.exchange(ctx, key, cb)
	strip(loc)

	f.mu.Lock()
	a.outcome = out
	a.settled = true
	close(a.done)
	f.mu.Unlock()

	if out.Redirect != "" {
		f.navigate(out.Redirect)
	}

	return out, out.Err
}

func (f *Flow) exchange(ctx context.Context, key string, cb Callback) Outcome {
	now := f.cfg.Now()

	rec, err := f.store.ObserveExchange(key, now)
	if err != nil {
		return Outcome{Phase: PhaseFailed, Err: fmt.Errorf("recording exchange: %w", err)}
	}

	if rec.Consumed() {
		return f.replayed(rec)
	}

	rec.ConsumedAt = now

	if age := now.Sub(rec.ObservedAt); age > f.cfg.CodeTTL {
		f.logger.Info("authorization code expired", slog.Duration("age", age))
		return f.fail(key, rec, apperrors.ErrExpiredExchange)
	}

	// Consumed before the network call so a crash mid-exchange can never
	// lead to a second attempt.
	rec.Phase = PhaseExchanging.String()
	if err := f.store.SaveExchange(key, rec); err != nil {
		return Outcome{Phase: PhaseFailed, Err: fmt.Errorf("recording exchange: %w", err)}
	}

	mode := f.store.OAuthMode()
	f.logger.Info("exchanging authorization code", slog.String("mode", mode))

	res, err := f.api.ExchangeCode(ctx, cb.State, cb.Code)
	if err != nil {
		return f.fail(key, rec, err)
	}

	if !res.RoleAssigned {
		rec.Phase = PhaseRoleSelectionPending.String()
		f.save(key, rec)

		f.logger.Info("oauth account needs a role", slog.String("user_id", res.User.ID))

		return Outcome{Phase: PhaseRoleSelectionPending, User: res.User}
	}

	f.sessions.SetAuthenticated(res.User)

	dest, err := f.store.TakeCallbackURL()
	if err != nil {
		f.logger.Warn("reading callback destination", slog.String("error", err.Error()))
	}

	if dest == "" {
		dest = f.cfg.DefaultLanding
	}

	f.clearMode()

	rec.Phase = PhaseCompleted.String()
	f.save(key, rec)

	return Outcome{Phase: PhaseCompleted, User: res.User, Redirect: dest}
}

// replayed resolves a pair another process already consumed.
func (f *Flow) replayed(rec state.ExchangeRecord) Outcome {
	out := Outcome{Phase: parsePhase(rec.Phase), Duplicate: true}

	switch out.Phase {
	case PhaseCompleted:
		out.Redirect = f.cfg.DefaultLanding
	case PhaseRoleSelectionPending:
	default:
		out.Phase = PhaseFailed
		out.Err = apperrors.ErrDuplicateExchange
	}

	f.logger.Info("authorization code already consumed", slog.String("phase", rec.Phase))

	return out
}

// fail records a failed exchange. The observation time is cleared so the
// pair can never look fresh again.
func (f *Flow) fail(key string, rec state.ExchangeRecord, err error) Outcome {
	rec.Phase = PhaseFailed.String()
	rec.Reason = err.Error()
	rec.ObservedAt = time.Time{}
	f.save(key, rec)
	f.clearMode()

	f.logger.Info("oauth exchange failed", slog.String("error", err.Error()))

	return Outcome{Phase: PhaseFailed, Err: err}
}

// SubmitRole assigns role to the account of a pending completion. On
// failure the flow stays pending so the user can try again; a second
// submission while one is in flight is rejected.
func (f *Flow) SubmitRole(ctx context.Context, role models.Role) (Outcome, error) {
	f.mu.Lock()

	a := f.current
	if a == nil || !a.settled || a.outcome.Phase != PhaseRoleSelectionPending {
		f.mu.Unlock()
		return Outcome{}, apperrors.ErrRoleSelectionUnavailable
	}

	if f.submitting {
		f.mu.Unlock()
		return Outcome{}, apperrors.ErrSubmissionInFlight
	}

	f.submitting = true
	pending := a.outcome
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.submitting = false
		f.mu.Unlock()
	}()

	parsed, ok := models.ParseRole(string(role))
	if !ok {
		pending.Err = fmt.Errorf("unknown role %q", role)
		return pending, pending.Err
	}

	user, err := f.api.UpdateCurrentUser(ctx, models.UserUpdate{Role: &parsed})
	if err != nil {
		f.logger.Info("role submission failed", slog.String("error", err.Error()))

		pending.Err = err

		return pending, err
	}

	if user.Role == "" {
		user.Role = parsed
	}

	f.sessions.SetAuthenticated(user)
	f.clearMode()

	out := Outcome{Phase: PhaseCompleted, User: user, Redirect: parsed.DashboardPath()}

	f.mu.Lock()
	a.outcome = out
	f.mu.Unlock()

	if rec, err := f.store.ObserveExchange(a.key, f.cfg.Now()); err == nil {
		rec.Phase = PhaseCompleted.String()
		f.save(a.key, rec)
	}

	f.logger.Info("role assigned", slog.String("role", string(parsed)))
	f.navigate(out.Redirect)

	return out, nil
}

func (f *Flow) save(key string, rec state.ExchangeRecord) {
	if err := f.store.SaveExchange(key, rec); err != nil {
		f.logger.Warn("saving exchange record", slog.String("error", err.Error()))
	}
}

func (f *Flow) clearMode() {
	mode := f.store.OAuthMode()
	if err := f.store.ClearOAuthMode(); err != nil {
		f.logger.Warn("clearing oauth mode", slog.String("error", err.Error()))
		return
	}

	f.logger.Debug("oauth mode consumed", slog.String("mode", mode))
}

func (f *Flow) navigate(dest string) {
	if f.cfg.Navigate != nil {
		f.cfg.Navigate(dest)
	}
}

func strip(loc Location) {
	if loc != nil {
		loc.StripQuery()
	}
}
