// Package session owns the client's single view of whether the user is
// signed in. Every other component reads session state from the Store
// and changes it only through the Store's transitions.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/marketplace-session/internal/errors"
	"github.com/alexjbarnes/marketplace-session/internal/gateway"
	"github.com/alexjbarnes/marketplace-session/internal/models"
)

// State is the session state machine position.
type State int

const (
	// StateUnknown is the initial state before hydration.
	StateUnknown State = iota
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	}

	return "unknown"
}

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	State           State
	User            *models.User
	IsAuthenticated bool
	IsLoading       bool

	// LastCheckedAt is the time of the last completed verification or
	// explicit authentication. Zero until one happens.
	LastCheckedAt time.Time

	// Err is the last verification failure that did not change state
	// (typically a network error).
	Err error

	// Generation increases on every state mutation.
	Generation uint64
}

// Persistence is the durable storage the store needs. *state.State
// satisfies it.
type Persistence interface {
	Authenticated() bool
	SetAuthenticated(v bool) error
	SetCallbackURL(dest string) error
}

// Users is the identity API the store calls. *api.Client satisfies it.
type Users interface {
	Login(ctx context.Context, email, password string) (*models.User, error)
	Logout(ctx context.Context) error
	CurrentUser(ctx context.Context) (*models.User, error)
	Register(ctx context.Context, req models.RegisterRequest) (*models.User, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, req models.PasswordResetConfirm) error
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithStaleAfter sets how long a verification stays fresh for Hydrate.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) { s.staleAfter = d }
}

// Store is the sole writer of session state.
type Store struct {
	users      Users
	persist    Persistence
	logger     *slog.Logger
	now        func() time.Time
	staleAfter time.Duration

	mu      sync.Mutex
	snap    Snapshot
	loading int

	events *dispatcher
}

var _ gateway.Listener = (*Store)(nil)

// New creates a store in StateUnknown. Call Close to stop event delivery.
func New(users Users, persist Persistence, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		users:      users,
		persist:    persist,
		logger:     logger,
		now:        time.Now,
		staleAfter: 5 * time.Minute,
		events:     newDispatcher(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Close stops event delivery. Pending events are dropped.
func (s *Store) Close() {
	s.events.close()
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. Events are delivered in order on one goroutine; fn
// must not block for long.
func (s *Store) Subscribe(fn func(Event)) func() {
	return s.events.subscribe(fn)
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap
	if snap.User != nil {
		u := *snap.User
		snap.User = &u
	}

	return snap
}

// Hydrate resolves the session at startup. Without the durable flag the
// session becomes anonymous without a network call. With it, a
// verification younger than the stale window is kept; otherwise the
// current user is fetched.
func (s *Store) Hydrate(ctx context.Context) error {
	if !s.persist.Authenticated() {
		s.mu.Lock()
		if s.snap.State != StateAnonymous {
			s.clearLocked(nil)
		}
		s.mu.Unlock()

		return nil
	}

	s.mu.Lock()
	fresh := s.snap.State == StateAuthenticated &&
		s.snap.User != nil &&
		s.now().Sub(s.snap.LastCheckedAt) < s.staleAfter
	s.mu.Unlock()

	if fresh {
		return nil
	}

	return s.verify(ctx)
}

// Revalidate fetches the current user regardless of freshness. It does
// nothing when the durable flag is not set.
func (s *Store) Revalidate(ctx context.Context) error {
	if !s.persist.Authenticated() {
		return nil
	}

	return s.verify(ctx)
}

// verify fetches the current user and applies the result unless another
// transition happened while the fetch was in flight.
func (s *Store) verify(ctx context.Context) error {
	s.mu.Lock()
	gen := s.snap.Generation
	s.loading++
	s.snap.IsLoading = true
	s.mu.Unlock()

	user, err := s.users.CurrentUser(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.loading--
	s.snap.IsLoading = s.loading > 0

	if gen != s.snap.Generation {
		s.logger.Debug("discarding stale verification",
			slog.Uint64("started", gen),
			slog.Uint64("current", s.snap.Generation),
		)

		if err != nil && !IsSessionRejection(err) {
			return err
		}

		// The gateway's teardown cleared the session before this
		// rejection arrived; it still counts as a completed check.
		if err != nil && s.snap.State == StateAnonymous {
			s.snap.LastCheckedAt = s.now()
		}

		return nil
	}

	switch {
	case err == nil:
		s.authenticateLocked(user, false)
		return nil
	case IsSessionRejection(err):
		s.clearLocked(err)
		s.snap.LastCheckedAt = s.now()

		return nil
	default:
		s.snap.Err = err
		s.logger.Warn("session verification failed", slog.String("error", err.Error()))

		return err
	}
}

// SetAuthenticated records an explicit sign-in.
func (s *Store) SetAuthenticated(user *models.User) {
	if user == nil {
		user = &models.User{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authenticateLocked(user, true)
}

// Clear tears the session down. Clearing an anonymous session is a no-op.
// In-flight requests are left to fail on their own.
func (s *Store) Clear(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked(reason)
}

func (s *Store) authenticateLocked(user *models.User, explicit bool) {
	was := s.snap.State

	s.snap.State = StateAuthenticated
	s.snap.User = user
	s.snap.IsAuthenticated = true
	s.snap.LastCheckedAt = s.now()
	s.snap.Err = nil
	s.snap.Generation++

	if err := s.persist.SetAuthenticated(true); err != nil {
		s.logger.Warn("persisting auth flag", slog.String("error", err.Error()))
	}

	if explicit || was != StateAuthenticated {
		s.logger.Info("session authenticated", slog.String("user_id", user.ID))
		s.events.emit(Event{Kind: EventAuthenticated, User: user})
	}
}

func (s *Store) clearLocked(reason error) {
	if s.persist.Authenticated() {
		if err := s.persist.SetAuthenticated(false); err != nil {
			s.logger.Warn("clearing auth flag", slog.String("error", err.Error()))
		}
	}

	if s.snap.State == StateAnonymous {
		return
	}

	was := s.snap.State

	s.snap.State = StateAnonymous
	s.snap.User = nil
	s.snap.IsAuthenticated = false
	s.snap.Err = nil
	s.snap.Generation++

	if was != StateAuthenticated {
		s.logger.Debug("session anonymous")
		return
	}

	attrs := []any{}
	if reason != nil {
		attrs = append(attrs, slog.String("reason", reason.Error()))
	}

	s.logger.Info("session cleared", attrs...)
	s.events.emit(Event{Kind: EventCleared, Reason: reason})
}

// SessionUnauthorized implements gateway.Listener.
func (s *Store) SessionUnauthorized(reason error) {
	s.Clear(reason)
}

// CredentialsRefreshed implements gateway.Listener.
func (s *Store) CredentialsRefreshed() {
	s.events.emit(Event{Kind: EventRefreshed})
}

// IsSessionRejection reports whether err is the server saying the session
// is not (or no longer) valid, as opposed to a transport or request error.
func IsSessionRejection(err error) bool {
	return errors.Is(err, apperrors.ErrUnauthenticated) ||
		errors.Is(err, apperrors.ErrAuthEndpointRejected) ||
		errors.Is(err, apperrors.ErrSessionExpired)
}
