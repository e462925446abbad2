package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// The database holds session cookies.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	exchangesBucket = []byte("oauth_exchanges")
	cookiesBucket   = []byte("cookies")

	authFlagKey    = []byte("isAuthenticated")
	oauthModeKey   = []byte("googleAuthMode")
	callbackURLKey = []byte("callbackUrl")
)

// OAuth mode hints recorded before redirecting to the identity provider.
const (
	OAuthModeLogin  = "login"
	OAuthModeSignup = "signup"
)

// ExchangeRecord is the persisted context of one authorization-code
// exchange, keyed by a digest of the (state, code) pair.
// ObservedAt is cleared once the exchange fails so a stale code never
// looks fresh again; ConsumedAt stays set for the life of the record.
type ExchangeRecord struct {
	ObservedAt time.Time `json:"observed_at"`
	ConsumedAt time.Time `json:"consumed_at"`
	Phase      string    `json:"phase,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Consumed reports whether an exchange attempt was already made.
func (r ExchangeRecord) Consumed() bool {
	return !r.ConsumedAt.IsZero()
}

// State wraps a bbolt database for all persistent client state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Buckets are created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, exchangesBucket, cookiesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) getApp(key []byte) string {
	var v string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(appBucket).Get(key); b != nil {
			v = string(b)
		}

		return nil
	})

	return v
}

func (s *State) putApp(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if value == "" {
			return b.Delete(key)
		}

		return b.Put(key, []byte(value))
	})
}

// takeApp reads and deletes a key in one transaction.
func (s *State) takeApp(key []byte) (string, error) {
	var v string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if raw := b.Get(key); raw != nil {
			v = string(raw)
		}

		return b.Delete(key)
	})

	return v, err
}

// Authenticated returns the durable "believed authenticated" hint.
// It is never proof of a valid session.
func (s *State) Authenticated() bool {
	return s.getApp(authFlagKey) == "true"
}

// SetAuthenticated persists or clears the durable flag.
func (s *State) SetAuthenticated(v bool) error {
	if v {
		return s.putApp(authFlagKey, "true")
	}

	return s.putApp(authFlagKey, "")
}

// SetOAuthMode records whether the pending identity-provider round trip
// is a login or a signup.
func (s *State) SetOAuthMode(mode string) error {
	if mode != OAuthModeLogin && mode != OAuthModeSignup {
		return fmt.Errorf("unknown oauth mode %q", mode)
	}

	return s.putApp(oauthModeKey, mode)
}

// OAuthMode returns the recorded mode hint, defaulting to signup.
func (s *State) OAuthMode() string {
	if mode := s.getApp(oauthModeKey); mode != "" {
		return mode
	}

	return OAuthModeSignup
}

// ClearOAuthMode removes the mode hint.
func (s *State) ClearOAuthMode() error {
	return s.putApp(oauthModeKey, "")
}

// SetCallbackURL records where to send the user after the next
// successful authentication.
func (s *State) SetCallbackURL(dest string) error {
	return s.putApp(callbackURLKey, dest)
}

// TakeCallbackURL returns the recorded destination and deletes it, so it
// is used at most once.
func (s *State) TakeCallbackURL() (string, error) {
	return s.takeApp(callbackURLKey)
}

// ObserveExchange returns the record for key, creating it with
// ObservedAt = now on first sight. A consumed record whose ObservedAt
// was cleared is returned unchanged.
func (s *State) ObserveExchange(key string, now time.Time) (ExchangeRecord, error) {
	var rec ExchangeRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(exchangesBucket)

		if raw := b.Get([]byte(key)); raw != nil {
			return json.Unmarshal(raw, &rec)
		}

		rec = ExchangeRecord{ObservedAt: now}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(key), data)
	})

	return rec, err
}

// Exchange returns the record for key, or nil if none exists.
func (s *State) Exchange(key string) (*ExchangeRecord, error) {
	var rec *ExchangeRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(exchangesBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}

		rec = &ExchangeRecord{}

		return json.Unmarshal(raw, rec)
	})

	return rec, err
}

// SaveExchange overwrites the record for key.
func (s *State) SaveExchange(key string, rec ExchangeRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(exchangesBucket).Put([]byte(key), data)
	})
}

// PruneExchanges deletes records first seen or consumed before cutoff.
// It returns the number of records removed.
func (s *State) PruneExchanges(cutoff time.Time) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(exchangesBucket)

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var rec ExchangeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}

			ref := rec.ConsumedAt
			if ref.IsZero() {
				ref = rec.ObservedAt
			}

			if ref.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(stale)

		return nil
	})

	return removed, err
}
