// Package credentials provides access to the signed-in desktop session.
//
// The session is written to the system keyring by the desktop app's sign-in
// flow (macOS Keychain, Windows Credential Manager, Linux Secret Service).
// The agent only reads it, refreshes it when it is about to expire, and clears
// it on logout.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the service name used in the system keyring.
	KeyringService = "penf-capture"
	// KeyringUser is the account name the session is stored under.
	KeyringUser = "session"

	// RefreshLeeway is how close to expiry a token is refreshed.
	RefreshLeeway = 5 * time.Minute
)

var (
	// ErrNoSession is returned when no session is stored.
	ErrNoSession = errors.New("no session stored")
	// ErrInvalidSession is returned when the stored session is malformed.
	ErrInvalidSession = errors.New("invalid session format")
)

// Session is the stored authentication state.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ExpiresWithin reports whether the access token expires within d of now.
// A zero ExpiresAt never expires.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(s.ExpiresAt)
}

// Expired reports whether the access token has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresWithin(now, 0)
}

// Store reads and writes the session in the system keyring.
type Store struct {
	mu      sync.Mutex
	service string
	user    string
}

// NewStore returns a Store using the default keyring entry.
func NewStore() *Store {
	return &Store{service: KeyringService, user: KeyringUser}
}

// Load returns the stored session.
func (s *Store) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := keyring.Get(s.service, s.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("reading keyring: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if sess.AccessToken == "" {
		return nil, ErrInvalidSession
	}
	return &sess, nil
}

// Save stores the session.
func (s *Store) Save(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := keyring.Set(s.service, s.user, string(data)); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	return nil
}

// Clear removes the stored session. Clearing a missing session is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := keyring.Delete(s.service, s.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring entry: %w", err)
	}
	return nil
}
