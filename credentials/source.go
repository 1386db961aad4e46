package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// TokenSource supplies the bearer token for backend calls.
// An empty token with a nil error means "not signed in"; callers skip the call.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// RefreshConfig describes the token endpoint used to renew a session.
type RefreshConfig struct {
	TokenURL string
	ClientID string
}

// KeyringSource reads the session from the keyring and refreshes it through
// the OAuth2 refresh_token grant when it is about to expire.
type KeyringSource struct {
	store   *Store
	oauth   *oauth2.Config
	now     func() time.Time
	refresh sync.Mutex
}

// NewKeyringSource creates a KeyringSource. Refresh is disabled when cfg.TokenURL is empty.
func NewKeyringSource(store *Store, cfg RefreshConfig) *KeyringSource {
	ks := &KeyringSource{store: store, now: time.Now}
	if cfg.TokenURL != "" {
		ks.oauth = &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
	}
	return ks
}

// AccessToken returns a valid access token, or "" when there is no usable session.
func (k *KeyringSource) AccessToken(ctx context.Context) (string, error) {
	sess, err := k.store.Load()
	if err != nil {
		if errors.Is(err, ErrNoSession) || errors.Is(err, ErrInvalidSession) {
			return "", nil
		}
		return "", err
	}

	now := k.now()
	if !sess.ExpiresWithin(now, RefreshLeeway) {
		return sess.AccessToken, nil
	}

	if k.oauth != nil && sess.RefreshToken != "" {
		refreshed, err := k.refreshSession(ctx, sess)
		if err == nil {
			return refreshed.AccessToken, nil
		}
		if sess.Expired(now) {
			return "", fmt.Errorf("refreshing session: %w", err)
		}
		// Still valid for a few minutes; use it and retry the refresh next call.
		return sess.AccessToken, nil
	}

	if sess.Expired(now) {
		return "", nil
	}
	return sess.AccessToken, nil
}

func (k *KeyringSource) refreshSession(ctx context.Context, sess *Session) (*Session, error) {
	k.refresh.Lock()
	defer k.refresh.Unlock()

	// Another caller may have refreshed while we waited.
	if current, err := k.store.Load(); err == nil && !current.ExpiresWithin(k.now(), RefreshLeeway) {
		return current, nil
	}

	// oauth2 only refreshes tokens it considers expired.
	stale := &oauth2.Token{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		Expiry:       k.now().Add(-time.Minute),
	}
	tok, err := k.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, err
	}

	next := &Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = sess.RefreshToken
	}
	if err := k.store.Save(next); err != nil {
		return nil, err
	}
	return next, nil
}

// EnvSource returns the token from an environment variable, for CI and scripted use.
type EnvSource struct {
	Var string
}

func (e EnvSource) AccessToken(context.Context) (string, error) {
	return os.Getenv(e.Var), nil
}

// Chain tries each source in order and returns the first non-empty token.
type Chain []TokenSource

func (c Chain) AccessToken(ctx context.Context) (string, error) {
	var firstErr error
	for _, src := range c {
		tok, err := src.AccessToken(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if tok != "" {
			return tok, nil
		}
	}
	return "", firstErr
}

// StaticSource always returns the same token.
type StaticSource string

func (s StaticSource) AccessToken(context.Context) (string, error) {
	return string(s), nil
}
