package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestStore_SaveLoadClear(t *testing.T) {
	keyring.MockInit()
	store := NewStore()

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoSession)

	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(&Session{AccessToken: "at", RefreshToken: "rt", ExpiresAt: expires}))

	sess, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "at", sess.AccessToken)
	assert.Equal(t, "rt", sess.RefreshToken)
	assert.True(t, expires.Equal(sess.ExpiresAt))

	require.NoError(t, store.Clear())
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.NoError(t, store.Clear(), "clearing twice is fine")
}

func TestStore_InvalidSession(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set(KeyringService, KeyringUser, "not json"))

	_, err := NewStore().Load()
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSession_ExpiresWithin(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		expires time.Time
		within  bool
		expired bool
	}{
		{"no expiry", time.Time{}, false, false},
		{"far future", now.Add(time.Hour), false, false},
		{"inside leeway", now.Add(2 * time.Minute), true, false},
		{"past", now.Add(-time.Second), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{AccessToken: "x", ExpiresAt: tt.expires}
			assert.Equal(t, tt.within, s.ExpiresWithin(now, RefreshLeeway))
			assert.Equal(t, tt.expired, s.Expired(now))
		})
	}
}

func newSource(t *testing.T, cfg RefreshConfig, now time.Time) (*KeyringSource, *Store) {
	t.Helper()
	keyring.MockInit()
	store := NewStore()
	src := NewKeyringSource(store, cfg)
	src.now = func() time.Time { return now }
	return src, store
}

func TestKeyringSource_NoSession(t *testing.T) {
	src, _ := newSource(t, RefreshConfig{}, time.Now())

	tok, err := src.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestKeyringSource_ValidToken(t *testing.T) {
	now := time.Now()
	src, store := newSource(t, RefreshConfig{}, now)
	require.NoError(t, store.Save(&Session{AccessToken: "fresh", ExpiresAt: now.Add(time.Hour)}))

	tok, err := src.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
}

func TestKeyringSource_ExpiredWithoutRefresh(t *testing.T) {
	now := time.Now()
	src, store := newSource(t, RefreshConfig{}, now)
	require.NoError(t, store.Save(&Session{AccessToken: "old", ExpiresAt: now.Add(-time.Minute)}))

	tok, err := src.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestKeyringSource_RefreshesNearExpiry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "desktop", r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	now := time.Now()
	src, store := newSource(t, RefreshConfig{TokenURL: srv.URL, ClientID: "desktop"}, now)
	require.NoError(t, store.Save(&Session{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: now.Add(2 * time.Minute)}))

	tok, err := src.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "rt-2", saved.RefreshToken)
	assert.True(t, saved.ExpiresAt.After(now.Add(30*time.Minute)))
}

func TestKeyringSource_RefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	now := time.Now()

	t.Run("still valid falls back to current token", func(t *testing.T) {
		src, store := newSource(t, RefreshConfig{TokenURL: srv.URL}, now)
		require.NoError(t, store.Save(&Session{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: now.Add(time.Minute)}))

		tok, err := src.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "at-1", tok)
	})

	t.Run("expired returns error", func(t *testing.T) {
		src, store := newSource(t, RefreshConfig{TokenURL: srv.URL}, now)
		require.NoError(t, store.Save(&Session{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: now.Add(-time.Minute)}))

		tok, err := src.AccessToken(context.Background())
		assert.Error(t, err)
		assert.Empty(t, tok)
	})
}

func TestChain(t *testing.T) {
	t.Setenv("PENF_TEST_TOKEN", "")
	chain := Chain{EnvSource{Var: "PENF_TEST_TOKEN"}, StaticSource("static")}

	tok, err := chain.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "static", tok)

	t.Setenv("PENF_TEST_TOKEN", "from-env")
	tok, err = chain.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", tok)

	empty, err := Chain{StaticSource("")}.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty)
}
