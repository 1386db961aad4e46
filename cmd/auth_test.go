package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/credentials"
)

func resetAuthFlags(t *testing.T) {
	t.Cleanup(func() {
		authVerify = false
		authOutputFormat = ""
	})
}

func authStatusJSON(t *testing.T, deps *CommandDeps) AuthStatus {
	t.Helper()
	authOutputFormat = "json"
	var buf bytes.Buffer
	require.NoError(t, runAuthStatus(context.Background(), &buf, deps))
	var st AuthStatus
	require.NoError(t, json.Unmarshal(buf.Bytes(), &st))
	return st
}

func TestAuthStatus_NotSignedIn(t *testing.T) {
	resetAuthFlags(t)
	deps, _ := testDeps(t)

	var buf bytes.Buffer
	require.NoError(t, runAuthStatus(context.Background(), &buf, deps))
	assert.Contains(t, buf.String(), "Not signed in")

	st := authStatusJSON(t, deps)
	assert.False(t, st.SignedIn)
	assert.Equal(t, "none", st.Source)
}

func TestAuthStatus_Keyring(t *testing.T) {
	resetAuthFlags(t)
	deps, cfg := testDeps(t)
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, deps.Credentials().Save(&credentials.Session{
		AccessToken:  "access-token-0123456789",
		RefreshToken: "refresh",
		ExpiresAt:    expires,
	}))

	st := authStatusJSON(t, deps)
	assert.True(t, st.SignedIn)
	assert.Equal(t, "keyring", st.Source)
	assert.Equal(t, "access...6789", st.Token)
	assert.False(t, st.Expired)
	assert.False(t, st.CanRefresh, "no token URL configured")
	require.NotNil(t, st.ExpiresAt)
	assert.True(t, expires.Equal(*st.ExpiresAt))

	cfg.Auth.TokenURL = "https://auth.example.test/token"
	st = authStatusJSON(t, deps)
	assert.True(t, st.CanRefresh)
}

func TestAuthStatus_ExpiredWithoutRefresh(t *testing.T) {
	resetAuthFlags(t)
	deps, _ := testDeps(t)
	require.NoError(t, deps.Credentials().Save(&credentials.Session{
		AccessToken: "access-token-0123456789",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}))

	st := authStatusJSON(t, deps)
	assert.True(t, st.Expired)
	assert.False(t, st.SignedIn)
}

func TestAuthStatus_EnvironmentWins(t *testing.T) {
	resetAuthFlags(t)
	deps, _ := testDeps(t)
	t.Setenv(TokenEnvVar, "env-token-abcdefghij")

	st := authStatusJSON(t, deps)
	assert.True(t, st.SignedIn)
	assert.Equal(t, "environment", st.Source)
	assert.Equal(t, "env-to...ghij", st.Token)
}

func TestAuthStatus_Verify(t *testing.T) {
	resetAuthFlags(t)
	deps, cfg := testDeps(t)
	t.Setenv(TokenEnvVar, "env-token-abcdefghij")

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"default_account_id": "acct-1",
			"default_project_id": "proj-1",
		})
	}))
	defer srv.Close()
	cfg.APIURL = srv.URL

	authVerify = true
	st := authStatusJSON(t, deps)
	require.NotNil(t, st.Verified)
	assert.True(t, *st.Verified)
	assert.Equal(t, "acct-1", st.AccountID)
	assert.Equal(t, "proj-1", st.ProjectID)
	assert.Equal(t, "Bearer env-token-abcdefghij", gotAuth)
}

func TestAuthLogout(t *testing.T) {
	resetAuthFlags(t)
	deps, _ := testDeps(t)
	require.NoError(t, deps.Credentials().Save(&credentials.Session{AccessToken: "tok"}))

	var buf bytes.Buffer
	require.NoError(t, runAuthLogout(&buf, deps))
	assert.Equal(t, "Signed out.\n", buf.String())

	_, err := deps.Credentials().Load()
	assert.ErrorIs(t, err, credentials.ErrNoSession)

	t.Setenv(TokenEnvVar, "still-here")
	buf.Reset()
	require.NoError(t, runAuthLogout(&buf, deps))
	assert.Contains(t, buf.String(), "PENF_TOKEN is still set")
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", maskToken("short"))
	assert.Equal(t, "abcdef...wxyz", maskToken("abcdefghijklmnopqrstuvwxyz"))
}
