package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexjbarnes/oauth2c/internal/authserver"
	apperrors "github.com/alexjbarnes/oauth2c/internal/errors"
	"github.com/alexjbarnes/oauth2c/internal/server"
	"github.com/alexjbarnes/oauth2c/oauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testClientSecret = "0123456789abcdef"
	testRedirectURI  = "http://127.0.0.1:8085/callback"
)

// startProvider runs the development authorization server and points the
// client configuration at it.
func startProvider(t *testing.T) string {
	t.Helper()

	var handler http.Handler

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	auth, err := authserver.New(authserver.Config{
		Issuer: ts.URL,
		Clients: []authserver.ClientSpec{
			{ID: "abc", Secret: testClientSecret, RedirectURIs: []string{"http://127.0.0.1"}},
		},
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)
	t.Cleanup(auth.Close)

	handler = server.NewMux(server.MuxConfig{Auth: auth})

	for _, key := range []string{"OAUTH2C_SCOPE", "OAUTH2C_KEYS_FILE", "OAUTH2C_AUTHN_METHOD", "ENVIRONMENT"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	t.Setenv("HOME", t.TempDir())
	t.Setenv("OAUTH2C_CLIENT_ID", "abc")
	t.Setenv("OAUTH2C_CLIENT_SECRET", testClientSecret)
	t.Setenv("OAUTH2C_AUTHORIZATION_ENDPOINT", ts.URL+authserver.PathAuthorize)
	t.Setenv("OAUTH2C_TOKEN_ENDPOINT", ts.URL+authserver.PathToken)
	t.Setenv("OAUTH2C_REVOCATION_ENDPOINT", ts.URL+authserver.PathRevoke)
	t.Setenv("OAUTH2C_JWKS_URL", ts.URL+authserver.PathJWKS)
	t.Setenv("OAUTH2C_REDIRECT_URI", testRedirectURI)
	t.Setenv("OAUTH2C_STATE_DB", filepath.Join(t.TempDir(), "state.db"))
	t.Setenv("OAUTH2C_LOG_LEVEL", "error")

	return ts.URL
}

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer

	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())

	return out.String(), err
}

func decodeToken(t *testing.T, out string) tokenView {
	t.Helper()

	var v tokenView
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)

	return v
}

// followAuthorize requests the authorization URL and returns where the
// provider redirected to.
func followAuthorize(t *testing.T, authURL string) string {
	t.Helper()

	hc := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := hc.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	return resp.Header.Get("Location")
}

// --- client-credentials / token / fetch / grants ---

func TestClientCredentials_BecomesActiveSession(t *testing.T) {
	base := startProvider(t)

	out, err := runCmd(t, "", "client-credentials", "--scope", "jobs")
	require.NoError(t, err)

	issued := decodeToken(t, out)
	assert.Equal(t, oauth.ClientCredentialsState, issued.State)
	assert.Equal(t, "jobs", issued.Scope)
	assert.NotEmpty(t, issued.AccessToken)
	assert.Empty(t, issued.RefreshToken)

	out, err = runCmd(t, "", "token")
	require.NoError(t, err)
	assert.Equal(t, issued.AccessToken, decodeToken(t, out).AccessToken)

	out, err = runCmd(t, "", "fetch", base+authserver.PathResource)
	require.NoError(t, err)
	assert.Contains(t, out, `"client_id":"abc"`)

	out, err = runCmd(t, "", "fetch", "--body", base+authserver.PathResource)
	require.NoError(t, err)
	assert.Contains(t, out, `"client_id":"abc"`)

	out, err = runCmd(t, "", "grants")
	require.NoError(t, err)

	var grants []grantView
	require.NoError(t, json.Unmarshal([]byte(out), &grants))
	require.Len(t, grants, 1)
	assert.True(t, grants[0].Active)
	assert.Equal(t, 1, grants[0].ValidTokens)
}

func TestToken_NoActiveSession(t *testing.T) {
	startProvider(t)

	_, err := runCmd(t, "", "token")
	require.ErrorIs(t, err, apperrors.ErrNoActiveState)
	assert.Equal(t, exitAuthRequired, exitCode(err))
}

func TestFetch_ResourceErrorStatus(t *testing.T) {
	base := startProvider(t)

	_, err := runCmd(t, "", "client-credentials")
	require.NoError(t, err)

	_, err = runCmd(t, "", "fetch", base+"/missing")
	require.ErrorIs(t, err, apperrors.ErrResourceRequest)
}

// --- authorize / complete ---

func TestAuthorize_ManualFlow(t *testing.T) {
	startProvider(t)

	out, err := runCmd(t, "", "authorize", "--manual", "--scope", "openid read")
	require.NoError(t, err)

	authURL := strings.TrimSpace(out)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, u.Query().Get("nonce"))

	redirect := followAuthorize(t, authURL)
	require.True(t, strings.HasPrefix(redirect, testRedirectURI+"?"), redirect)

	out, err = runCmd(t, "", "complete", redirect)
	require.NoError(t, err)

	tok := decodeToken(t, out)
	assert.Equal(t, u.Query().Get("state"), tok.State)
	assert.Equal(t, "openid read", tok.Scope)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.NotEmpty(t, tok.IDToken)

	// The pending request was consumed.
	_, err = runCmd(t, "", "complete", redirect)
	require.ErrorIs(t, err, apperrors.ErrNoPending)

	out, err = runCmd(t, "", "refresh")
	require.NoError(t, err)

	refreshed := decodeToken(t, out)
	assert.NotEqual(t, tok.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, tok.RefreshToken, refreshed.RefreshToken)

	out, err = runCmd(t, "", "revoke", "--forget")
	require.NoError(t, err)
	assert.Equal(t, "revoked\n", out)

	_, err = runCmd(t, "", "token")
	require.ErrorIs(t, err, apperrors.ErrNoActiveState)
}

func TestComplete_ErrorRedirect(t *testing.T) {
	startProvider(t)

	out, err := runCmd(t, "", "authorize", "--manual")
	require.NoError(t, err)

	u, err := url.Parse(strings.TrimSpace(out))
	require.NoError(t, err)

	redirect := fmt.Sprintf("%s?error=access_denied&state=%s", testRedirectURI, u.Query().Get("state"))

	_, err = runCmd(t, "", "complete", redirect)
	require.ErrorIs(t, err, apperrors.ErrAuthorizationError)
	assert.Equal(t, exitAuthFailed, exitCode(err))

	var er *oauth.ErrorResponse
	require.ErrorAs(t, err, &er)
	assert.Equal(t, "access_denied", er.Code)
}

func TestComplete_UnknownState(t *testing.T) {
	startProvider(t)

	_, err := runCmd(t, "", "complete", testRedirectURI+"?code=x&state=nope")
	require.ErrorIs(t, err, apperrors.ErrNoPending)
}

func TestRedirectState(t *testing.T) {
	st, err := redirectState("http://127.0.0.1/cb?code=c&state=s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", st)

	st, err = redirectState("http://127.0.0.1/cb#access_token=t&state=s2")
	require.NoError(t, err)
	assert.Equal(t, "s2", st)

	_, err = redirectState("http://127.0.0.1/cb?code=c")
	require.ErrorIs(t, err, apperrors.ErrCallbackState)
}

// --- hash-secret ---

func TestHashSecret(t *testing.T) {
	hash, err := hashSecret(strings.NewReader("  s3cret-value \n"))
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret-value")))

	_, err = hashSecret(strings.NewReader(""))
	require.ErrorIs(t, err, apperrors.ErrEmptyInput)

	_, err = hashSecret(strings.NewReader("   \n"))
	require.ErrorIs(t, err, apperrors.ErrEmptyInput)
}

func TestHashSecretCmd(t *testing.T) {
	out, err := runCmd(t, "secret\n", "hash-secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "$2"))
}

// --- exit codes ---

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), exitError},
		{apperrors.ErrNoActiveState, exitAuthRequired},
		{fmt.Errorf("wrapped: %w", oauth.ErrExpiredToken), exitAuthRequired},
		{oauth.ErrGrantExpired, exitAuthRequired},
		{apperrors.ErrCallbackTimeout, exitAuthFailed},
		{apperrors.ErrCallbackState, exitAuthFailed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), tt.err.Error())
	}
}
