package oauth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// --- HTTPTransport ---

func TestHTTPTransport_SendsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "abc", user)
		assert.Equal(t, "s3cret", pass)
		assert.Equal(t, contentTypeForm, r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "grant_type=client_credentials", string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(nil)

	resp, err := tr.Send(context.Background(), &Request{
		Method:    http.MethodPost,
		URL:       srv.URL,
		Header:    http.Header{"Content-Type": {contentTypeForm}},
		Body:      "grant_type=client_credentials",
		BasicAuth: &BasicAuth{Username: "abc", Password: "s3cret"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contentTypeJSON, resp.MediaType())
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestHTTPTransport_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://client.example.com/cb?code=C1", http.StatusFound)
	}))
	defer srv.Close()

	resp, err := NewHTTPTransport(nil).Send(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://client.example.com/cb?code=C1", resp.Location())
}

func TestWithTimeout_KeepsRedirectPolicy(t *testing.T) {
	c := NewClient("abc", WithTimeout(time.Second))

	tr, ok := c.transport.(*HTTPTransport)
	require.True(t, ok)
	assert.Equal(t, time.Second, tr.httpClient.Timeout)
	assert.NotNil(t, tr.httpClient.CheckRedirect)
}

func TestHTTPTransport_LimitsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", maxResponseBytes+100)))
	}))
	defer srv.Close()

	resp, err := NewHTTPTransport(nil).Send(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, resp.Body, maxResponseBytes)
}

func TestHTTPTransport_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHTTPTransport(nil).Send(ctx, &Request{Method: http.MethodGet, URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("y", 1000))), 256)
	assert.Equal(t, "line\nnext", sanitizeResponseBody([]byte("line\nnext")))
}

// --- PKCE ---

func TestPKCE_RoundTrip(t *testing.T) {
	p, err := NewPKCE()
	require.NoError(t, err)

	assert.Len(t, p.Verifier, 43)
	assert.Equal(t, PKCEMethodS256, p.Method)
	assert.True(t, VerifyPKCE(p.Verifier, p.Challenge, p.Method))
	assert.False(t, VerifyPKCE("wrong", p.Challenge, p.Method))
	assert.False(t, VerifyPKCE(p.Verifier, p.Verifier, "plain"))

	assert.Equal(t, p.Challenge, p.AuthorizationExtensions()["code_challenge"])
	assert.Equal(t, p.Verifier, p.TokenExtensions()["code_verifier"])
}

func TestPKCE_CarriedAsExtensions(t *testing.T) {
	c := testClient(t, nil)
	c.SetGrant("s1", validGrant("CODE1"))

	p, err := NewPKCE()
	require.NoError(t, err)

	req, err := c.PrepareAccessTokenRequest(&RequestOptions{State: "s1", Extensions: p.TokenExtensions()})
	require.NoError(t, err)
	assert.Equal(t, p.Verifier, parseForm(t, req.Body).Get("code_verifier"))
}

// --- TokenSource ---

func TestTokenSource_ValidTokenNoRefresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	c := NewClient("abc", WithTransport(tr))

	g := NewGrant(0)
	g.AddToken(&Token{AccessToken: "AT1", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)})
	c.SetGrant("s1", g)

	tok, err := c.TokenSource(context.Background(), "s1", nil).Token()
	require.NoError(t, err)
	assert.Equal(t, "AT1", tok.AccessToken)
}

func TestTokenSource_RefreshesExpired(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	c := NewClient("abc", WithTransport(tr))
	c.TokenEndpoint = testTokenURL

	g := NewGrant(0)
	g.AddToken(&Token{AccessToken: "OLD", RefreshToken: "RT", ExpiresAt: time.Now().Add(-time.Hour)})
	c.SetGrant("s1", g)

	tr.EXPECT().Send(gomock.Any(), gomock.Any()).Return(
		jsonResponse(http.StatusOK, `{"access_token":"NEW","token_type":"Bearer","expires_in":3600}`), nil).Times(1)

	var refreshed *Token

	ts := c.TokenSource(context.Background(), "s1", func(tok *Token) { refreshed = tok })

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "NEW", tok.AccessToken)
	require.NotNil(t, refreshed)
	assert.Equal(t, "NEW", refreshed.AccessToken)

	// Cached by the reuse wrapper.
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "NEW", tok.AccessToken)
}
