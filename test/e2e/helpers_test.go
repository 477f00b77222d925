package e2e_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/oauth2c/internal/authserver"
	"github.com/alexjbarnes/oauth2c/internal/server"
	"github.com/alexjbarnes/oauth2c/message"
	"github.com/alexjbarnes/oauth2c/oauth"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testClientID = "e2e-test-client"
	testSecret   = "e2e-test-secret-value"
	redirectURI  = "http://127.0.0.1:19876/callback"
)

// harness is a development authorization server on a real listener.
type harness struct {
	URL  string
	Auth *authserver.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	var handler http.Handler

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	auth, err := authserver.New(authserver.Config{
		Issuer:   ts.URL,
		TokenTTL: time.Hour,
		Clients: []authserver.ClientSpec{
			{ID: testClientID, Secret: testSecret, RedirectURIs: []string{"http://127.0.0.1"}},
		},
		RequirePKCE: true,
		BcryptCost:  bcrypt.MinCost,
	})
	require.NoError(t, err)
	t.Cleanup(auth.Close)

	handler = server.NewMux(server.MuxConfig{Auth: auth})

	return &harness{URL: ts.URL, Auth: auth}
}

// clock is a settable time source for oauth.WithClock.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Now()} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newClient returns a client configured for the harness endpoints.
func (h *harness) newClient(t *testing.T, secret string, opts ...oauth.Option) *oauth.Client {
	t.Helper()

	c := oauth.NewClient(testClientID, append([]oauth.Option{oauth.WithRedirectURIs(redirectURI)}, opts...)...)
	c.AuthorizationEndpoint = h.URL + authserver.PathAuthorize
	c.TokenEndpoint = h.URL + authserver.PathToken
	c.TokenRevocationEndpoint = h.URL + authserver.PathRevoke
	c.AuthnMethod = oauth.ClientSecretBasic

	require.NoError(t, c.ConfigureClientSecret(secret))

	return c
}

// authorize sends the authorization request and routes the redirect back
// into the client. It returns the session state and the PKCE pair.
func (h *harness) authorize(t *testing.T, c *oauth.Client, scope string) (string, *oauth.PKCE) {
	t.Helper()

	st := c.NewSession()

	p, err := oauth.NewPKCE()
	require.NoError(t, err)

	ext := p.AuthorizationExtensions()
	ext["nonce"] = c.Nonce

	res, err := c.DoAuthorizationRequest(context.Background(), &oauth.RequestOptions{
		State:      st,
		Scope:      scope,
		Extensions: ext,
	}, oauth.FormatURLEncoded)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, res.Response.StatusCode)

	msg, err := c.ParseResponse(message.AuthorizationResponse, res.Response.Location(), oauth.FormatURLEncoded,
		oauth.ParseOptions{State: st})
	require.NoError(t, err)
	require.False(t, msg.IsError(), "authorization failed: %v", msg.Fields())

	return st, p
}

// authCodeFlow runs authorization and the code exchange.
func (h *harness) authCodeFlow(t *testing.T, c *oauth.Client, scope string) string {
	t.Helper()

	st, p := h.authorize(t, c, scope)

	res, err := c.DoAccessTokenRequest(context.Background(), &oauth.RequestOptions{
		State:      st,
		Extensions: p.TokenExtensions(),
	})
	require.NoError(t, err)
	require.NoError(t, res.Err())

	return st
}
