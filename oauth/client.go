// Package oauth is an OAuth2 client protocol engine. It builds
// authorization, token, refresh and revocation requests, sends them
// through a Transport, parses success and error responses, and tracks
// grants and tokens per state.
//
// A Client is not safe for concurrent use. Callers sharing one across
// goroutines must serialize access.
package oauth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/alexjbarnes/oauth2c/keystore"
	"github.com/alexjbarnes/oauth2c/message"
	"github.com/google/uuid"
)

// Client holds the configuration and grant state of one OAuth2 client.
type Client struct {
	ClientID     string
	RedirectURIs []string

	AuthorizationEndpoint   string
	TokenEndpoint           string
	TokenRevocationEndpoint string

	// State and Nonce are the active session values used when a call
	// supplies none.
	State string
	Nonce string

	// GrantExpiresIn is the code lifetime in seconds given to new grants.
	GrantExpiresIn int

	// AuthnMethod is the default authentication method for token endpoint
	// calls. Empty sends no client credentials.
	AuthnMethod string

	KeyStore *keystore.KeyStore

	clientSecret string
	grants       map[string]*Grant
	authn        *AuthnRegistry
	transport    Transport
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the transport used for every round trip.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithHTTPClient sends requests through hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.transport = NewHTTPTransport(hc) }
}

// WithTimeout uses the default HTTP transport with a request timeout of d.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.transport = NewHTTPTransport(&http.Client{
			Timeout:       d,
			CheckRedirect: noRedirectPolicy,
		})
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithKeyStore replaces the client's key store.
func WithKeyStore(ks *keystore.KeyStore) Option {
	return func(c *Client) { c.KeyStore = ks }
}

// WithAuthnRegistry replaces the authentication method registry.
func WithAuthnRegistry(r *AuthnRegistry) Option {
	return func(c *Client) { c.authn = r }
}

// WithGrantExpiresIn sets the code lifetime of new grants in seconds.
func WithGrantExpiresIn(seconds int) Option {
	return func(c *Client) { c.GrantExpiresIn = seconds }
}

// WithRedirectURIs sets the client's redirect URIs. The first is the
// default for requests.
func WithRedirectURIs(uris ...string) Option {
	return func(c *Client) { c.RedirectURIs = uris }
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for clientID.
func NewClient(clientID string, opts ...Option) *Client {
	c := &Client{
		ClientID:       clientID,
		GrantExpiresIn: DefaultGrantExpiresIn,
		KeyStore:       keystore.New(),
		grants:         make(map[string]*Grant),
		authn:          NewAuthnRegistry(),
		logger:         slog.New(slog.DiscardHandler),
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.transport == nil {
		c.transport = NewHTTPTransport(nil)
	}

	return c
}

// ConfigureClientSecret sets the client secret and registers it as an hmac
// sign key and an hmac verify key of the default owner, since a provider
// may sign its responses with it. A previous secret's keys are removed.
func (c *Client) ConfigureClientSecret(secret string) error {
	if c.clientSecret != "" {
		c.KeyStore.RemoveKey([]byte(c.clientSecret), keystore.DefaultOwner, keystore.TypeHMAC, "")
	}

	c.clientSecret = secret
	if secret == "" {
		return nil
	}

	if err := c.KeyStore.SetSignKey([]byte(secret), keystore.TypeHMAC, keystore.DefaultOwner); err != nil {
		return fmt.Errorf("registering secret sign key: %w", err)
	}

	if err := c.KeyStore.SetVerifyKey([]byte(secret), keystore.TypeHMAC, keystore.DefaultOwner); err != nil {
		return fmt.Errorf("registering secret verify key: %w", err)
	}

	return nil
}

// ClientSecret returns the configured secret.
func (c *Client) ClientSecret() string {
	return c.clientSecret
}

// Reset forgets the session, every grant, the endpoints and the redirect
// URIs.
func (c *Client) Reset() {
	c.State = ""
	c.Nonce = ""
	c.grants = make(map[string]*Grant)
	c.AuthorizationEndpoint = ""
	c.TokenEndpoint = ""
	c.TokenRevocationEndpoint = ""
	c.RedirectURIs = nil
}

// NewSession starts a fresh session with random state and nonce values
// and returns the state.
func (c *Client) NewSession() string {
	c.State = uuid.NewString()
	c.Nonce = uuid.NewString()

	return c.State
}

// GrantFromState returns the grant stored under state, or nil.
func (c *Client) GrantFromState(state string) *Grant {
	return c.grants[state]
}

// Grant returns the grant for state, falling back to the active state when
// state is empty.
func (c *Client) Grant(state string) (*Grant, error) {
	if state == "" {
		state = c.State
	}

	g, ok := c.grants[state]
	if !ok {
		return nil, fmt.Errorf("%w for state %q", ErrNoGrantFound, state)
	}

	return g, nil
}

// Grants returns a copy of the grant map.
func (c *Client) Grants() map[string]*Grant {
	return maps.Clone(c.grants)
}

// SetGrant stores g under state, replacing any existing grant.
func (c *Client) SetGrant(state string, g *Grant) {
	c.grants[state] = g
}

// TokenQuery selects a token for Client.Token.
type TokenQuery struct {
	State string
	Scope string
	// Token short-circuits the lookup.
	Token *Token
	// AlsoExpired returns a token even when it has expired.
	AlsoExpired bool
}

// Token looks up a token of the grant for q.State. With a scope, the
// first non-replaced token holding it is used; otherwise the first valid
// one, or failing that the current token so its expiry can be reported.
// An expired token yields ErrExpiredToken unless q.AlsoExpired is set.
func (c *Client) Token(q TokenQuery) (*Token, error) {
	tok := q.Token
	if tok == nil {
		grant, err := c.Grant(q.State)
		if err != nil {
			return nil, err
		}

		now := c.now()
		tok = grant.GetTokenAt(q.Scope, now)

		if tok == nil && q.Scope == "" {
			tok = grant.current()
		}
	}

	if tok == nil {
		return nil, ErrNoTokenFound
	}

	if q.AlsoExpired || tok.IsValidAt(c.now()) {
		return tok, nil
	}

	return nil, fmt.Errorf("%w at %s", ErrExpiredToken, tok.ExpiresAt.Format(time.RFC3339))
}

// requestedScope returns the scope a token request asked for, used when
// the response does not echo it.
func requestedScope(msg *message.Message) []string {
	if msg == nil {
		return nil
	}

	return msg.List("scope")
}

// DoAuthorizationRequest sends an authorization request. With FormatNone
// the raw response is returned unparsed, which is what a 302 redirect to a
// login page looks like. An error response without state gets the
// request's state.
func (c *Client) DoAuthorizationRequest(ctx context.Context, opts *RequestOptions, format Format) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	req, err := c.PrepareAuthorizationRequest(opts)
	if err != nil {
		return nil, err
	}

	result, err := c.requestAndReturn(ctx, req, message.AuthorizationResponse, format, ParseOptions{State: opts.State})
	if err != nil {
		return nil, err
	}

	if result.Message != nil && result.Message.IsError() && !result.Message.Has("state") {
		if state := req.Message.String("state"); state != "" && result.Message.Recognized("state") {
			if err := result.Message.Set("state", state); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

// DoAccessTokenRequest exchanges the code of the grant for opts.State.
// No request is sent when the grant has expired.
func (c *Client) DoAccessTokenRequest(ctx context.Context, opts *RequestOptions) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	req, err := c.PrepareAccessTokenRequest(opts)
	if err != nil {
		return nil, err
	}

	return c.requestAndReturn(ctx, req, message.AccessTokenResponse, FormatJSON, ParseOptions{
		State:        c.stateOrActive(opts.State),
		DefaultScope: requestedScope(req.Message),
	})
}

// DoAccessTokenRefresh refreshes the token for opts.State, or opts.Token,
// even when it has expired.
func (c *Client) DoAccessTokenRefresh(ctx context.Context, opts *RequestOptions) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	req, err := c.PrepareRefreshRequest(opts)
	if err != nil {
		return nil, err
	}

	return c.requestAndReturn(ctx, req, message.AccessTokenResponse, FormatJSON, ParseOptions{
		State:        c.stateOrActive(opts.State),
		DefaultScope: requestedScope(req.Message),
	})
}

// DoRevocateToken revokes the valid token for opts.State and opts.Scope.
// Revocation endpoints answer with an empty 200, so the response is not
// parsed.
func (c *Client) DoRevocateToken(ctx context.Context, opts *RequestOptions) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	req, err := c.PrepareRevocationRequest(opts)
	if err != nil {
		return nil, err
	}

	return c.requestAndReturn(ctx, req, nil, FormatNone, ParseOptions{State: opts.State})
}

// DoClientCredentialsRequest obtains a token for the client itself. The
// token is stored under opts.State, the active state, or
// ClientCredentialsState.
func (c *Client) DoClientCredentialsRequest(ctx context.Context, opts *RequestOptions) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	req, err := c.PrepareClientCredentialsRequest(opts)
	if err != nil {
		return nil, err
	}

	state := c.stateOrActive(opts.State)
	if state == "" {
		state = ClientCredentialsState
	}

	return c.requestAndReturn(ctx, req, message.AccessTokenResponse, FormatJSON, ParseOptions{
		State:        state,
		DefaultScope: requestedScope(req.Message),
	})
}

// ClientCredentialsState keys the grant of client credentials tokens when
// no session is active.
const ClientCredentialsState = "client_credentials"

func (c *Client) stateOrActive(state string) string {
	if state != "" {
		return state
	}

	return c.State
}

// FetchProtectedResource requests uri with the token for opts.State. An
// expired token is refreshed exactly once before the request. The
// default authentication method is bearer_header.
func (c *Client) FetchProtectedResource(ctx context.Context, uri string, opts *RequestOptions) (*Response, error) {
	opts = opts.clone()
	q := TokenQuery{State: opts.State, Scope: opts.Scope, Token: opts.Token}

	tok, err := c.Token(q)
	if errors.Is(err, ErrExpiredToken) {
		c.logger.Info("access token expired, refreshing", slog.String("state", c.stateOrActive(opts.State)))

		refresh := &RequestOptions{State: opts.State, Scope: opts.Scope, Token: opts.Token}
		res, rerr := c.DoAccessTokenRefresh(ctx, refresh)
		if rerr == nil {
			rerr = res.Err()
		}

		if rerr != nil {
			return nil, fmt.Errorf("refreshing token: %w", rerr)
		}

		q.Token = nil
		tok, err = c.Token(q)
	}

	if err != nil {
		return nil, err
	}

	args := maps.Clone(opts.Args)
	if args == nil {
		args = make(map[string]any)
	}

	args["access_token"] = tok.AccessToken

	opts.Args = args

	if opts.AuthnMethod == "" {
		opts.AuthnMethod = BearerHeader
	}

	msg, err := c.constructRequest(message.ResourceRequest, args, opts)
	if err != nil {
		return nil, err
	}

	req, err := c.prepare(msg, uri, http.MethodGet, opts)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetching protected resource", slog.String("url", redactQuery(req.URL)))

	return c.transport.Send(ctx, req.transportRequest())
}

// LoadX509Cert fetches a PEM or DER certificate from url and adds its
// public key to the key store.
func (c *Client) LoadX509Cert(ctx context.Context, url string, usage keystore.Usage, owner string) (any, error) {
	data, err := c.getPage(ctx, url)
	if err != nil {
		return nil, err
	}

	key, err := keystore.ParseX509(data)
	if err != nil {
		return nil, err
	}

	typ := keystore.TypeRSA
	if _, ok := key.(*ecdsa.PublicKey); ok {
		typ = keystore.TypeEC
	}

	if err := c.KeyStore.AddKey(key, typ, usage, owner); err != nil {
		return nil, err
	}

	return key, nil
}

// LoadJWKS fetches a JSON Web Key Set from url and adds every key to the
// key store. It returns the number of keys added.
func (c *Client) LoadJWKS(ctx context.Context, url string, usage keystore.Usage, owner string) (int, error) {
	data, err := c.getPage(ctx, url)
	if err != nil {
		return 0, err
	}

	keys, err := keystore.ParseJWKS(data)
	if err != nil {
		return 0, err
	}

	n := 0

	for _, typ := range keys.Types() {
		for _, key := range keys[typ] {
			if err := c.KeyStore.AddKey(key, typ, usage, owner); err != nil {
				return n, err
			}

			n++
		}
	}

	c.logger.Debug("loaded JWKS", slog.String("url", url), slog.Int("keys", n))

	return n, nil
}

func (c *Client) getPage(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.transport.Send(ctx, &Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Status: resp.StatusCode, Body: sanitizeResponseBody(resp.Body)}
	}

	return resp.Body, nil
}
