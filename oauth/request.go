package oauth

import (
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/oauth2c/message"
)

// Endpoint names as used for Args overrides and provider metadata.
const (
	AuthorizationEndpoint   = "authorization_endpoint"
	TokenEndpoint           = "token_endpoint"
	TokenRevocationEndpoint = "token_revocation_endpoint"
)

// HTTPArgs are transport-level parameters collected while building a
// request. Authentication methods write into them.
type HTTPArgs struct {
	Header http.Header
	// Password overrides the client secret for client_secret_basic.
	Password string
	// ClientSecret overrides the client secret for client_secret_post and
	// is consumed by it.
	ClientSecret string
	BasicAuth    *BasicAuth
}

// RequestOptions are the caller inputs to a request builder. Precedence
// when filling a field is client configuration, then Args, then Extra.
type RequestOptions struct {
	// Method is GET or POST. Empty selects the operation default.
	Method string
	State  string
	Scope  string
	// Args holds caller fields. Only fields the request schema recognizes
	// are kept, apart from "<name>_endpoint" overrides.
	Args map[string]any
	// Extensions holds non-standard parameters. A name the schema
	// recognizes is ignored here; use Args for those.
	Extensions map[string]any
	// Extra fields are appended verbatim, recognized or not.
	Extra    map[string]any
	HTTPArgs *HTTPArgs
	// AuthnMethod names a registered authentication method. Empty means
	// none for token endpoint calls and bearer_header for resources.
	AuthnMethod string
	// Token selects the token to refresh instead of a grant lookup.
	Token *Token
}

// clone returns a copy of o that authentication methods may modify
// without touching the caller's HTTPArgs. A nil o yields empty options.
func (o *RequestOptions) clone() *RequestOptions {
	if o == nil {
		return &RequestOptions{HTTPArgs: &HTTPArgs{}}
	}

	cp := *o

	if o.HTTPArgs != nil {
		args := *o.HTTPArgs
		args.Header = o.HTTPArgs.Header.Clone()

		if o.HTTPArgs.BasicAuth != nil {
			ba := *o.HTTPArgs.BasicAuth
			args.BasicAuth = &ba
		}

		cp.HTTPArgs = &args
	} else {
		cp.HTTPArgs = &HTTPArgs{}
	}

	return &cp
}

// PreparedRequest is a built, authenticated and framed request that has
// not been sent.
type PreparedRequest struct {
	Message   *message.Message
	Method    string
	URL       string
	Body      string
	Header    http.Header
	BasicAuth *BasicAuth
}

// transportRequest converts p for the Transport.
func (p *PreparedRequest) transportRequest() *Request {
	return &Request{
		Method:    p.Method,
		URL:       p.URL,
		Header:    p.Header,
		Body:      p.Body,
		BasicAuth: p.BasicAuth,
	}
}

// attribute returns client state for a request field the caller did not
// supply. The secret is never filled here; it travels only through an
// authentication method.
func (c *Client) attribute(name string) string {
	switch name {
	case "redirect_uri":
		if len(c.RedirectURIs) > 0 {
			return c.RedirectURIs[0]
		}
	case "client_id":
		return c.ClientID
	case "state":
		return c.State
	case "nonce":
		return c.Nonce
	}

	return ""
}

// constructRequest merges client configuration, Args, Extensions and
// Extra into a message of schema.
func (c *Client) constructRequest(schema *message.Schema, args map[string]any, opts *RequestOptions) (*message.Message, error) {
	fields := make(map[string]any, len(args))

	for name, v := range args {
		if schema.Has(name) {
			fields[name] = v
		}
	}

	for name, v := range opts.Extensions {
		if !schema.Has(name) {
			fields[name] = v
		}
	}

	for _, p := range schema.Params {
		if _, ok := fields[p.Name]; ok || p.Default != nil {
			continue
		}

		if v := c.attribute(p.Name); v != "" {
			fields[p.Name] = v
		}
	}

	msg, err := message.New(schema, fields)
	if err != nil {
		return nil, fmt.Errorf("constructing %s: %w", schema.Name, err)
	}

	for name, v := range opts.Extra {
		if err := msg.Set(name, v); err != nil {
			return nil, fmt.Errorf("constructing %s: %w", schema.Name, err)
		}
	}

	return msg, nil
}

// ConstructAuthorizationRequest builds an authorization request. A
// redirect_uri in Args becomes the client's default redirect URI.
func (c *Client) ConstructAuthorizationRequest(opts *RequestOptions) (*message.Message, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	args := maps.Clone(opts.Args)
	if args == nil {
		args = make(map[string]any)
	}

	if uri, ok := args["redirect_uri"].(string); ok && uri != "" {
		c.RedirectURIs = []string{uri}
	}

	if _, ok := args["state"]; !ok && opts.State != "" {
		args["state"] = opts.State
	}

	if _, ok := args["scope"]; !ok && opts.Scope != "" {
		args["scope"] = opts.Scope
	}

	return c.constructRequest(message.AuthorizationRequest, args, opts)
}

// ConstructAccessTokenRequest builds a code exchange for the grant of
// opts.State. The grant's code must still be valid.
func (c *Client) ConstructAccessTokenRequest(opts *RequestOptions) (*message.Message, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	grant, err := c.Grant(opts.State)
	if err != nil {
		return nil, err
	}

	if !grant.IsValidAt(c.now()) {
		return nil, fmt.Errorf("%w: code expired at %s", ErrGrantExpired, grant.ExpiresAt.Format(time.RFC3339))
	}

	args := maps.Clone(opts.Args)
	if args == nil {
		args = make(map[string]any)
	}

	args["code"] = grant.Code

	if _, ok := args["grant_type"]; !ok {
		args["grant_type"] = "authorization_code"
	}

	if id, _ := args["client_id"].(string); id == "" {
		args["client_id"] = c.ClientID
	}

	return c.constructRequest(message.AccessTokenRequest, args, opts)
}

// ConstructRefreshAccessTokenRequest builds a refresh for opts.Token, or
// for the grant's token even when it has expired.
func (c *Client) ConstructRefreshAccessTokenRequest(opts *RequestOptions) (*message.Message, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	tok := opts.Token
	if tok == nil {
		var err error

		tok, err = c.Token(TokenQuery{State: opts.State, Scope: opts.Scope, AlsoExpired: true})
		if err != nil {
			return nil, err
		}
	}

	if tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	args := maps.Clone(opts.Args)
	if args == nil {
		args = make(map[string]any)
	}

	args["refresh_token"] = tok.RefreshToken
	if len(tok.Scope) > 0 {
		args["scope"] = tok.Scope
	}

	return c.constructRequest(message.RefreshAccessTokenRequest, args, opts)
}

// ConstructTokenRevocationRequest builds a revocation of the valid token
// for opts.State and opts.Scope.
func (c *Client) ConstructTokenRevocationRequest(opts *RequestOptions) (*message.Message, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	tok, err := c.Token(TokenQuery{State: opts.State, Scope: opts.Scope})
	if err != nil {
		return nil, err
	}

	args := maps.Clone(opts.Args)
	if args == nil {
		args = make(map[string]any)
	}

	args["token"] = tok.AccessToken

	return c.constructRequest(message.TokenRevocationRequest, args, opts)
}

// ConstructClientCredentialsRequest builds a client credentials grant
// request (RFC 6749 section 4.4).
func (c *Client) ConstructClientCredentialsRequest(opts *RequestOptions) (*message.Message, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	args := maps.Clone(opts.Args)
	if args == nil {
		args = make(map[string]any)
	}

	if _, ok := args["scope"]; !ok && opts.Scope != "" {
		args["scope"] = opts.Scope
	}

	return c.constructRequest(message.ClientCredentialsRequest, args, opts)
}

// endpoint resolves name from an Args override or the client
// configuration.
func (c *Client) endpoint(name string, args map[string]any) (string, error) {
	if uri, ok := args[name].(string); ok && uri != "" {
		return uri, nil
	}

	var uri string

	switch name {
	case AuthorizationEndpoint:
		uri = c.AuthorizationEndpoint
	case TokenEndpoint:
		uri = c.TokenEndpoint
	case TokenRevocationEndpoint:
		uri = c.TokenRevocationEndpoint
	}

	if uri == "" {
		return "", fmt.Errorf("%w: no %s configured", ErrConfiguration, name)
	}

	return uri, nil
}

// frame places msg on the wire for method: the query string for GET, a
// form body for POST.
func frame(uri, method string, msg *message.Message, header http.Header) (string, string, http.Header, error) {
	header = header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	encoded := msg.URLEncode(true)

	switch method {
	case http.MethodGet:
		if encoded == "" {
			return uri, "", header, nil
		}

		sep := "?"
		if strings.Contains(uri, "?") {
			sep = "&"
		}

		return uri + sep + encoded, "", header, nil
	case http.MethodPost:
		header.Set("Content-Type", contentTypeForm)
		return uri, encoded, header, nil
	default:
		return "", "", nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
}

// prepare authenticates msg with the chosen method and frames it for
// endpoint uri.
func (c *Client) prepare(msg *message.Message, uri, defaultMethod string, opts *RequestOptions) (*PreparedRequest, error) {
	if opts.HTTPArgs == nil {
		opts.HTTPArgs = &HTTPArgs{}
	}

	if opts.AuthnMethod != "" {
		authn, err := c.authn.Get(opts.AuthnMethod)
		if err != nil {
			return nil, err
		}

		if err := authn(c, msg, opts); err != nil {
			return nil, fmt.Errorf("%s: %w", opts.AuthnMethod, err)
		}
	}

	method := opts.Method
	if method == "" {
		method = defaultMethod
	}

	u, body, header, err := frame(uri, method, msg, opts.HTTPArgs.Header)
	if err != nil {
		return nil, err
	}

	return &PreparedRequest{
		Message:   msg,
		Method:    method,
		URL:       u,
		Body:      body,
		Header:    header,
		BasicAuth: opts.HTTPArgs.BasicAuth,
	}, nil
}

// requestInfo is construct, endpoint resolution and prepare in one step.
func (c *Client) requestInfo(
	construct func(*RequestOptions) (*message.Message, error),
	endpointName, defaultMethod string,
	opts *RequestOptions,
) (*PreparedRequest, error) {
	msg, err := construct(opts)
	if err != nil {
		return nil, err
	}

	uri, err := c.endpoint(endpointName, opts.Args)
	if err != nil {
		return nil, err
	}

	return c.prepare(msg, uri, defaultMethod, opts)
}

// PrepareAuthorizationRequest returns the authorization request without
// sending it. The URL is what a user agent should be sent to.
func (c *Client) PrepareAuthorizationRequest(opts *RequestOptions) (*PreparedRequest, error) {
	return c.requestInfo(c.ConstructAuthorizationRequest, AuthorizationEndpoint, http.MethodGet, opts.clone())
}

// PrepareAccessTokenRequest returns the code exchange without sending it.
func (c *Client) PrepareAccessTokenRequest(opts *RequestOptions) (*PreparedRequest, error) {
	return c.requestInfo(c.ConstructAccessTokenRequest, TokenEndpoint, http.MethodPost, c.withDefaultAuthn(opts))
}

// PrepareRefreshRequest returns the refresh request without sending it.
func (c *Client) PrepareRefreshRequest(opts *RequestOptions) (*PreparedRequest, error) {
	return c.requestInfo(c.ConstructRefreshAccessTokenRequest, TokenEndpoint, http.MethodPost, c.withDefaultAuthn(opts))
}

// PrepareRevocationRequest returns the revocation request without sending
// it.
func (c *Client) PrepareRevocationRequest(opts *RequestOptions) (*PreparedRequest, error) {
	return c.requestInfo(c.ConstructTokenRevocationRequest, TokenRevocationEndpoint, http.MethodPost, c.withDefaultAuthn(opts))
}

// PrepareClientCredentialsRequest returns the client credentials request
// without sending it.
func (c *Client) PrepareClientCredentialsRequest(opts *RequestOptions) (*PreparedRequest, error) {
	return c.requestInfo(c.ConstructClientCredentialsRequest, TokenEndpoint, http.MethodPost, c.withDefaultAuthn(opts))
}

// withDefaultAuthn copies opts and applies the client's configured token
// endpoint authentication method when the caller chose none.
func (c *Client) withDefaultAuthn(opts *RequestOptions) *RequestOptions {
	opts = opts.clone()
	if opts.AuthnMethod == "" {
		opts.AuthnMethod = c.AuthnMethod
	}

	return opts
}
