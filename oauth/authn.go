package oauth

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/alexjbarnes/oauth2c/message"
)

// Client authentication method names.
const (
	ClientSecretBasic = "client_secret_basic"
	ClientSecretPost  = "client_secret_post"
	BearerHeader      = "bearer_header"
	BearerBody        = "bearer_body"
)

// AuthnMethod injects credentials into an outgoing request. It may mutate
// msg and opts.HTTPArgs, which is never nil when a method runs.
type AuthnMethod func(c *Client, msg *message.Message, opts *RequestOptions) error

// AuthnRegistry maps method names to implementations.
type AuthnRegistry struct {
	methods map[string]AuthnMethod
}

// NewAuthnRegistry returns a registry holding the four standard methods.
func NewAuthnRegistry() *AuthnRegistry {
	r := &AuthnRegistry{methods: make(map[string]AuthnMethod)}
	r.Register(ClientSecretBasic, clientSecretBasic)
	r.Register(ClientSecretPost, clientSecretPost)
	r.Register(BearerHeader, bearerHeader)
	r.Register(BearerBody, bearerBody)

	return r
}

// Register adds a method. Registering a name twice panics.
func (r *AuthnRegistry) Register(name string, m AuthnMethod) {
	if _, ok := r.methods[name]; ok {
		panic("oauth: authentication method registered twice: " + name)
	}

	r.methods[name] = m
}

// Get returns the method called name.
func (r *AuthnRegistry) Get(name string) (AuthnMethod, error) {
	m, ok := r.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAuthnMethod, name)
	}

	return m, nil
}

// Names lists registered methods in sorted order.
func (r *AuthnRegistry) Names() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func clientSecretBasic(c *Client, _ *message.Message, opts *RequestOptions) error {
	password := opts.HTTPArgs.Password
	if password == "" {
		password = c.clientSecret
	}

	if password == "" {
		return fmt.Errorf("%w: %s needs a client secret", ErrConfiguration, ClientSecretBasic)
	}

	opts.HTTPArgs.BasicAuth = &BasicAuth{Username: c.ClientID, Password: password}

	return nil
}

func clientSecretPost(c *Client, msg *message.Message, opts *RequestOptions) error {
	if msg.String("client_secret") == "" {
		secret := opts.HTTPArgs.ClientSecret
		opts.HTTPArgs.ClientSecret = ""

		if secret == "" {
			secret = c.clientSecret
		}

		if secret == "" {
			return fmt.Errorf("%w: %s needs a client secret", ErrConfiguration, ClientSecretPost)
		}

		if err := msg.Set("client_secret", secret); err != nil {
			return err
		}
	}

	return msg.Set("client_id", c.ClientID)
}

// bearerToken resolves the access token for the bearer methods: the message
// itself, then the caller's Args, then the grant for the active state.
func bearerToken(c *Client, msg *message.Message, opts *RequestOptions) (string, error) {
	if tok := msg.String("access_token"); tok != "" {
		return tok, nil
	}

	if tok, ok := msg.Extension("access_token"); ok {
		if s, ok := tok.(string); ok && s != "" {
			return s, nil
		}
	}

	if tok, ok := opts.Args["access_token"].(string); ok && tok != "" {
		return tok, nil
	}

	state := opts.State
	if state == "" {
		state = c.State
	}

	if state == "" {
		return "", ErrMissingState
	}

	tok, err := c.Token(TokenQuery{State: state, Scope: opts.Scope})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoTokenAvailable, err)
	}

	if tok.AccessToken == "" {
		return "", ErrNoTokenAvailable
	}

	return tok.AccessToken, nil
}

func bearerHeader(c *Client, msg *message.Message, opts *RequestOptions) error {
	tok, err := bearerToken(c, msg, opts)
	if err != nil {
		return err
	}

	// The token travels in the header only; the field stays acceptable on
	// this instance.
	msg.Delete("access_token")
	msg.AllowParam(message.Param{Name: "access_token"})

	if opts.HTTPArgs.Header == nil {
		opts.HTTPArgs.Header = make(http.Header)
	}

	opts.HTTPArgs.Header.Set("Authorization", "Bearer "+tok)

	return nil
}

func bearerBody(c *Client, msg *message.Message, opts *RequestOptions) error {
	if msg.String("access_token") != "" {
		return nil
	}

	tok, err := bearerToken(c, msg, opts)
	if err != nil {
		return err
	}

	msg.Delete("access_token")
	msg.AllowParam(message.Param{Name: "access_token"})

	return msg.Set("access_token", tok)
}
