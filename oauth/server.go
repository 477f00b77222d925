package oauth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/alexjbarnes/oauth2c/keystore"
	"github.com/alexjbarnes/oauth2c/message"
	"golang.org/x/crypto/bcrypt"
)

// Server-side errors.
var (
	ErrUnknownClient      = errors.New("unknown client")
	ErrInvalidClient      = errors.New("client authentication failed")
	ErrDuplicateClient    = errors.New("client already registered")
	ErrConflictingAuthn   = errors.New("client authenticated with more than one method")
	ErrMissingClientCreds = errors.New("no client credentials presented")
)

// RegisteredClient is a confidential client known to a Server.
type RegisteredClient struct {
	ID           string
	SecretHash   []byte
	RedirectURIs []string
}

// Server parses and verifies the requests an authorization server
// receives. Clients may be registered while requests are served.
type Server struct {
	KeyStore *keystore.KeyStore

	mu      sync.RWMutex
	clients map[string]*RegisteredClient
}

// NewServer creates a server. A nil ks gets an empty key store.
func NewServer(ks *keystore.KeyStore) *Server {
	if ks == nil {
		ks = keystore.New()
	}

	return &Server{KeyStore: ks, clients: make(map[string]*RegisteredClient)}
}

// ParseURLRequest decodes the query of rawURL, or query when rawURL is
// empty, as schema and verifies it.
func (s *Server) ParseURLRequest(schema *message.Schema, rawURL, query string, extended bool) (*message.Message, error) {
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parsing request URL: %w", err)
		}

		query = u.RawQuery
	}

	req, err := message.ParseURLEncoded(schema, query, extended)
	if err != nil {
		return nil, err
	}

	if err := req.Verify(nil); err != nil {
		return nil, err
	}

	return req, nil
}

// ParseAuthorizationRequest decodes an authorization request URL or query.
func (s *Server) ParseAuthorizationRequest(rawURL, query string, extended bool) (*message.Message, error) {
	return s.ParseURLRequest(message.AuthorizationRequest, rawURL, query, extended)
}

// ParseBodyRequest decodes a form or JSON body as schema and verifies it.
func (s *Server) ParseBodyRequest(schema *message.Schema, body string, format Format, extended bool) (*message.Message, error) {
	var (
		req *message.Message
		err error
	)

	switch format {
	case FormatURLEncoded, FormatNone:
		req, err = message.ParseURLEncoded(schema, body, extended)
	case FormatJSON:
		req, err = message.ParseJSON(schema, []byte(body), extended)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if err != nil {
		return nil, err
	}

	if err := req.Verify(nil); err != nil {
		return nil, err
	}

	return req, nil
}

// ParseTokenRequest decodes an authorization code exchange body.
func (s *Server) ParseTokenRequest(body string, extended bool) (*message.Message, error) {
	return s.ParseBodyRequest(message.AccessTokenRequest, body, FormatURLEncoded, extended)
}

// ParseRefreshTokenRequest decodes a refresh body.
func (s *Server) ParseRefreshTokenRequest(body string, extended bool) (*message.Message, error) {
	return s.ParseBodyRequest(message.RefreshAccessTokenRequest, body, FormatURLEncoded, extended)
}

// ParseRevocationRequest decodes a revocation body.
func (s *Server) ParseRevocationRequest(body string, extended bool) (*message.Message, error) {
	return s.ParseBodyRequest(message.TokenRevocationRequest, body, FormatURLEncoded, extended)
}

// ParseClientCredentialsRequest decodes a client credentials body.
func (s *Server) ParseClientCredentialsRequest(body string, extended bool) (*message.Message, error) {
	return s.ParseBodyRequest(message.ClientCredentialsRequest, body, FormatURLEncoded, extended)
}

// ParseJWTRequest decodes a request object. With verify, the signature must
// match one of the verify keys of any owner.
func (s *Server) ParseJWTRequest(schema *message.Schema, raw string, verify, extended bool) (*message.Message, error) {
	var keys keystore.TypedKeys

	if verify {
		var err error

		keys, err = s.KeyStore.KeysByType(keystore.Verify, "")
		if err != nil {
			return nil, err
		}
	}

	req, err := message.FromJWT(schema, raw, keys, verify, extended)
	if err != nil {
		return nil, err
	}

	if err := req.Verify(nil); err != nil {
		return nil, err
	}

	return req, nil
}

// RegisterClient adds a confidential client. secretHash is a bcrypt hash.
func (s *Server) RegisterClient(id string, secretHash []byte, redirectURIs []string) error {
	if _, err := bcrypt.Cost(secretHash); err != nil {
		return fmt.Errorf("client %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClient, id)
	}

	s.clients[id] = &RegisteredClient{ID: id, SecretHash: secretHash, RedirectURIs: redirectURIs}

	return nil
}

// Client returns the registered client with id.
func (s *Server) Client(id string) (*RegisteredClient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	return c, ok
}

// AuthenticateClient checks client_secret_basic credentials in header or
// client_secret_post credentials in msg. Presenting both is an error
// (RFC 6749 section 2.3). It returns the authenticated client.
func (s *Server) AuthenticateClient(header http.Header, msg *message.Message) (*RegisteredClient, error) {
	r := &http.Request{Header: header}
	basicID, basicSecret, hasBasic := r.BasicAuth()

	postID := msg.String("client_id")
	postSecret := msg.String("client_secret")
	hasPost := postSecret != ""

	var id, secret string

	switch {
	case hasBasic && hasPost:
		return nil, ErrConflictingAuthn
	case hasBasic:
		id, secret = basicID, basicSecret
		if postID != "" && subtle.ConstantTimeCompare([]byte(postID), []byte(id)) != 1 {
			return nil, fmt.Errorf("%w: client_id does not match credentials", ErrInvalidClient)
		}
	case hasPost:
		id, secret = postID, postSecret
	default:
		return nil, ErrMissingClientCreds
	}

	client, ok := s.Client(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}

	if err := bcrypt.CompareHashAndPassword(client.SecretHash, []byte(secret)); err != nil {
		return nil, ErrInvalidClient
	}

	return client, nil
}
