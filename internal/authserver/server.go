package authserver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/oauth2c/oauth"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	codeExpiry = 5 * time.Minute

	// refreshTTLFactor scales the access token lifetime for refresh tokens.
	refreshTTLFactor = 24

	signingKeyID = "oauth2c-dev"
)

// Endpoint paths relative to the issuer.
const (
	PathAuthorize  = "/oauth/authorize"
	PathToken      = "/oauth/token"
	PathRevoke     = "/oauth/revoke"
	PathRegister   = "/oauth/register"
	PathJWKS       = "/oauth/jwks"
	PathResource   = "/resource"
	PathASMetadata = "/.well-known/oauth-authorization-server"
)

// ClientSpec registers a client with a plain-text secret.
type ClientSpec struct {
	ID           string
	Secret       string
	RedirectURIs []string
}

// Config holds the settings of a Server.
type Config struct {
	Issuer   string
	TokenTTL time.Duration
	Clients  []ClientSpec
	// RequirePKCE rejects authorization requests without a code challenge.
	RequirePKCE bool
	Persist     Persister
	Logger      *slog.Logger
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Server is the development authorization server. Its handlers are
// registered on a mux by the server package.
type Server struct {
	oauth       *oauth.Server
	store       *Store
	issuer      string
	tokenTTL    time.Duration
	requirePKCE bool
	signer      *ecdsa.PrivateKey
	bcryptCost  int
	logger      *slog.Logger
}

// New hashes the client secrets, registers the clients and generates the
// id_token signing key.
func New(cfg Config) (*Server, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	srv := oauth.NewServer(nil)

	for _, c := range cfg.Clients {
		hash, err := bcrypt.GenerateFromPassword([]byte(c.Secret), cost)
		if err != nil {
			return nil, fmt.Errorf("hashing secret for %s: %w", c.ID, err)
		}

		if err := srv.RegisterClient(c.ID, hash, c.RedirectURIs); err != nil {
			return nil, err
		}
	}

	signer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	return &Server{
		oauth:       srv,
		store:       NewStore(cfg.Persist, logger),
		issuer:      strings.TrimRight(cfg.Issuer, "/"),
		tokenTTL:    ttl,
		requirePKCE: cfg.RequirePKCE,
		signer:      signer,
		bcryptCost:  cost,
		logger:      logger,
	}, nil
}

// Issuer returns the issuer identifier without a trailing slash.
func (s *Server) Issuer() string {
	return s.issuer
}

// Store returns the token store.
func (s *Server) Store() *Store {
	return s.store
}

// Close stops background work.
func (s *Server) Close() {
	s.store.Stop()
}

// signIDToken issues an ES256 id_token for clientID.
func (s *Server) signIDToken(clientID, nonce string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": clientID,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(s.tokenTTL).Unix(),
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = signingKeyID

	return token.SignedString(s.signer)
}

// jwks returns the public signing key as a JSON Web Key Set.
func (s *Server) jwks() (map[string]any, error) {
	pub, err := s.signer.PublicKey.ECDH()
	if err != nil {
		return nil, err
	}

	// Uncompressed point: 0x04 || X || Y.
	point := pub.Bytes()
	size := (len(point) - 1) / 2

	return map[string]any{
		"keys": []map[string]string{{
			"kty": "EC",
			"crv": "P-256",
			"use": "sig",
			"alg": "ES256",
			"kid": signingKeyID,
			"x":   base64.RawURLEncoding.EncodeToString(point[1 : 1+size]),
			"y":   base64.RawURLEncoding.EncodeToString(point[1+size:]),
		}},
	}, nil
}
