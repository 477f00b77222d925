// Package authserver implements a small OAuth 2.0 authorization server for
// local development and end-to-end testing of the client. It auto-approves
// authorization requests for registered clients, issues opaque access and
// refresh tokens, and serves a single bearer-protected resource.
package authserver

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/oauth2c/internal/models"
	"github.com/alexjbarnes/oauth2c/internal/state"
)

// AuthCode represents a pending authorization code.
type AuthCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Scopes              []string
	ExpiresAt           time.Time
}

// Persister stores issued tokens across restarts. *state.State satisfies it.
type Persister interface {
	SaveIssuedToken(t models.IssuedToken) error
	DeleteIssuedToken(tokenHash string) error
	AllIssuedTokens() ([]models.IssuedToken, error)
}

// cleanupInterval controls how often expired entries are reaped.
const cleanupInterval = 5 * time.Minute

// Store holds codes in memory and tokens by hash, optionally persisted.
type Store struct {
	mu      sync.RWMutex
	codes   map[string]*AuthCode           // code -> AuthCode
	tokens  map[string]*models.IssuedToken // sha256(token) -> IssuedToken
	persist Persister
	logger  *slog.Logger
	now     func() time.Time
	stopGC  chan struct{}
	stopped sync.Once
}

// NewStore creates a store, loads unexpired persisted tokens, and starts a
// background goroutine that periodically removes expired entries. A nil
// persist keeps everything in memory. Call Stop to end the goroutine.
func NewStore(persist Persister, logger *slog.Logger) *Store {
	s := &Store{
		codes:   make(map[string]*AuthCode),
		tokens:  make(map[string]*models.IssuedToken),
		persist: persist,
		logger:  logger,
		now:     time.Now,
		stopGC:  make(chan struct{}),
	}

	s.load()

	go s.gcLoop()

	return s
}

func (s *Store) load() {
	if s.persist == nil {
		return
	}

	tokens, err := s.persist.AllIssuedTokens()
	if err != nil {
		s.logger.Warn("loading persisted tokens", slog.String("error", err.Error()))
		return
	}

	now := s.now()

	for i := range tokens {
		t := tokens[i]
		if t.Expired(now) {
			continue
		}

		s.tokens[t.TokenHash] = &t
	}

	s.logger.Debug("restored issued tokens", slog.Int("count", len(s.tokens)))
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopped.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes all expired codes and tokens.
func (s *Store) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, k)
		}
	}

	for k, t := range s.tokens {
		if t.Expired(now) {
			delete(s.tokens, k)
			s.forget(k)
		}
	}
}

// forget drops a token from persistence. Caller holds mu.
func (s *Store) forget(hash string) {
	if s.persist == nil {
		return
	}

	if err := s.persist.DeleteIssuedToken(hash); err != nil {
		s.logger.Warn("deleting persisted token", slog.String("error", err.Error()))
	}
}

// SaveCode stores an authorization code.
func (s *Store) SaveCode(ac *AuthCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// ConsumeCode retrieves and deletes an authorization code.
// Returns nil if not found or expired.
func (s *Store) ConsumeCode(code string) *AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}

	delete(s.codes, code)

	if s.now().After(ac.ExpiresAt) {
		return nil
	}

	return ac
}

// IssueToken creates a random token of kind and stores its hash.
func (s *Store) IssueToken(kind, clientID string, scopes []string, ttl time.Duration) (string, error) {
	raw := RandomHex(tokenBytes)
	t := &models.IssuedToken{
		TokenHash: state.HashToken(raw),
		Kind:      kind,
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: s.now().Add(ttl),
	}

	if s.persist != nil {
		if err := s.persist.SaveIssuedToken(*t); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	s.tokens[t.TokenHash] = t
	s.mu.Unlock()

	return raw, nil
}

// ValidateToken returns the token of the given kind when it exists and
// has not expired, or nil.
func (s *Store) ValidateToken(raw, kind string) *models.IssuedToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[state.HashToken(raw)]
	if !ok || t.Kind != kind || t.Expired(s.now()) {
		return nil
	}

	return t
}

// RevokeToken deletes a token of any kind owned by clientID. Unknown
// tokens and tokens of other clients are ignored, as RFC 7009 requires.
func (s *Store) RevokeToken(raw, clientID string) bool {
	hash := state.HashToken(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[hash]
	if !ok || t.ClientID != clientID {
		return false
	}

	delete(s.tokens, hash)
	s.forget(hash)

	return true
}

// tokenBytes is the number of random bytes in an issued token.
const tokenBytes = 32

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
