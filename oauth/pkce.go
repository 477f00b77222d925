package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// pkceVerifierBytes gives the code verifier 256 bits of entropy.
const pkceVerifierBytes = 32

// PKCEMethodS256 is the only challenge method generated.
const PKCEMethodS256 = "S256"

// PKCE is a proof key for code exchange pair (RFC 7636).
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE generates a verifier and its S256 challenge.
func NewPKCE() (*PKCE, error) {
	b := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating PKCE verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(b)

	return &PKCE{
		Verifier:  verifier,
		Challenge: s256(verifier),
		Method:    PKCEMethodS256,
	}, nil
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthorizationExtensions are the parameters to pass as
// RequestOptions.Extensions on the authorization request.
func (p *PKCE) AuthorizationExtensions() map[string]any {
	return map[string]any{
		"code_challenge":        p.Challenge,
		"code_challenge_method": p.Method,
	}
}

// TokenExtensions are the parameters to pass as RequestOptions.Extensions
// on the code exchange.
func (p *PKCE) TokenExtensions() map[string]any {
	return map[string]any{"code_verifier": p.Verifier}
}

// VerifyPKCE checks a code verifier against a stored challenge. Only S256
// is accepted.
func VerifyPKCE(verifier, challenge, method string) bool {
	if method != PKCEMethodS256 || verifier == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(s256(verifier)), []byte(challenge)) == 1
}
