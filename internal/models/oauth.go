// Package models defines types shared across internal packages.
package models

import "time"

// Token kinds issued by the development authorization server.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// IssuedToken is a token issued by the development authorization server.
// Only the SHA-256 hash of the raw value is kept.
type IssuedToken struct {
	TokenHash string    `json:"token_hash"`
	Kind      string    `json:"kind"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *IssuedToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// PendingAuthorization is an authorization request awaiting its callback.
// It holds what the token exchange needs later: the PKCE verifier, the
// nonce and the redirect URI the code is bound to.
type PendingAuthorization struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce,omitempty"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	RedirectURI  string    `json:"redirect_uri"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
