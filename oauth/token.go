package oauth

import (
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/alexjbarnes/oauth2c/message"
	"golang.org/x/oauth2"
)

// Token is one issued access/refresh credential pair. After creation only
// Replaced changes.
type Token struct {
	AccessToken  string   `json:"access_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	IDToken      string   `json:"id_token,omitempty"`
	Scope        []string `json:"scope,omitempty"`
	// ExpiresAt is zero for tokens that never expire.
	ExpiresAt  time.Time      `json:"expires_at,omitzero"`
	Replaced   bool           `json:"replaced,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// NewToken builds a token from a token response. A positive expires_in
// becomes an absolute expiry relative to now; zero or absent never expires.
func NewToken(resp *message.Message, now time.Time) *Token {
	t := &Token{
		AccessToken:  resp.String("access_token"),
		TokenType:    resp.String("token_type"),
		RefreshToken: resp.String("refresh_token"),
		IDToken:      resp.String("id_token"),
		Scope:        resp.List("scope"),
	}

	if n, ok := resp.Int("expires_in"); ok && n > 0 {
		t.ExpiresAt = now.Truncate(time.Second).Add(time.Duration(n) * time.Second)
	}

	ext := resp.Extensions()
	for name, v := range resp.Fields() {
		switch name {
		case "access_token", "token_type", "refresh_token", "id_token", "scope", "expires_in", "state":
		default:
			ext[name] = v
		}
	}

	if len(ext) > 0 {
		t.Extensions = ext
	}

	return t
}

// IsValid reports whether the token has not expired.
func (t *Token) IsValid() bool {
	return t.IsValidAt(time.Now())
}

// IsValidAt reports whether the token is unexpired at now.
func (t *Token) IsValidAt(now time.Time) bool {
	return t.ExpiresAt.IsZero() || !now.After(t.ExpiresAt)
}

// HasScope reports whether scope is one of the token's scopes.
func (t *Token) HasScope(scope string) bool {
	return slices.Contains(t.Scope, scope)
}

// SameScope reports whether both tokens carry the same scope set.
func (t *Token) SameScope(other *Token) bool {
	a := slices.Compact(slices.Sorted(slices.Values(t.Scope)))
	b := slices.Compact(slices.Sorted(slices.Values(other.Scope)))

	return slices.Equal(a, b)
}

// Equal compares every field.
func (t *Token) Equal(other *Token) bool {
	if other == nil {
		return false
	}

	return t.AccessToken == other.AccessToken &&
		t.TokenType == other.TokenType &&
		t.RefreshToken == other.RefreshToken &&
		t.IDToken == other.IDToken &&
		slices.Equal(t.Scope, other.Scope) &&
		t.ExpiresAt.Equal(other.ExpiresAt) &&
		t.Replaced == other.Replaced &&
		reflect.DeepEqual(t.Extensions, other.Extensions)
}

// OAuth2 converts t for use with golang.org/x/oauth2 clients.
func (t *Token) OAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}

	extra := maps.Clone(t.Extensions)
	if t.IDToken != "" {
		if extra == nil {
			extra = make(map[string]any)
		}

		extra["id_token"] = t.IDToken
	}

	if extra != nil {
		tok = tok.WithExtra(extra)
	}

	return tok
}
