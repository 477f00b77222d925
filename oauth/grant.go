package oauth

import (
	"maps"
	"time"

	"github.com/alexjbarnes/oauth2c/message"
)

// DefaultGrantExpiresIn is the authorization code lifetime in seconds used
// when none is configured.
const DefaultGrantExpiresIn = 600

// Grant is one authorization exchange: its code and the tokens issued for
// it, in issuance order. At most one non-replaced token exists per scope
// set.
type Grant struct {
	// ExpiresIn is the code lifetime in seconds.
	ExpiresIn  int            `json:"expires_in"`
	Code       string         `json:"code,omitempty"`
	ExpiresAt  time.Time      `json:"expires_at,omitzero"`
	Tokens     []*Token       `json:"tokens,omitempty"`
	IDToken    string         `json:"id_token,omitempty"`
	Seed       string         `json:"seed,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// NewGrant returns an empty grant. A non-positive expiresIn selects
// DefaultGrantExpiresIn.
func NewGrant(expiresIn int) *Grant {
	if expiresIn <= 0 {
		expiresIn = DefaultGrantExpiresIn
	}

	return &Grant{ExpiresIn: expiresIn}
}

// GrantFromResponse creates a grant and applies resp to it.
func GrantFromResponse(resp *message.Message, expiresIn int, now time.Time) *Grant {
	g := NewGrant(expiresIn)
	g.Update(resp, now)

	return g
}

// IsValid reports whether the code is still exchangeable.
func (g *Grant) IsValid() bool {
	return g.IsValidAt(time.Now())
}

// IsValidAt reports whether the code is unexpired at now. A grant that
// never received a code is not valid.
func (g *Grant) IsValidAt(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.After(g.ExpiresAt)
}

// Update routes a parsed response into the grant. Token responses that
// carry an access or identity token add a token; anything else is treated
// as a fresh authorization code.
func (g *Grant) Update(resp *message.Message, now time.Time) {
	switch resp.Schema().Kind {
	case message.KindToken:
		if !resp.Has("access_token") && !resp.Has("id_token") {
			g.addCode(resp, now)
			return
		}

		if idToken := resp.String("id_token"); idToken != "" {
			g.IDToken = idToken
		}

		g.AddToken(NewToken(resp, now))
	case message.KindAuthorization:
		g.addCode(resp, now)
	}
}

func (g *Grant) addCode(resp *message.Message, now time.Time) {
	code := resp.String("code")
	if code == "" {
		return
	}

	g.Code = code
	g.ExpiresAt = now.Truncate(time.Second).Add(time.Duration(g.ExpiresIn) * time.Second)

	if ext := resp.Extensions(); len(ext) > 0 {
		if g.Extensions == nil {
			g.Extensions = make(map[string]any, len(ext))
		}

		maps.Copy(g.Extensions, ext)
	}
}

// AddToken appends tok unless an equal token is already held, marking
// every earlier token with the same scope set as replaced.
func (g *Grant) AddToken(tok *Token) {
	for _, existing := range g.Tokens {
		if existing.Equal(tok) {
			return
		}
	}

	for _, existing := range g.Tokens {
		if existing.SameScope(tok) {
			existing.Replaced = true
		}
	}

	g.Tokens = append(g.Tokens, tok)
}

// GetToken returns, with scope set, the first non-replaced token holding
// that scope; otherwise the first non-replaced token that is still valid.
func (g *Grant) GetToken(scope string) *Token {
	return g.GetTokenAt(scope, time.Now())
}

// GetTokenAt is GetToken evaluated at now.
func (g *Grant) GetTokenAt(scope string, now time.Time) *Token {
	for _, tok := range g.Tokens {
		if tok.Replaced {
			continue
		}

		if scope != "" {
			if tok.HasScope(scope) {
				return tok
			}

			continue
		}

		if tok.IsValidAt(now) {
			return tok
		}
	}

	return nil
}

// current returns the first non-replaced token regardless of expiry.
func (g *Grant) current() *Token {
	for _, tok := range g.Tokens {
		if !tok.Replaced {
			return tok
		}
	}

	return nil
}

// Join merges donor into g. The receiver keeps its own lifetime, expiry
// and seed when set and absorbs donor tokens it does not already hold.
func (g *Grant) Join(donor *Grant) {
	if g.ExpiresIn == 0 {
		g.ExpiresIn = donor.ExpiresIn
	}

	if g.ExpiresAt.IsZero() {
		g.ExpiresAt = donor.ExpiresAt
	}

	if g.Seed == "" {
		g.Seed = donor.Seed
	}

	for _, tok := range donor.Tokens {
		g.AddToken(tok)
	}
}
