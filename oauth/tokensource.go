package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// tokenSource serves the client's token for one state and refreshes it
// through the client when it has expired.
type tokenSource struct {
	ctx       context.Context
	mu        sync.Mutex
	client    *Client
	state     string
	onRefresh func(*Token)
}

// TokenSource returns an oauth2.TokenSource for the grant of state, so the
// client's tokens can drive an oauth2.Transport. onRefresh, when non-nil,
// is called with every token obtained by a refresh. The source serializes
// its own use of the client; other users of the client must not run
// concurrently with it.
func (c *Client) TokenSource(ctx context.Context, state string, onRefresh func(*Token)) oauth2.TokenSource {
	ts := &tokenSource{
		ctx:       ctx,
		client:    c,
		state:     c.stateOrActive(state),
		onRefresh: onRefresh,
	}

	tok, err := c.Token(TokenQuery{State: ts.state})
	if err != nil {
		return oauth2.ReuseTokenSource(nil, ts)
	}

	return oauth2.ReuseTokenSource(tok.OAuth2(), ts)
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	tok, err := ts.client.Token(TokenQuery{State: ts.state})
	if err == nil {
		return tok.OAuth2(), nil
	}

	if !errors.Is(err, ErrExpiredToken) {
		return nil, err
	}

	result, err := ts.client.DoAccessTokenRefresh(ts.ctx, &RequestOptions{State: ts.state})
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	tok, err = ts.client.Token(TokenQuery{State: ts.state})
	if err != nil {
		return nil, err
	}

	if ts.onRefresh != nil {
		ts.onRefresh(tok)
	}

	return tok.OAuth2(), nil
}
