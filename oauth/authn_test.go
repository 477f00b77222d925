package oauth

import (
	"testing"

	"github.com/alexjbarnes/oauth2c/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clientWithToken(t *testing.T, state, accessToken string) *Client {
	t.Helper()

	c := testClient(t, nil)
	g := validGrant("CODE")
	g.AddToken(&Token{AccessToken: accessToken, TokenType: "Bearer"})
	c.SetGrant(state, g)

	return c
}

// --- Registry ---

func TestAuthnRegistry_Defaults(t *testing.T) {
	r := NewAuthnRegistry()

	assert.Equal(t, []string{BearerBody, BearerHeader, ClientSecretBasic, ClientSecretPost}, r.Names())

	_, err := r.Get("private_key_jwt")
	require.ErrorIs(t, err, ErrUnknownAuthnMethod)
}

func TestAuthnRegistry_DuplicatePanics(t *testing.T) {
	r := NewAuthnRegistry()

	assert.Panics(t, func() {
		r.Register(ClientSecretBasic, clientSecretBasic)
	})
}

func TestAuthnRegistry_CustomMethod(t *testing.T) {
	r := NewAuthnRegistry()
	r.Register("api_key", func(_ *Client, _ *message.Message, opts *RequestOptions) error {
		opts.HTTPArgs.BasicAuth = nil
		opts.HTTPArgs.Header.Set("X-Api-Key", "k")
		return nil
	})

	c := testClient(t, nil, WithAuthnRegistry(r))

	req, err := c.PrepareAuthorizationRequest(&RequestOptions{
		AuthnMethod: "api_key",
		HTTPArgs:    &HTTPArgs{Header: make(map[string][]string)},
	})
	require.NoError(t, err)
	assert.Equal(t, "k", req.Header.Get("X-Api-Key"))
}

// --- client_secret_basic ---

func TestClientSecretBasic_UsesConfiguredSecret(t *testing.T) {
	c := testClient(t, nil)
	require.NoError(t, c.ConfigureClientSecret("s3cret"))

	opts := &RequestOptions{HTTPArgs: &HTTPArgs{}}
	require.NoError(t, clientSecretBasic(c, message.Empty(message.AccessTokenRequest), opts))
	assert.Equal(t, &BasicAuth{Username: "abc", Password: "s3cret"}, opts.HTTPArgs.BasicAuth)
}

func TestClientSecretBasic_PasswordOverride(t *testing.T) {
	c := testClient(t, nil)
	require.NoError(t, c.ConfigureClientSecret("s3cret"))

	opts := &RequestOptions{HTTPArgs: &HTTPArgs{Password: "other"}}
	require.NoError(t, clientSecretBasic(c, message.Empty(message.AccessTokenRequest), opts))
	assert.Equal(t, "other", opts.HTTPArgs.BasicAuth.Password)
}

func TestClientSecretBasic_NoSecret(t *testing.T) {
	c := testClient(t, nil)

	err := clientSecretBasic(c, message.Empty(message.AccessTokenRequest), &RequestOptions{HTTPArgs: &HTTPArgs{}})
	require.ErrorIs(t, err, ErrConfiguration)
}

// --- client_secret_post ---

func TestClientSecretPost_ConsumesHTTPArgsSecret(t *testing.T) {
	c := testClient(t, nil)
	require.NoError(t, c.ConfigureClientSecret("s3cret"))

	msg := message.Empty(message.AccessTokenRequest)
	opts := &RequestOptions{HTTPArgs: &HTTPArgs{ClientSecret: "from-args"}}

	require.NoError(t, clientSecretPost(c, msg, opts))
	assert.Equal(t, "from-args", msg.String("client_secret"))
	assert.Equal(t, "abc", msg.String("client_id"))
	assert.Empty(t, opts.HTTPArgs.ClientSecret)
}

func TestClientSecretPost_KeepsMessageSecret(t *testing.T) {
	c := testClient(t, nil)
	require.NoError(t, c.ConfigureClientSecret("s3cret"))

	msg := message.Empty(message.AccessTokenRequest)
	require.NoError(t, msg.Set("client_secret", "explicit"))

	require.NoError(t, clientSecretPost(c, msg, &RequestOptions{HTTPArgs: &HTTPArgs{}}))
	assert.Equal(t, "explicit", msg.String("client_secret"))
}

// --- bearer methods ---

func TestBearerHeader_FromGrant(t *testing.T) {
	c := clientWithToken(t, "s1", "AT1")
	c.State = "s1"

	opts := &RequestOptions{HTTPArgs: &HTTPArgs{}}
	require.NoError(t, bearerHeader(c, message.Empty(message.ResourceRequest), opts))
	assert.Equal(t, "Bearer AT1", opts.HTTPArgs.Header.Get("Authorization"))
}

func TestBearerHeader_MovesMessageTokenToHeader(t *testing.T) {
	c := testClient(t, nil)

	msg := message.Empty(message.ResourceRequest)
	msg.AllowParam(message.Param{Name: "access_token"})
	require.NoError(t, msg.Set("access_token", "T"))

	opts := &RequestOptions{HTTPArgs: &HTTPArgs{}}
	require.NoError(t, bearerHeader(c, msg, opts))

	assert.Equal(t, "Bearer T", opts.HTTPArgs.Header.Get("Authorization"))
	assert.False(t, msg.Has("access_token"))
	assert.True(t, msg.Recognized("access_token"))
	assert.NoError(t, msg.Verify(nil), "access_token is allowed but not required")
}

func TestBearerHeader_MissingState(t *testing.T) {
	c := testClient(t, nil)

	err := bearerHeader(c, message.Empty(message.ResourceRequest), &RequestOptions{HTTPArgs: &HTTPArgs{}})
	require.ErrorIs(t, err, ErrMissingState)
}

func TestBearerHeader_NoTokenAvailable(t *testing.T) {
	c := testClient(t, nil)

	err := bearerHeader(c, message.Empty(message.ResourceRequest), &RequestOptions{State: "unknown", HTTPArgs: &HTTPArgs{}})
	require.ErrorIs(t, err, ErrNoTokenAvailable)
	assert.ErrorIs(t, err, ErrNoGrantFound)
}

func TestBearerBody_FromArgs(t *testing.T) {
	c := testClient(t, nil)

	msg := message.Empty(message.ResourceRequest)
	opts := &RequestOptions{
		Args:     map[string]any{"access_token": "T2"},
		HTTPArgs: &HTTPArgs{},
	}

	require.NoError(t, bearerBody(c, msg, opts))
	assert.Equal(t, "T2", msg.String("access_token"))
	assert.Empty(t, opts.HTTPArgs.Header.Get("Authorization"))
	assert.Equal(t, "access_token=T2", msg.URLEncode(false))
}

func TestBearerBody_ExplicitState(t *testing.T) {
	c := clientWithToken(t, "s9", "AT9")

	msg := message.Empty(message.ResourceRequest)
	require.NoError(t, bearerBody(c, msg, &RequestOptions{State: "s9", HTTPArgs: &HTTPArgs{}}))
	assert.Equal(t, "AT9", msg.String("access_token"))
}
