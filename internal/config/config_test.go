package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"OAUTH2C_CLIENT_ID",
		"OAUTH2C_CLIENT_SECRET",
		"OAUTH2C_AUTHN_METHOD",
		"OAUTH2C_AUTHORIZATION_ENDPOINT",
		"OAUTH2C_TOKEN_ENDPOINT",
		"OAUTH2C_REVOCATION_ENDPOINT",
		"OAUTH2C_JWKS_URL",
		"OAUTH2C_REDIRECT_URI",
		"OAUTH2C_CALLBACK_ADDR",
		"OAUTH2C_SCOPE",
		"OAUTH2C_PKCE",
		"OAUTH2C_GRANT_EXPIRES_IN",
		"OAUTH2C_HTTP_TIMEOUT",
		"OAUTH2C_KEYS_FILE",
		"OAUTH2C_STATE_DB",
		"ENVIRONMENT",
		"OAUTH2C_LOG_LEVEL",
		"OAUTH2C_SERVER_LISTEN_ADDR",
		"OAUTH2C_SERVER_ISSUER_URL",
		"OAUTH2C_SERVER_CLIENTS",
		"OAUTH2C_SERVER_REDIRECT_URIS",
		"OAUTH2C_SERVER_TOKEN_TTL",
		"OAUTH2C_SERVER_REQUIRE_PKCE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	// Keep the default state path inside the test sandbox.
	t.Setenv("HOME", t.TempDir())
}

// setClientEnv sets the minimum env vars for the client commands.
func setClientEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OAUTH2C_CLIENT_ID", "abc")
	t.Setenv("OAUTH2C_CLIENT_SECRET", "s3cret")
	t.Setenv("OAUTH2C_TOKEN_ENDPOINT", "https://as.example.com/token")
	t.Setenv("OAUTH2C_AUTHORIZATION_ENDPOINT", "https://as.example.com/authorize")
}

// setServerEnv sets the minimum env vars for the dev server.
func setServerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OAUTH2C_SERVER_ISSUER_URL", "http://127.0.0.1:9096")
	t.Setenv("OAUTH2C_SERVER_CLIENTS", "abc:0123456789abcdef")
}

// --- Load: defaults ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "client_secret_basic", cfg.AuthnMethod)
	assert.Equal(t, "127.0.0.1:8085", cfg.CallbackAddr)
	assert.Equal(t, "http://127.0.0.1:8085/callback", cfg.RedirectURI)
	assert.True(t, cfg.UsePKCE)
	assert.Equal(t, 600, cfg.GrantExpiresIn)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Hour, cfg.ServerTokenTTL)
	assert.False(t, cfg.ServerRequirePKCE)
	assert.Equal(t, []string{"http://127.0.0.1", "http://localhost"}, cfg.ServerRedirectURIs)
	assert.Equal(t, "state.db", filepath.Base(cfg.StateDB))
}

func TestLoad_RedirectURIFollowsCallbackAddr(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH2C_CALLBACK_ADDR", "127.0.0.1:9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9999/callback", cfg.RedirectURI)
}

func TestLoad_ExplicitRedirectURI(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH2C_REDIRECT_URI", "https://app.example.com/cb")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/cb", cfg.RedirectURI)
}

func TestLoad_ExplicitStateDB(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "grants.db")
	t.Setenv("OAUTH2C_STATE_DB", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, cfg.StateDB)
}

// --- Load: validation ---

func TestLoad_UnknownAuthnMethod(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH2C_AUTHN_METHOD", "private_key_jwt")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH2C_AUTHN_METHOD")
}

func TestLoad_AuthnMethodNone(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH2C_AUTHN_METHOD", "none")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, AuthnNone, cfg.AuthnMethod)
	assert.Empty(t, cfg.ClientAuthnMethod())
}

func TestLoad_EmptyAuthnMethodUsesDefault(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH2C_AUTHN_METHOD", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "client_secret_basic", cfg.ClientAuthnMethod())
}

func TestLoad_InvalidGrantExpiresIn(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH2C_GRANT_EXPIRES_IN", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH2C_GRANT_EXPIRES_IN")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH2C_LOG_LEVEL", "loud")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH2C_LOG_LEVEL")
}

func TestLoad_InvalidEndpointScheme(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH2C_TOKEN_ENDPOINT", "ftp://as.example.com/token")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH2C_TOKEN_ENDPOINT")
}

func TestLoad_EndpointMissingHost(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH2C_AUTHORIZATION_ENDPOINT", "https:///authorize")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing host")
}

func TestLoad_BadDuration(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH2C_HTTP_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
}

// --- ValidateClient ---

func TestValidateClient_AllPresent(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateClient())
}

func TestValidateClient_MissingClientID(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)
	os.Unsetenv("OAUTH2C_CLIENT_ID")

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.ValidateClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH2C_CLIENT_ID")
}

func TestValidateClient_MissingTokenEndpoint(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)
	os.Unsetenv("OAUTH2C_TOKEN_ENDPOINT")

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.ValidateClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH2C_TOKEN_ENDPOINT")
}

func TestValidateClient_SecretRequiredForAuthn(t *testing.T) {
	cfg := &Config{ClientID: "abc", TokenEndpoint: "https://as.example.com/token", AuthnMethod: "client_secret_post"}

	err := cfg.ValidateClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH2C_CLIENT_SECRET")
}

func TestValidateClient_PublicClient(t *testing.T) {
	cfg := &Config{ClientID: "abc", TokenEndpoint: "https://as.example.com/token", AuthnMethod: AuthnNone}

	assert.NoError(t, cfg.ValidateClient())
}

// --- ValidateServer ---

func TestValidateServer_AllPresent(t *testing.T) {
	clearConfigEnv(t)
	setServerEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateServer())
}

func TestValidateServer_MissingIssuer(t *testing.T) {
	clearConfigEnv(t)
	setServerEnv(t)
	os.Unsetenv("OAUTH2C_SERVER_ISSUER_URL")

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.ValidateServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH2C_SERVER_ISSUER_URL")
}

func TestValidateServer_MissingClients(t *testing.T) {
	clearConfigEnv(t)
	setServerEnv(t)
	os.Unsetenv("OAUTH2C_SERVER_CLIENTS")

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.ValidateServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH2C_SERVER_CLIENTS")
}

func TestValidateServer_BadClients(t *testing.T) {
	cfg := &Config{ServerIssuerURL: "http://127.0.0.1:9096", ServerClients: "abc:short", ServerTokenTTL: time.Hour}

	err := cfg.ValidateServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

// --- Helpers ---

func TestLevel(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	cfg.LogLevel = "WARN"
	level, err = cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}

func TestScopes(t *testing.T) {
	cfg := &Config{Scope: " openid  profile email "}
	assert.Equal(t, []string{"openid", "profile", "email"}, cfg.Scopes())

	cfg.Scope = ""
	assert.Empty(t, cfg.Scopes())
}

func TestDefaultStateDB(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := DefaultStateDB()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".oauth2c", "state.db"), path)
}

func TestIsProduction_True(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
}

func TestIsProduction_False(t *testing.T) {
	for _, env := range []string{"development", "staging", ""} {
		cfg := &Config{Environment: env}
		assert.False(t, cfg.IsProduction(), "env=%q", env)
	}
}

// --- ParseServerClients ---

func TestParseServerClients_Valid(t *testing.T) {
	cfg := &Config{ServerClients: "abc:0123456789abcdef, cli:fedcba9876543210fedc"}

	creds, err := cfg.ParseServerClients()
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "abc", creds[0].ClientID)
	assert.Equal(t, "0123456789abcdef", creds[0].Secret)
	assert.Equal(t, "cli", creds[1].ClientID)
}

func TestParseServerClients_SecretWithColon(t *testing.T) {
	cfg := &Config{ServerClients: "abc:0123:456789abcdef"}

	creds, err := cfg.ParseServerClients()
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "0123:456789abcdef", creds[0].Secret)
}

func TestParseServerClients_Empty(t *testing.T) {
	cfg := &Config{}

	creds, err := cfg.ParseServerClients()
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestParseServerClients_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"missing colon", "abc", "missing ':'"},
		{"empty id", ":0123456789abcdef", "empty client_id"},
		{"empty secret", "abc:", "empty client_id"},
		{"short secret", "abc:short", "too short"},
		{"duplicate", "abc:0123456789abcdef,abc:fedcba9876543210", "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{ServerClients: tt.raw}

			_, err := cfg.ParseServerClients()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
