package config

import (
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/oauth2c/oauth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AuthnNone disables token endpoint client authentication.
const AuthnNone = "none"

// Config holds all environment-based configuration for oauth2c.
type Config struct {
	// Client identity as registered with the provider.
	ClientID     string `env:"OAUTH2C_CLIENT_ID"`
	ClientSecret string `env:"OAUTH2C_CLIENT_SECRET"`

	// Token endpoint authentication method. "none" sends no credentials,
	// which suits public clients using PKCE.
	AuthnMethod string `env:"OAUTH2C_AUTHN_METHOD" envDefault:"client_secret_basic"`

	// Provider endpoints.
	AuthorizationEndpoint string `env:"OAUTH2C_AUTHORIZATION_ENDPOINT"`
	TokenEndpoint         string `env:"OAUTH2C_TOKEN_ENDPOINT"`
	RevocationEndpoint    string `env:"OAUTH2C_REVOCATION_ENDPOINT"`

	// JWKSURL, when set, is fetched at startup and its keys are trusted
	// for id_token verification.
	JWKSURL string `env:"OAUTH2C_JWKS_URL"`

	// RedirectURI defaults to http://<CallbackAddr>/callback.
	RedirectURI  string `env:"OAUTH2C_REDIRECT_URI"`
	CallbackAddr string `env:"OAUTH2C_CALLBACK_ADDR" envDefault:"127.0.0.1:8085"`

	Scope          string        `env:"OAUTH2C_SCOPE"`
	UsePKCE        bool          `env:"OAUTH2C_PKCE" envDefault:"true"`
	GrantExpiresIn int           `env:"OAUTH2C_GRANT_EXPIRES_IN" envDefault:"600"`
	HTTPTimeout    time.Duration `env:"OAUTH2C_HTTP_TIMEOUT" envDefault:"30s"`

	// KeysFile is a YAML key spec loaded into the client key store.
	KeysFile string `env:"OAUTH2C_KEYS_FILE"`

	// StateDB is the bbolt file holding grants between invocations.
	// Defaults to ~/.oauth2c/state.db.
	StateDB string `env:"OAUTH2C_STATE_DB"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"OAUTH2C_LOG_LEVEL" envDefault:"info"`

	// Development authorization server settings.
	ServerListenAddr   string        `env:"OAUTH2C_SERVER_LISTEN_ADDR" envDefault:"127.0.0.1:9096"`
	ServerIssuerURL    string        `env:"OAUTH2C_SERVER_ISSUER_URL"`
	ServerClients      string        `env:"OAUTH2C_SERVER_CLIENTS"`
	ServerRedirectURIs []string      `env:"OAUTH2C_SERVER_REDIRECT_URIS" envSeparator:"," envDefault:"http://127.0.0.1,http://localhost"`
	ServerTokenTTL     time.Duration `env:"OAUTH2C_SERVER_TOKEN_TTL" envDefault:"1h"`
	ServerRequirePKCE  bool          `env:"OAUTH2C_SERVER_REQUIRE_PKCE"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.RedirectURI == "" {
		cfg.RedirectURI = "http://" + cfg.CallbackAddr + "/callback"
	}

	if cfg.StateDB == "" {
		path, err := DefaultStateDB()
		if err != nil {
			return nil, err
		}

		cfg.StateDB = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	known := []string{AuthnNone, oauth.ClientSecretBasic, oauth.ClientSecretPost}
	if !slices.Contains(known, c.AuthnMethod) {
		return fmt.Errorf("OAUTH2C_AUTHN_METHOD must be one of client_secret_basic, client_secret_post or none, got %q", c.AuthnMethod)
	}

	if c.GrantExpiresIn <= 0 {
		return fmt.Errorf("OAUTH2C_GRANT_EXPIRES_IN must be positive")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("OAUTH2C_HTTP_TIMEOUT must be positive")
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	for name, raw := range map[string]string{
		"OAUTH2C_AUTHORIZATION_ENDPOINT": c.AuthorizationEndpoint,
		"OAUTH2C_TOKEN_ENDPOINT":         c.TokenEndpoint,
		"OAUTH2C_REVOCATION_ENDPOINT":    c.RevocationEndpoint,
		"OAUTH2C_JWKS_URL":               c.JWKSURL,
		"OAUTH2C_REDIRECT_URI":           c.RedirectURI,
		"OAUTH2C_SERVER_ISSUER_URL":      c.ServerIssuerURL,
	} {
		if raw == "" {
			continue
		}

		if err := checkURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("missing host")
	}

	return nil
}

// ValidateClient checks what the client commands need.
func (c *Config) ValidateClient() error {
	if c.ClientID == "" {
		return fmt.Errorf("OAUTH2C_CLIENT_ID is required")
	}

	if c.TokenEndpoint == "" {
		return fmt.Errorf("OAUTH2C_TOKEN_ENDPOINT is required")
	}

	if c.AuthnMethod != AuthnNone && c.ClientSecret == "" {
		return fmt.Errorf("OAUTH2C_CLIENT_SECRET is required when OAUTH2C_AUTHN_METHOD is %s", c.AuthnMethod)
	}

	return nil
}

// ValidateServer checks what the development server needs.
func (c *Config) ValidateServer() error {
	if c.ServerIssuerURL == "" {
		return fmt.Errorf("OAUTH2C_SERVER_ISSUER_URL is required for the dev server")
	}

	if c.ServerClients == "" {
		return fmt.Errorf("OAUTH2C_SERVER_CLIENTS is required for the dev server")
	}

	if c.ServerTokenTTL <= 0 {
		return fmt.Errorf("OAUTH2C_SERVER_TOKEN_TTL must be positive")
	}

	_, err := c.ParseServerClients()

	return err
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("OAUTH2C_LOG_LEVEL: %w", err)
	}

	return level, nil
}

// ClientAuthnMethod returns the method name for oauth.Client, empty for
// public clients.
func (c *Config) ClientAuthnMethod() string {
	if c.AuthnMethod == AuthnNone {
		return ""
	}

	return c.AuthnMethod
}

// Scopes splits Scope on whitespace.
func (c *Config) Scopes() []string {
	return strings.Fields(c.Scope)
}

// DefaultStateDB returns ~/.oauth2c/state.db.
func DefaultStateDB() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".oauth2c", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ClientCredential holds a pre-configured client ID and plain-text secret
// parsed from OAUTH2C_SERVER_CLIENTS. The secret is hashed before storage.
type ClientCredential struct {
	ClientID string
	Secret   string
}

const (
	// clientSecretMinLen is the minimum length for client credential secrets.
	// 16 characters is a conservative floor that allows a range of secret
	// formats (hex, base64, passphrase).
	clientSecretMinLen = 16
)

// ParseServerClients parses the OAUTH2C_SERVER_CLIENTS string.
// Format: "client1:secret1,client2:secret2"
// Secrets must be at least 16 characters long.
func (c *Config) ParseServerClients() ([]ClientCredential, error) {
	if c.ServerClients == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var creds []ClientCredential

	for _, pair := range strings.Split(c.ServerClients, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		clientID, secret, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid client credential entry (missing ':')")
		}

		if clientID == "" || secret == "" {
			return nil, fmt.Errorf("empty client_id or secret in entry %d", len(creds)+1)
		}

		if len(secret) < clientSecretMinLen {
			return nil, fmt.Errorf("client secret too short in entry %d (minimum %d characters)", len(creds)+1, clientSecretMinLen)
		}

		if _, dup := seen[clientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q in OAUTH2C_SERVER_CLIENTS", clientID)
		}

		seen[clientID] = struct{}{}
		creds = append(creds, ClientCredential{ClientID: clientID, Secret: secret})
	}

	return creds, nil
}
