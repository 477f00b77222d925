package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/alexjbarnes/oauth2c/internal/config"
	apperrors "github.com/alexjbarnes/oauth2c/internal/errors"
	"github.com/alexjbarnes/oauth2c/internal/logging"
	"github.com/alexjbarnes/oauth2c/internal/state"
	"github.com/alexjbarnes/oauth2c/keystore"
	"github.com/alexjbarnes/oauth2c/oauth"
)

// env is the configuration and logger shared by every command.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, logger: logging.NewLogger(cfg.Environment, level)}, nil
}

// app is a configured client restored from the state database.
type app struct {
	*env
	db     *state.State
	client *oauth.Client
}

// openApp loads the configuration, opens the state database and restores
// the client's grants. Close must be called when done.
func openApp(ctx context.Context) (*app, error) {
	e, err := loadEnv()
	if err != nil {
		return nil, err
	}

	if err := e.cfg.ValidateClient(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}

	db, err := state.LoadAt(e.cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	client, err := newClient(ctx, e.cfg, e.logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := db.RestoreClient(client); err != nil {
		db.Close()
		return nil, fmt.Errorf("restoring grants: %w", err)
	}

	e.logger.Debug("client ready",
		slog.String("client_id", client.ClientID),
		slog.String("active_state", client.State),
		slog.Int("grants", len(client.Grants())),
	)

	return &app{env: e, db: db, client: client}, nil
}

// newClient builds the OAuth client from cfg. Keys from the keys file and
// the JWKS URL are added to its key store.
func newClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*oauth.Client, error) {
	ks := keystore.New()

	if cfg.KeysFile != "" {
		loaded, err := keystore.LoadFile(cfg.KeysFile)
		if err != nil {
			return nil, err
		}

		ks = loaded
	}

	client := oauth.NewClient(cfg.ClientID,
		oauth.WithTimeout(cfg.HTTPTimeout),
		oauth.WithLogger(logger.With(slog.String("component", "oauth"))),
		oauth.WithKeyStore(ks),
		oauth.WithGrantExpiresIn(cfg.GrantExpiresIn),
		oauth.WithRedirectURIs(cfg.RedirectURI),
	)

	client.AuthorizationEndpoint = cfg.AuthorizationEndpoint
	client.TokenEndpoint = cfg.TokenEndpoint
	client.TokenRevocationEndpoint = cfg.RevocationEndpoint
	client.AuthnMethod = cfg.ClientAuthnMethod()

	if err := client.ConfigureClientSecret(cfg.ClientSecret); err != nil {
		return nil, err
	}

	if cfg.JWKSURL != "" {
		// Responses are verified with the keys of the endpoint they came
		// from, so the provider keys are owned by the token endpoint.
		n, err := client.LoadJWKS(ctx, cfg.JWKSURL, keystore.Verify, cfg.TokenEndpoint)
		if err != nil {
			return nil, fmt.Errorf("loading JWKS: %w", err)
		}

		logger.Debug("provider keys loaded", slog.Int("keys", n))
	}

	return client, nil
}

// Close releases the state database.
func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

// save persists the client's grants and active session.
func (a *app) save() error {
	if err := a.db.SaveClient(a.client); err != nil {
		return fmt.Errorf("saving grants: %w", err)
	}

	return nil
}

// session resolves the state a command operates on.
func (a *app) session(flagState string) (string, error) {
	if flagState != "" {
		return flagState, nil
	}

	if a.client.State == "" {
		return "", apperrors.ErrNoActiveState
	}

	return a.client.State, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
