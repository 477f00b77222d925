package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/oauth2c/internal/authserver"
	"github.com/alexjbarnes/oauth2c/internal/config"
	apperrors "github.com/alexjbarnes/oauth2c/internal/errors"
	"github.com/alexjbarnes/oauth2c/internal/server"
	"github.com/alexjbarnes/oauth2c/internal/state"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Read a client secret from stdin and print its bcrypt hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Enter secret: ")

			hash, err := hashSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}
}

func hashSecret(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return "", apperrors.ErrEmptyInput
	}

	secret := strings.TrimSpace(scanner.Text())
	if secret == "" {
		return "", apperrors.ErrEmptyInput
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

func newDevServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dev-server",
		Short: "Run a local authorization server for testing",
		Long: `Serves an authorization server that approves every request from the
clients in OAUTH2C_SERVER_CLIENTS without a login step, plus a bearer
protected resource at /resource. Issued tokens are kept in the state
database so they survive restarts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}

			return runDevServer(cmd.Context(), e.cfg, e.logger)
		},
	}
}

func runDevServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	creds, err := cfg.ParseServerClients()
	if err != nil {
		return err
	}

	clients := make([]authserver.ClientSpec, 0, len(creds))
	for _, c := range creds {
		clients = append(clients, authserver.ClientSpec{
			ID:           c.ClientID,
			Secret:       c.Secret,
			RedirectURIs: cfg.ServerRedirectURIs,
		})
	}

	db, err := state.LoadAt(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer db.Close()

	srvLogger := logger.With(slog.String("service", "authserver"))

	auth, err := authserver.New(authserver.Config{
		Issuer:      cfg.ServerIssuerURL,
		TokenTTL:    cfg.ServerTokenTTL,
		Clients:     clients,
		RequirePKCE: cfg.ServerRequirePKCE,
		Persist:     db,
		Logger:      srvLogger,
	})
	if err != nil {
		return err
	}
	defer auth.Close()

	httpServer := server.New(cfg.ServerListenAddr, server.MuxConfig{Auth: auth, Logger: srvLogger})

	srvLogger.Info("starting development authorization server",
		slog.String("listen", cfg.ServerListenAddr),
		slog.String("issuer", auth.Issuer()),
		slog.Int("clients", len(clients)),
		slog.Bool("require_pkce", cfg.ServerRequirePKCE),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("authorization server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		srvLogger.Info("shutting down authorization server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
