package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	apperrors "github.com/alexjbarnes/oauth2c/internal/errors"
	"github.com/alexjbarnes/oauth2c/oauth"
	"github.com/spf13/cobra"
)

var Version = "dev"

// Exit codes. Scripts can tell a missing session from a failed flow.
const (
	exitError        = 1
	exitAuthRequired = 2
	exitAuthFailed   = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oauth2c",
		Short: "OAuth 2.0 client for the command line",
		Long: `oauth2c runs OAuth 2.0 flows against a provider configured through
OAUTH2C_* environment variables (or a .env file) and keeps the resulting
grants in a local state database between invocations.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newAuthorizeCmd(),
		newCompleteCmd(),
		newTokenCmd(),
		newRefreshCmd(),
		newRevokeCmd(),
		newFetchCmd(),
		newClientCredentialsCmd(),
		newGrantsCmd(),
		newHashSecretCmd(),
		newDevServerCmd(),
	)

	return root
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrNoActiveState),
		errors.Is(err, oauth.ErrMissingState),
		errors.Is(err, oauth.ErrNoGrantFound),
		errors.Is(err, oauth.ErrNoTokenFound),
		errors.Is(err, oauth.ErrExpiredToken),
		errors.Is(err, oauth.ErrGrantExpired):
		return exitAuthRequired
	case errors.Is(err, apperrors.ErrAuthorizationError),
		errors.Is(err, apperrors.ErrCallbackState),
		errors.Is(err, apperrors.ErrCallbackTimeout),
		errors.Is(err, apperrors.ErrNoPending):
		return exitAuthFailed
	}

	var er *oauth.ErrorResponse
	if errors.As(err, &er) {
		return exitAuthFailed
	}

	return exitError
}
