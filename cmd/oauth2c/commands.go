package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/oauth2c/internal/callback"
	apperrors "github.com/alexjbarnes/oauth2c/internal/errors"
	"github.com/alexjbarnes/oauth2c/internal/models"
	"github.com/alexjbarnes/oauth2c/internal/state"
	"github.com/alexjbarnes/oauth2c/message"
	"github.com/alexjbarnes/oauth2c/oauth"
	"github.com/spf13/cobra"
)

// tokenView is the printed form of a token.
type tokenView struct {
	State        string    `json:"state"`
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
}

func viewToken(st string, t *oauth.Token) tokenView {
	return tokenView{
		State:        st,
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		Scope:        strings.Join(t.Scope, " "),
		ExpiresAt:    t.ExpiresAt,
		RefreshToken: t.RefreshToken,
		IDToken:      t.IDToken,
	}
}

// printToken prints the token of st after a flow stored it.
func (a *app) printToken(w io.Writer, st, scope string) error {
	tok, err := a.client.Token(oauth.TokenQuery{State: st, Scope: scope})
	if err != nil {
		return err
	}

	return printJSON(w, viewToken(st, tok))
}

// --- authorize / complete ---

func newAuthorizeCmd() *cobra.Command {
	var (
		scope   string
		manual  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Run the authorization code flow",
		Long: `Prints the authorization URL and waits for the provider to redirect
back to the loopback callback, then exchanges the code for tokens.

With --manual no callback server is started. Open the URL, copy the URL
the browser was redirected to and pass it to 'oauth2c complete'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.authorize(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), scope, manual, timeout)
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Space separated scopes (default OAUTH2C_SCOPE)")
	cmd.Flags().BoolVar(&manual, "manual", false, "Do not wait for the callback; finish with 'oauth2c complete'")
	cmd.Flags().DurationVar(&timeout, "timeout", callback.DefaultTimeout, "How long to wait for the callback")

	return cmd
}

func (a *app) authorize(ctx context.Context, out, msgs io.Writer, scope string, manual bool, timeout time.Duration) error {
	if a.client.AuthorizationEndpoint == "" {
		return fmt.Errorf("%w: set OAUTH2C_AUTHORIZATION_ENDPOINT", apperrors.ErrNoEndpoint)
	}

	if scope == "" {
		scope = a.cfg.Scope
	}

	st := a.client.NewSession()
	pending := models.PendingAuthorization{
		State:       st,
		Nonce:       a.client.Nonce,
		RedirectURI: a.cfg.RedirectURI,
		Scope:       scope,
		CreatedAt:   time.Now(),
	}

	ext := map[string]any{"nonce": a.client.Nonce}

	if a.cfg.UsePKCE {
		p, err := oauth.NewPKCE()
		if err != nil {
			return err
		}

		pending.CodeVerifier = p.Verifier
		maps.Copy(ext, p.AuthorizationExtensions())
	}

	var cb *callback.Server

	if !manual {
		var err error

		cb, err = callback.New(a.cfg.RedirectURI, a.logger)
		if err != nil {
			return err
		}

		if _, err := cb.Start(ctx); err != nil {
			return err
		}
		defer cb.Stop()
	}

	req, err := a.client.PrepareAuthorizationRequest(&oauth.RequestOptions{
		State:      st,
		Scope:      scope,
		Extensions: ext,
	})
	if err != nil {
		return err
	}

	if err := a.db.SavePending(a.client.ClientID, pending); err != nil {
		return fmt.Errorf("saving pending authorization: %w", err)
	}

	a.logger.Info("authorization request prepared",
		slog.String("state", st),
		slog.Bool("pkce", pending.CodeVerifier != ""),
	)

	fmt.Fprintln(msgs, "Open this URL in a browser to authorize:")
	fmt.Fprintln(out, req.URL)

	if manual {
		fmt.Fprintln(msgs, "Then run: oauth2c complete '<redirected URL>'")
		return nil
	}

	res, err := cb.Wait(ctx, st, timeout)
	if err != nil {
		return err
	}

	return a.complete(ctx, out, res.URL)
}

func newCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <redirect-url>",
		Short: "Finish a manual authorization with the URL the provider redirected to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.complete(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

// redirectState returns the state carried by an authorization redirect,
// looking at the query first and then the fragment.
func redirectState(redirectURL string) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URL: %w", err)
	}

	q := u.Query()
	if !q.Has("state") && u.Fragment != "" {
		q, err = url.ParseQuery(u.Fragment)
		if err != nil {
			return "", fmt.Errorf("parsing redirect fragment: %w", err)
		}
	}

	st := q.Get("state")
	if st == "" {
		return "", fmt.Errorf("%w: redirect carries no state", apperrors.ErrCallbackState)
	}

	return st, nil
}

// complete parses the authorization response for a pending request and
// exchanges its code.
func (a *app) complete(ctx context.Context, out io.Writer, redirectURL string) error {
	st, err := redirectState(redirectURL)
	if err != nil {
		return err
	}

	p, err := a.db.ConsumePending(a.client.ClientID, st)
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("%w: %q", apperrors.ErrNoPending, st)
	}

	if err != nil {
		return err
	}

	a.client.State = p.State
	a.client.Nonce = p.Nonce
	a.client.RedirectURIs = []string{p.RedirectURI}

	msg, err := a.client.ParseResponse(message.AuthorizationResponse, redirectURL, oauth.FormatURLEncoded, oauth.ParseOptions{State: p.State})
	if err != nil {
		return err
	}

	if msg.IsError() {
		return fmt.Errorf("%w: %w", apperrors.ErrAuthorizationError, (&oauth.Result{Message: msg}).Err())
	}

	opts := &oauth.RequestOptions{State: p.State}
	if p.CodeVerifier != "" {
		opts.Extensions = map[string]any{"code_verifier": p.CodeVerifier}
	}

	result, err := a.client.DoAccessTokenRequest(ctx, opts)
	if err != nil {
		return fmt.Errorf("exchanging code: %w", err)
	}

	if err := result.Err(); err != nil {
		return err
	}

	if err := a.save(); err != nil {
		return err
	}

	a.logger.Info("authorization complete", slog.String("state", p.State))

	return a.printToken(out, p.State, "")
}

// --- token / refresh / revoke ---

func newTokenCmd() *cobra.Command {
	var (
		st, scope string
		expired   bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the stored token of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			key, err := a.session(st)
			if err != nil {
				return err
			}

			tok, err := a.client.Token(oauth.TokenQuery{State: key, Scope: scope, AlsoExpired: expired})
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), viewToken(key, tok))
		},
	}

	cmd.Flags().StringVar(&st, "state", "", "Session state (default the active session)")
	cmd.Flags().StringVar(&scope, "scope", "", "Pick the token holding this scope")
	cmd.Flags().BoolVar(&expired, "expired", false, "Print the token even when it has expired")

	return cmd
}

func newRefreshCmd() *cobra.Command {
	var st, scope string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the token of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			key, err := a.session(st)
			if err != nil {
				return err
			}

			result, err := a.client.DoAccessTokenRefresh(cmd.Context(), &oauth.RequestOptions{State: key, Scope: scope})
			if err != nil {
				return err
			}

			if err := result.Err(); err != nil {
				return err
			}

			if err := a.save(); err != nil {
				return err
			}

			return a.printToken(cmd.OutOrStdout(), key, scope)
		},
	}

	cmd.Flags().StringVar(&st, "state", "", "Session state (default the active session)")
	cmd.Flags().StringVar(&scope, "scope", "", "Refresh the token holding this scope")

	return cmd
}

func newRevokeCmd() *cobra.Command {
	var (
		st, scope string
		forget    bool
	)

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke the access token of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.client.TokenRevocationEndpoint == "" {
				return fmt.Errorf("%w: set OAUTH2C_REVOCATION_ENDPOINT", apperrors.ErrNoEndpoint)
			}

			key, err := a.session(st)
			if err != nil {
				return err
			}

			if _, err := a.client.DoRevocateToken(cmd.Context(), &oauth.RequestOptions{State: key, Scope: scope}); err != nil {
				return err
			}

			a.logger.Info("token revoked", slog.String("state", key))

			if forget {
				if err := a.db.DeleteGrant(a.client.ClientID, key); err != nil {
					return fmt.Errorf("deleting grant: %w", err)
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "revoked")

			return nil
		},
	}

	cmd.Flags().StringVar(&st, "state", "", "Session state (default the active session)")
	cmd.Flags().StringVar(&scope, "scope", "", "Revoke the token holding this scope")
	cmd.Flags().BoolVar(&forget, "forget", false, "Also delete the grant from local state")

	return cmd
}

// --- fetch ---

func newFetchCmd() *cobra.Command {
	var (
		st, scope string
		inBody    bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Request a protected resource with the session's token",
		Long: `Requests the resource with the session's access token in the
Authorization header. An expired token is refreshed once first. With
--body the token is sent as a form parameter of a POST instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			key, err := a.session(st)
			if err != nil {
				return err
			}

			opts := &oauth.RequestOptions{State: key, Scope: scope}
			if inBody {
				opts.Method = http.MethodPost
				opts.AuthnMethod = oauth.BearerBody
			}

			resp, err := a.client.FetchProtectedResource(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			// The token may have been refreshed on the way.
			if err := a.save(); err != nil {
				return err
			}

			if resp.StatusCode >= http.StatusMultipleChoices {
				return fmt.Errorf("%w: HTTP %d", apperrors.ErrResourceRequest, resp.StatusCode)
			}

			_, err = cmd.OutOrStdout().Write(resp.Body)

			return err
		},
	}

	cmd.Flags().StringVar(&st, "state", "", "Session state (default the active session)")
	cmd.Flags().StringVar(&scope, "scope", "", "Use the token holding this scope")
	cmd.Flags().BoolVar(&inBody, "body", false, "Send the token in a form-encoded POST body")

	return cmd
}

// --- client-credentials ---

func newClientCredentialsCmd() *cobra.Command {
	var st, scope string

	cmd := &cobra.Command{
		Use:   "client-credentials",
		Short: "Obtain a token for the client itself",
		Long: `Runs the client credentials grant. The token is stored under --state,
or under "client_credentials", and that session becomes the active one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if scope == "" {
				scope = a.cfg.Scope
			}

			key := st
			if key == "" {
				key = oauth.ClientCredentialsState
			}

			result, err := a.client.DoClientCredentialsRequest(cmd.Context(), &oauth.RequestOptions{State: key, Scope: scope})
			if err != nil {
				return err
			}

			if err := result.Err(); err != nil {
				return err
			}

			a.client.State = key

			if err := a.save(); err != nil {
				return err
			}

			return a.printToken(cmd.OutOrStdout(), key, "")
		},
	}

	cmd.Flags().StringVar(&st, "state", "", "Key to store the token under")
	cmd.Flags().StringVar(&scope, "scope", "", "Space separated scopes (default OAUTH2C_SCOPE)")

	return cmd
}

// --- grants ---

type grantView struct {
	State         string    `json:"state"`
	Active        bool      `json:"active"`
	HasCode       bool      `json:"has_code"`
	CodeExpiresAt time.Time `json:"code_expires_at,omitzero"`
	Tokens        int       `json:"tokens"`
	ValidTokens   int       `json:"valid_tokens"`
}

func newGrantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grants",
		Short: "List the stored grants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return printJSON(cmd.OutOrStdout(), a.grantViews(time.Now()))
		},
	}
}

func (a *app) grantViews(now time.Time) []grantView {
	grants := a.client.Grants()
	views := make([]grantView, 0, len(grants))

	for _, key := range slices.Sorted(maps.Keys(grants)) {
		g := grants[key]
		v := grantView{
			State:         key,
			Active:        key == a.client.State,
			HasCode:       g.Code != "",
			CodeExpiresAt: g.ExpiresAt,
			Tokens:        len(g.Tokens),
		}

		for _, t := range g.Tokens {
			if !t.Replaced && t.IsValidAt(now) {
				v.ValidTokens++
			}
		}

		views = append(views, v)
	}

	return views
}
