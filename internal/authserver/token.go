package authserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"slices"

	"github.com/alexjbarnes/oauth2c/internal/models"
	"github.com/alexjbarnes/oauth2c/message"
	"github.com/alexjbarnes/oauth2c/oauth"
	"github.com/tidwall/gjson"
)

// maxRequestBody caps token and revocation request bodies.
const maxRequestBody = 64 << 10

// tokenError is an RFC 6749 Section 5.2 error with its HTTP status.
type tokenError struct {
	status      int
	code        string
	description string
}

func (e *tokenError) Error() string { return e.code + ": " + e.description }

func invalidRequest(desc string) *tokenError {
	return &tokenError{http.StatusBadRequest, "invalid_request", desc}
}

func invalidGrant(desc string) *tokenError {
	return &tokenError{http.StatusBadRequest, "invalid_grant", desc}
}

// writeJSONError writes an OAuth error body.
func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth2c"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

func writeTokenError(w http.ResponseWriter, err error) {
	var te *tokenError
	if !errors.As(err, &te) {
		te = &tokenError{http.StatusInternalServerError, "server_error", "internal error"}
	}

	writeJSONError(w, te.status, te.code, te.description)
}

// readBody returns the request body and its format. JSON bodies are
// accepted alongside the standard form encoding.
func readBody(w http.ResponseWriter, r *http.Request) (string, oauth.Format, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return "", "", invalidRequest("unreadable request body")
	}

	format := oauth.FormatURLEncoded
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		format = oauth.FormatJSON
	}

	return string(body), format, nil
}

// grantType peeks at grant_type so the body can be parsed with the
// matching schema.
func grantType(body string, format oauth.Format) string {
	if format == oauth.FormatJSON {
		return gjson.Get(body, "grant_type").String()
	}

	vals, err := url.ParseQuery(body)
	if err != nil {
		return ""
	}

	return vals.Get("grant_type")
}

func (s *Server) authenticate(r *http.Request, msg *message.Message) (*oauth.RegisteredClient, error) {
	client, err := s.oauth.AuthenticateClient(r.Header, msg)
	if err != nil {
		s.logger.Warn("client authentication failed", slog.String("error", err.Error()))

		if errors.Is(err, oauth.ErrConflictingAuthn) {
			return nil, invalidRequest("client authenticated with more than one method")
		}

		return nil, &tokenError{http.StatusUnauthorized, "invalid_client", "client authentication failed"}
	}

	return client, nil
}

// HandleToken returns the token endpoint handler. It serves the
// authorization_code, refresh_token and client_credentials grants.
func (s *Server) HandleToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, format, err := readBody(w, r)
		if err != nil {
			writeTokenError(w, err)
			return
		}

		var resp *message.Message

		switch gt := grantType(body, format); gt {
		case "authorization_code":
			resp, err = s.exchangeCode(r, body, format)
		case "refresh_token":
			resp, err = s.refresh(r, body, format)
		case "client_credentials":
			resp, err = s.clientCredentials(r, body, format)
		case "":
			err = invalidRequest("grant_type is required")
		default:
			err = &tokenError{http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type " + gt}
		}

		if err != nil {
			writeTokenError(w, err)
			return
		}

		data, err := resp.JSON()
		if err != nil {
			writeTokenError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_, _ = w.Write(data)
	}
}

func (s *Server) exchangeCode(r *http.Request, body string, format oauth.Format) (*message.Message, error) {
	req, err := s.oauth.ParseBodyRequest(message.AccessTokenRequest, body, format, true)
	if err != nil {
		return nil, invalidRequest(err.Error())
	}

	client, err := s.authenticate(r, req)
	if err != nil {
		return nil, err
	}

	ac := s.store.ConsumeCode(req.String("code"))
	if ac == nil {
		return nil, invalidGrant("invalid or expired authorization code")
	}

	if ac.ClientID != client.ID {
		return nil, invalidGrant("authorization code was issued to another client")
	}

	if req.String("redirect_uri") != ac.RedirectURI {
		return nil, invalidGrant("redirect_uri mismatch")
	}

	if ac.CodeChallenge != "" {
		verifier := extensionString(req, "code_verifier")
		if verifier == "" {
			return nil, invalidGrant("code_verifier is required")
		}

		if !oauth.VerifyPKCE(verifier, ac.CodeChallenge, ac.CodeChallengeMethod) {
			return nil, invalidGrant("PKCE verification failed")
		}
	}

	idToken := ""

	if slices.Contains(ac.Scopes, "openid") {
		idToken, err = s.signIDToken(client.ID, ac.Nonce, s.store.now())
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("authorization code exchanged", slog.String("client_id", client.ID))

	return s.issue(client.ID, ac.Scopes, true, idToken)
}

func (s *Server) refresh(r *http.Request, body string, format oauth.Format) (*message.Message, error) {
	req, err := s.oauth.ParseBodyRequest(message.RefreshAccessTokenRequest, body, format, true)
	if err != nil {
		return nil, invalidRequest(err.Error())
	}

	client, err := s.authenticate(r, req)
	if err != nil {
		return nil, err
	}

	old := s.store.ValidateToken(req.String("refresh_token"), models.KindRefresh)
	if old == nil || old.ClientID != client.ID {
		return nil, invalidGrant("invalid or expired refresh token")
	}

	scopes := old.Scopes

	if requested := req.List("scope"); len(requested) > 0 {
		for _, sc := range requested {
			if !slices.Contains(old.Scopes, sc) {
				return nil, &tokenError{http.StatusBadRequest, "invalid_scope", "scope exceeds the original grant"}
			}
		}

		scopes = requested
	}

	// Rotate: the presented refresh token is single-use.
	s.store.RevokeToken(req.String("refresh_token"), client.ID)

	s.logger.Info("token refreshed", slog.String("client_id", client.ID))

	return s.issue(client.ID, scopes, true, "")
}

func (s *Server) clientCredentials(r *http.Request, body string, format oauth.Format) (*message.Message, error) {
	req, err := s.oauth.ParseBodyRequest(message.ClientCredentialsRequest, body, format, true)
	if err != nil {
		return nil, invalidRequest(err.Error())
	}

	client, err := s.authenticate(r, req)
	if err != nil {
		return nil, err
	}

	s.logger.Info("client credentials token issued", slog.String("client_id", client.ID))

	return s.issue(client.ID, req.List("scope"), false, "")
}

// issue creates the token response. The scope is always echoed.
func (s *Server) issue(clientID string, scopes []string, withRefresh bool, idToken string) (*message.Message, error) {
	access, err := s.store.IssueToken(models.KindAccess, clientID, scopes, s.tokenTTL)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   int64(s.tokenTTL.Seconds()),
	}

	if len(scopes) > 0 {
		fields["scope"] = scopes
	}

	if withRefresh {
		refresh, err := s.store.IssueToken(models.KindRefresh, clientID, scopes, s.tokenTTL*refreshTTLFactor)
		if err != nil {
			return nil, err
		}

		fields["refresh_token"] = refresh
	}

	if idToken != "" {
		fields["id_token"] = idToken
	}

	return message.New(message.AccessTokenResponse, fields)
}

// HandleRevoke returns the RFC 7009 revocation endpoint handler. Unknown
// tokens still get 200.
func (s *Server) HandleRevoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, format, err := readBody(w, r)
		if err != nil {
			writeTokenError(w, err)
			return
		}

		req, err := s.oauth.ParseBodyRequest(message.TokenRevocationRequest, body, format, true)
		if err != nil {
			writeTokenError(w, invalidRequest(err.Error()))
			return
		}

		client, err := s.authenticate(r, req)
		if err != nil {
			writeTokenError(w, err)
			return
		}

		revoked := s.store.RevokeToken(req.String("token"), client.ID)
		s.logger.Info("revocation request", slog.String("client_id", client.ID), slog.Bool("revoked", revoked))

		w.WriteHeader(http.StatusOK)
	}
}
