package authserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// registrationResponse is the DCR response. Secrets never expire.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// validRegistrationURI accepts https URIs and http loopback URIs.
func validRegistrationURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Fragment != "" {
		return false
	}

	switch u.Scheme {
	case "https":
		return u.Host != ""
	case "http":
		return isLoopbackHost(u.Hostname())
	default:
		return false
	}
}

// HandleRegistration returns the /oauth/register handler. Only
// confidential clients are registered; they live in memory until the
// server stops.
func (s *Server) HandleRegistration() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req registrationRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
			return
		}

		if len(req.RedirectURIs) == 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
			return
		}

		for _, uri := range req.RedirectURIs {
			if !validRegistrationURI(uri) {
				writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect URI must be https or http loopback: "+uri)
				return
			}
		}

		authMethod := req.TokenEndpointAuthMethod
		switch authMethod {
		case "":
			authMethod = "client_secret_basic"
		case "client_secret_basic", "client_secret_post":
		default:
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "unsupported token_endpoint_auth_method "+authMethod)
			return
		}

		grantTypes := req.GrantTypes
		if len(grantTypes) == 0 {
			grantTypes = []string{"authorization_code", "refresh_token"}
		}

		clientID := uuid.NewString()
		secret := RandomHex(tokenBytes)

		hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}

		if err := s.oauth.RegisterClient(clientID, hash, req.RedirectURIs); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}

		s.logger.Info("client registered",
			slog.String("client_id", clientID),
			slog.String("client_name", req.ClientName),
		)

		resp := registrationResponse{
			ClientID:                clientID,
			ClientSecret:            secret,
			ClientIDIssuedAt:        time.Now().Unix(),
			ClientName:              req.ClientName,
			RedirectURIs:            req.RedirectURIs,
			GrantTypes:              grantTypes,
			ResponseTypes:           []string{"code"},
			TokenEndpointAuthMethod: authMethod,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
