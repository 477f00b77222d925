package authserver

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/alexjbarnes/oauth2c/message"
	"github.com/alexjbarnes/oauth2c/oauth"
)

// authCodeBytes is the number of random bytes used to generate
// an authorization code (hex-encoded to twice this length).
const authCodeBytes = 32

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri and client_id have been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// appendQuery keeps any query already on uri (RFC 6749 Section 4.1.2).
func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}

// validateRedirectURI checks that redirectURI matches one of the client's
// registered redirect_uris. Exact match is required in general. For
// loopback prefixes (http://127.0.0.1 or http://localhost) any port and
// path are accepted, following RFC 8252 Section 7.3.
//
// When a client has no registered redirect URIs, only loopback URIs
// are accepted.
func validateRedirectURI(client *oauth.RegisteredClient, redirectURI string) bool {
	if len(client.RedirectURIs) == 0 {
		u, err := url.Parse(redirectURI)
		if err != nil {
			return false
		}

		return u.Scheme == "http" && isLoopbackHost(u.Hostname())
	}

	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		if isLocalhostPrefix(registered) && isLoopbackRedirect(redirectURI, registered) {
			return true
		}
	}

	return false
}

// isLocalhostPrefix returns true if the URI is an HTTP loopback prefix
// without a port or path.
func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost"
}

// isLoopbackHost returns true if the hostname is a loopback address.
func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// isLoopbackRedirect compares scheme and hostname of both URIs so that
// 127.0.0.1.evil.com does not match a 127.0.0.1 prefix.
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}

func extensionString(msg *message.Message, name string) string {
	v, ok := msg.Extension(name)
	if !ok {
		return ""
	}

	s, _ := v.(string)

	return s
}

// HandleAuthorize returns the authorization endpoint handler. There is no
// login step: any request from a registered client with a valid redirect
// URI is approved immediately.
func (s *Server) HandleAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Errors before the client and redirect URI are known must not
		// redirect (RFC 6749 Section 4.1.2.1).
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			http.Error(w, "missing client_id", http.StatusBadRequest)
			return
		}

		client, ok := s.oauth.Client(clientID)
		if !ok {
			http.Error(w, "unknown client_id", http.StatusBadRequest)
			return
		}

		// requested is what the token request has to repeat (RFC 6749 Section 4.1.3).
		requested := r.URL.Query().Get("redirect_uri")

		redirectURI := requested
		if redirectURI == "" {
			if len(client.RedirectURIs) != 1 || isLocalhostPrefix(client.RedirectURIs[0]) {
				http.Error(w, "redirect_uri is required", http.StatusBadRequest)
				return
			}

			redirectURI = client.RedirectURIs[0]
		} else if !validateRedirectURI(client, redirectURI) {
			http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)
			return
		}

		state := r.URL.Query().Get("state")

		req, err := s.oauth.ParseAuthorizationRequest("", r.URL.RawQuery, true)
		if err != nil {
			errCode := "invalid_request"
			if errors.Is(err, message.ErrInvalidValue) {
				errCode = "unsupported_response_type"
			}

			redirectWithError(w, r, redirectURI, state, errCode, err.Error())

			return
		}

		if !slices.Equal(req.List("response_type"), []string{"code"}) {
			redirectWithError(w, r, redirectURI, state, "unsupported_response_type", `response_type must be "code"`)
			return
		}

		challenge := extensionString(req, "code_challenge")
		method := extensionString(req, "code_challenge_method")

		if challenge == "" && s.requirePKCE {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
			return
		}

		if challenge != "" {
			if method == "" {
				method = oauth.PKCEMethodS256
			}

			if method != oauth.PKCEMethodS256 {
				redirectWithError(w, r, redirectURI, state, "invalid_request", "only S256 code_challenge_method is supported")
				return
			}
		}

		code := RandomHex(authCodeBytes)
		s.store.SaveCode(&AuthCode{
			Code:                code,
			ClientID:            clientID,
			RedirectURI:         requested,
			CodeChallenge:       challenge,
			CodeChallengeMethod: method,
			Nonce:               extensionString(req, "nonce"),
			Scopes:              req.List("scope"),
			ExpiresAt:           s.store.now().Add(codeExpiry),
		})

		s.logger.Info("authorization approved",
			slog.String("client_id", clientID),
			slog.Bool("pkce", challenge != ""),
		)

		params := url.Values{}
		params.Set("code", code)

		if state != "" {
			params.Set("state", state)
		}

		// RFC 9207: include the issuer identifier to prevent mix-up attacks.
		params.Set("iss", s.issuer)

		http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
	}
}
