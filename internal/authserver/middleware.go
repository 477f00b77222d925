package authserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/alexjbarnes/oauth2c/internal/models"
)

type contextKey int

const (
	ctxToken contextKey = iota
)

// RequestToken returns the validated access token from the context, or nil.
func RequestToken(ctx context.Context) *models.IssuedToken {
	t, _ := ctx.Value(ctxToken).(*models.IssuedToken)
	return t
}

// bearerToken extracts an RFC 6750 bearer token from the Authorization
// header or, for form-encoded POST bodies, the access_token parameter.
// found reports whether a token was presented at all.
func bearerToken(w http.ResponseWriter, r *http.Request) (token string, found bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return "", false
		}

		return strings.TrimPrefix(h, "Bearer "), true
	}

	if r.Method != http.MethodPost {
		return "", false
	}

	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt != "application/x-www-form-urlencoded" {
		return "", false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		return "", false
	}

	token = r.PostForm.Get("access_token")

	return token, token != ""
}

// Middleware returns HTTP middleware that validates Bearer tokens issued
// by this server.
func (s *Server) Middleware() func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := `Bearer realm="oauth2c"`
	// error="invalid_token" signals the client should attempt a refresh.
	wwwAuthInvalid := `Bearer realm="oauth2c", error="invalid_token"`

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			raw, found := bearerToken(w, r)
			if !found {
				s.logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			t := s.store.ValidateToken(raw, models.KindAccess)
			if t == nil {
				s.logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			s.logger.Debug("middleware: authenticated via bearer token",
				slog.String("client_id", t.ClientID),
				slog.String("ip", ip),
			)

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxToken, t)))
		})
	}
}

// HandleResource is the protected resource. It echoes the identity the
// presented token was issued to.
func (s *Server) HandleResource() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := RequestToken(r.Context())
		if t == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_id":  t.ClientID,
			"scopes":     t.Scopes,
			"expires_at": t.ExpiresAt,
		})
	}
}
