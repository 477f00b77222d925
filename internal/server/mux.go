// Package server provides HTTP server construction for the development
// authorization server.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/oauth2c/internal/authserver"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Auth   *authserver.Server
	Logger *slog.Logger
}

// NewMux builds the HTTP mux with discovery, authorization, token,
// revocation, registration, JWKS and protected resource endpoints. The
// resource is protected by Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	a := cfg.Auth

	mux := http.NewServeMux()
	mux.HandleFunc(authserver.PathASMetadata, a.HandleServerMetadata())
	mux.HandleFunc(authserver.PathAuthorize, a.HandleAuthorize())
	mux.HandleFunc(authserver.PathToken, a.HandleToken())
	mux.HandleFunc(authserver.PathRevoke, a.HandleRevoke())
	mux.HandleFunc(authserver.PathRegister, a.HandleRegistration())
	mux.HandleFunc(authserver.PathJWKS, a.HandleJWKS())
	mux.Handle(authserver.PathResource, a.Middleware()(a.HandleResource()))

	return mux
}

// New wraps the mux in an http.Server with request logging.
func New(addr string, cfg MuxConfig) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           logRequests(cfg.Logger, NewMux(cfg)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
