// Package callback runs the short-lived loopback HTTP server that receives
// the authorization redirect for command line flows.
package callback

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/oauth2c/internal/errors"
)

const (
	// DefaultTimeout is how long Wait blocks for the redirect.
	DefaultTimeout = 5 * time.Minute

	shutdownTimeout = 5 * time.Second
)

var page = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>oauth2c</title></head>
<body>
{{if .Error}}<h1>Authorization failed</h1><p>{{.Error}}{{if .Description}}: {{.Description}}{{end}}</p>
{{else}}<h1>Authorization complete</h1><p>You can close this window and return to the terminal.</p>{{end}}
</body>
</html>`))

// Result is what arrived on the callback path.
type Result struct {
	// URL is the full redirect URL, ready for oauth.Client.ParseResponse.
	URL   string
	Query url.Values
}

// State returns the state parameter of the redirect.
func (r *Result) State() string {
	return r.Query.Get("state")
}

// Error returns the error code of an error redirect, or "".
func (r *Result) Error() string {
	return r.Query.Get("error")
}

// Server accepts exactly one redirect on its path and then shuts down.
type Server struct {
	addr   string
	path   string
	logger *slog.Logger

	server   *http.Server
	listener net.Listener
	resultCh chan *Result
	errCh    chan error
	once     sync.Once
}

// New returns a server for the given redirect URI. Only loopback hosts
// are accepted.
func New(redirectURI string, logger *slog.Logger) (*Server, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URI: %w", err)
	}

	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect URI must use http, got %q", u.Scheme)
	}

	switch u.Hostname() {
	case "127.0.0.1", "localhost", "::1":
	default:
		return nil, fmt.Errorf("redirect URI host %q is not a loopback address", u.Hostname())
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return &Server{
		addr:     u.Host,
		path:     path,
		logger:   logger,
		resultCh: make(chan *Result, 1),
		errCh:    make(chan error, 1),
	}, nil
}

// Start listens and serves until ctx is done or a redirect is handled.
// It returns the bound address, which differs from the configured one
// when port 0 was requested.
func (s *Server) Start(ctx context.Context) (string, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handle)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Debug("callback server listening", slog.String("addr", listener.Addr().String()), slog.String("path", s.path))

	return listener.Addr().String(), nil
}

// Wait blocks for the redirect. A redirect whose state differs from
// wantState is rejected with ErrCallbackState; an empty wantState skips
// the check.
func (s *Server) Wait(ctx context.Context, wantState string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-s.resultCh:
		if wantState != "" && res.State() != wantState {
			return nil, fmt.Errorf("%w: got %q", apperrors.ErrCallbackState, res.State())
		}

		return res, nil
	case err := <-s.errCh:
		return nil, err
	case <-timer.C:
		return nil, apperrors.ErrCallbackTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	handled := false

	s.once.Do(func() {
		handled = true
		s.process(w, r)
	})

	if !handled {
		http.Error(w, "callback already processed", http.StatusBadRequest)
	}
}

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	full := &url.URL{Scheme: "http", Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	res := &Result{URL: full.String(), Query: r.URL.Query()}

	_ = page.Execute(w, map[string]string{
		"Error":       res.Error(),
		"Description": res.Query.Get("error_description"),
	})

	s.logger.Debug("callback received", slog.Bool("error", res.Error() != ""))

	select {
	case s.resultCh <- res:
	default:
	}

	go s.Stop()
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_ = s.server.Shutdown(ctx)
}
