package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexjbarnes/oauth2c/internal/authserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestMux(t *testing.T, logger *slog.Logger) MuxConfig {
	t.Helper()

	a, err := authserver.New(authserver.Config{
		Issuer:     "http://127.0.0.1:9096",
		Clients:    []authserver.ClientSpec{{ID: "abc", Secret: "0123456789abcdef"}},
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	return MuxConfig{Auth: a, Logger: logger}
}

func TestNewMux_Routes(t *testing.T) {
	ts := httptest.NewServer(NewMux(newTestMux(t, slog.New(slog.DiscardHandler))))
	defer ts.Close()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, authserver.PathASMetadata, http.StatusOK},
		{http.MethodGet, authserver.PathJWKS, http.StatusOK},
		{http.MethodGet, authserver.PathResource, http.StatusUnauthorized},
		{http.MethodGet, authserver.PathToken, http.StatusMethodNotAllowed},
		{http.MethodGet, authserver.PathAuthorize, http.StatusBadRequest},
		{http.MethodPost, authserver.PathRevoke, http.StatusBadRequest},
		{http.MethodGet, authserver.PathRegister, http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			require.NoError(t, err)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestNew_LogsRequests(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv := New("127.0.0.1:0", newTestMux(t, logger))

	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.NotZero(t, srv.ReadHeaderTimeout)

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, authserver.PathResource, nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, buf.String(), "path=/resource")
	assert.Contains(t, buf.String(), "status=401")
}
