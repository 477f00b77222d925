package callback

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/oauth2c/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()

	s, err := New("http://127.0.0.1:0/callback", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, err := s.Start(ctx)
	require.NoError(t, err)

	return s, "http://" + addr + "/callback"
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()

	resp, err := http.Get(url) //nolint:noctx
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// --- New ---

func TestNew_RejectsNonLoopback(t *testing.T) {
	_, err := New("http://example.com/callback", slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loopback")
}

func TestNew_RejectsHTTPS(t *testing.T) {
	_, err := New("https://127.0.0.1:8085/callback", slog.New(slog.DiscardHandler))
	require.Error(t, err)
}

// --- Wait ---

func TestServer_ReceivesCode(t *testing.T) {
	s, base := startServer(t)

	resp := get(t, base+"?code=CODE1&state=s1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Authorization complete")

	res, err := s.Wait(context.Background(), "s1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "CODE1", res.Query.Get("code"))
	assert.Equal(t, "s1", res.State())
	assert.Contains(t, res.URL, "/callback?code=CODE1&state=s1")
}

func TestServer_ErrorRedirect(t *testing.T) {
	s, base := startServer(t)

	resp := get(t, base+"?error=access_denied&error_description=nope&state=s1")
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "access_denied")

	res, err := s.Wait(context.Background(), "s1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "access_denied", res.Error())
}

func TestServer_StateMismatch(t *testing.T) {
	s, base := startServer(t)

	get(t, base+"?code=C&state=other")

	_, err := s.Wait(context.Background(), "s1", time.Second)
	require.ErrorIs(t, err, apperrors.ErrCallbackState)
}

func TestServer_Timeout(t *testing.T) {
	s, _ := startServer(t)

	_, err := s.Wait(context.Background(), "s1", 20*time.Millisecond)
	require.ErrorIs(t, err, apperrors.ErrCallbackTimeout)
}

func TestServer_ContextCanceled(t *testing.T) {
	s, _ := startServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Wait(ctx, "", time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
