package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

//go:generate mockgen -source=transport.go -destination=mock_transport_test.go -package=oauth

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads to prevent a misbehaving
	// server from consuming unbounded memory.
	maxResponseBytes = 1024 * 1024

	contentTypeForm = "application/x-www-form-urlencoded"
	contentTypeJSON = "application/json"
)

// Transport performs one HTTP round trip for the engine.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// BasicAuth holds transport-level HTTP basic credentials.
type BasicAuth struct {
	Username string
	Password string
}

// Request is an outgoing HTTP exchange.
type Request struct {
	Method    string
	URL       string
	Header    http.Header
	Body      string
	BasicAuth *BasicAuth
}

// Response is the raw result of a round trip.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// MediaType returns the response content type without parameters.
func (r *Response) MediaType() string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}

	return mt
}

// Location returns the redirect target of a 3xx response.
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// HTTPTransport sends requests with a net/http client.
type HTTPTransport struct {
	httpClient *http.Client
}

// noRedirectPolicy hands 3xx responses back to the engine, which treats
// 302 as a pass-through result.
func noRedirectPolicy(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// NewHTTPTransport creates a transport with the given http.Client.
// If httpClient is nil, a client with a 30-second timeout that does not
// follow redirects is created.
func NewHTTPTransport(httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: noRedirectPolicy,
		}
	}

	return &HTTPTransport{httpClient: httpClient}
}

// Send performs req.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	if req.BasicAuth != nil {
		httpReq.SetBasicAuth(req.BasicAuth.Username, req.BasicAuth.Password)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}
