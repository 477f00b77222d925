package oauth

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/alexjbarnes/oauth2c/message"
)

// Configuration errors. Never retried.
var (
	ErrConfiguration      = errors.New("client misconfigured")
	ErrUnknownAuthnMethod = errors.New("unknown client authentication method")
	ErrUnsupportedMethod  = errors.New("unsupported HTTP method")
	ErrUnknownFormat      = errors.New("unknown response format")
)

// Grant and token state errors.
var (
	ErrGrantExpired     = errors.New("grant expired")
	ErrExpiredToken     = errors.New("token expired")
	ErrNoTokenFound     = errors.New("no token found")
	ErrNoGrantFound     = errors.New("no grant found")
	ErrNoRefreshToken   = errors.New("token has no refresh token")
	ErrMissingState     = errors.New("no state supplied and no active state")
	ErrNoTokenAvailable = errors.New("no access token available")
)

// ErrParseOrVerify marks a response that matched neither the success
// schema nor any error schema.
var ErrParseOrVerify = errors.New("response did not parse or verify")

// ParseError carries the failure captured while parsing the success schema.
type ParseError struct {
	Schema string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrParseOrVerify, e.Schema, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParseOrVerify, e.Err} }

// TransportError is returned for HTTP statuses the engine does not accept.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}

	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// IsTransportStatus reports whether err is a TransportError with status.
func IsTransportStatus(err error, status int) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Status == status
}

// ErrorResponse is a protocol error response (RFC 6749 §4.1.2.1, §5.2)
// surfaced as a Go error.
type ErrorResponse struct {
	Code        string
	Description string
	URI         string
	Message     *message.Message
}

func newErrorResponse(m *message.Message) *ErrorResponse {
	return &ErrorResponse{
		Code:        m.String("error"),
		Description: m.String("error_description"),
		URI:         m.String("error_uri"),
		Message:     m,
	}
}

func (e *ErrorResponse) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s: error=%q", e.Message.Schema().Name, e.Code)
	}

	return fmt.Sprintf("%s: error=%q error_description=%q", e.Message.Schema().Name, e.Code, e.Description)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
