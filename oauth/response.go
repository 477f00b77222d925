package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/oauth2c/keystore"
	"github.com/alexjbarnes/oauth2c/message"
)

// Format is the serialization of a response body.
type Format string

const (
	FormatJSON       Format = "json"
	FormatURLEncoded Format = "urlencoded"
	// FormatNone skips parsing; the raw response is returned.
	FormatNone Format = ""
)

// errorSchemas lists, per success schema, the error schemas a response may
// match instead. Order matters: the first that verifies wins.
var errorSchemas = map[*message.Schema][]*message.Schema{
	message.AuthorizationResponse: {message.AuthorizationErrorResponse, message.TokenErrorResponse},
	message.AccessTokenResponse:   {message.TokenErrorResponse},
}

// ParseOptions tune ParseResponse.
type ParseOptions struct {
	// State is used for grant routing when the response carries none.
	State string
	// Extended keeps non-standard fields as extensions.
	Extended bool
	// KeyOwnerURL selects the key owner whose verify keys, together with
	// the default owner's, are used for signed content.
	KeyOwnerURL string
	// DefaultScope is applied to token responses that omit scope.
	DefaultScope []string
}

// Result is the outcome of a client operation that received a response.
// Message is nil when the response was not parsed.
type Result struct {
	Message  *message.Message
	Response *Response
}

// Err returns the protocol error carried by the result, if any.
func (r *Result) Err() error {
	if r == nil || r.Message == nil || !r.Message.IsError() {
		return nil
	}

	return newErrorResponse(r.Message)
}

func decode(schema *message.Schema, info string, format Format, extended bool) (*message.Message, error) {
	if format == FormatJSON {
		return message.ParseJSON(schema, []byte(info), extended)
	}

	return message.ParseURLEncoded(schema, info, extended)
}

// ParseResponse decodes info as schema or, preferentially, as one of the
// error schemas paired with it. Successful authorization and token
// responses are routed into the grant of their state.
func (c *Client) ParseResponse(schema *message.Schema, info string, format Format, opts ParseOptions) (*message.Message, error) {
	switch format {
	case FormatJSON:
	case FormatURLEncoded:
		if strings.ContainsAny(info, "?#") {
			u, err := url.Parse(info)
			if err != nil {
				return nil, &ParseError{Schema: schema.Name, Err: err}
			}

			info = u.RawQuery
			if info == "" {
				info = u.EscapedFragment()
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	vc := &message.VerifyContext{Keys: c.KeyStore.CollectKeys(opts.KeyOwnerURL, keystore.Verify)}

	resp, parseErr := decode(schema, info, format, opts.Extended)
	if parseErr == nil {
		if parseErr = resp.Verify(vc); parseErr != nil {
			resp = nil
		}
	}

	for _, errSchema := range errorSchemas[schema] {
		eresp, err := decode(errSchema, info, format, opts.Extended)
		if err != nil || eresp.Verify(nil) != nil {
			continue
		}

		c.logger.Debug("response matched error schema",
			slog.String("schema", errSchema.Name),
			slog.String("error", eresp.String("error")))

		return eresp, nil
	}

	if resp == nil {
		return nil, &ParseError{Schema: schema.Name, Err: parseErr}
	}

	if resp.Schema().Kind == message.KindToken && !resp.Has("scope") && len(opts.DefaultScope) > 0 {
		if err := resp.Set("scope", opts.DefaultScope); err != nil {
			return nil, &ParseError{Schema: schema.Name, Err: err}
		}
	}

	if resp.Schema().StateBearing() {
		c.route(resp, opts.State)
	}

	return resp, nil
}

// route stores a state-bearing response in the grant map.
func (c *Client) route(resp *message.Message, state string) {
	if s := resp.String("state"); s != "" {
		state = s
	}

	if state == "" {
		state = c.State
	}

	if state == "" {
		c.logger.Debug("response carries no state, grant not updated", slog.String("schema", resp.Schema().Name))
		return
	}

	if g, ok := c.grants[state]; ok {
		g.Update(resp, c.now())
		return
	}

	c.grants[state] = GrantFromResponse(resp, c.GrantExpiresIn, c.now())
}

// checkStatus applies the transport status rules: 200 must carry the
// content type of the expected format, 302 passes through, anything else
// is a TransportError carrying the status and a sanitized body.
func checkStatus(resp *Response, format Format) error {
	switch resp.StatusCode {
	case http.StatusOK:
		var want string

		switch format {
		case FormatNone:
			return nil
		case FormatJSON:
			want = contentTypeJSON
		case FormatURLEncoded:
			want = contentTypeForm
		default:
			return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
		}

		if got := resp.MediaType(); got != want {
			return fmt.Errorf("%w: content type %q, expected %q", ErrParseOrVerify, got, want)
		}

		return nil
	case http.StatusFound:
		return nil
	default:
		return &TransportError{Status: resp.StatusCode, Body: sanitizeResponseBody(resp.Body)}
	}
}

// requestAndReturn sends req and parses the response as schema.
func (c *Client) requestAndReturn(
	ctx context.Context,
	req *PreparedRequest,
	schema *message.Schema,
	format Format,
	opts ParseOptions,
) (*Result, error) {
	c.logger.Debug("sending request",
		slog.String("method", req.Method),
		slog.String("url", redactQuery(req.URL)))

	resp, err := c.transport.Send(ctx, req.transportRequest())
	if err != nil {
		return nil, err
	}

	if err := checkStatus(resp, format); err != nil {
		return nil, err
	}

	result := &Result{Response: resp}

	if format == FormatNone || resp.StatusCode == http.StatusFound || schema == nil {
		return result, nil
	}

	if opts.KeyOwnerURL == "" {
		opts.KeyOwnerURL = req.URL
	}

	msg, err := c.ParseResponse(schema, string(resp.Body), format, opts)
	if err != nil {
		return nil, err
	}

	result.Message = msg

	return result, nil
}

// redactQuery drops the query string so codes and tokens stay out of logs.
func redactQuery(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}

	return raw
}
