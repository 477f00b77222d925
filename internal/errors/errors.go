package errors

import "errors"

// Command errors.
var (
	ErrNoActiveState   = errors.New("no active session; run authorize first or pass --state")
	ErrNoEndpoint      = errors.New("endpoint not configured")
	ErrNoPending       = errors.New("no pending authorization request for this state")
	ErrEmptyInput      = errors.New("no input")
	ErrResourceRequest = errors.New("protected resource request failed")
)

// Callback errors.
var (
	ErrCallbackTimeout    = errors.New("timed out waiting for authorization callback")
	ErrCallbackState      = errors.New("callback state does not match the pending request")
	ErrAuthorizationError = errors.New("authorization server returned an error")
)
