package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sentinels() []error {
	return []error{
		ErrNoActiveState,
		ErrNoEndpoint,
		ErrNoPending,
		ErrEmptyInput,
		ErrResourceRequest,
		ErrCallbackTimeout,
		ErrCallbackState,
		ErrAuthorizationError,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range sentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	all := sentinels()
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			assert.NotEqual(t, all[i], all[j],
				"sentinel errors should be distinct: %q vs %q", all[i], all[j])
		}
	}
}

func TestSentinelErrors_ExpectedMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrNoEndpoint, "endpoint not configured"},
		{ErrNoPending, "no pending authorization request for this state"},
		{ErrCallbackTimeout, "timed out waiting for authorization callback"},
		{ErrCallbackState, "callback state does not match the pending request"},
		{ErrAuthorizationError, "authorization server returned an error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
