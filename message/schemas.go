package message

import "errors"

// RFC 6749 §4.1.2.1 authorization error codes.
var authorizationErrors = []string{
	"invalid_request",
	"unauthorized_client",
	"access_denied",
	"unsupported_response_type",
	"invalid_scope",
	"server_error",
	"temporarily_unavailable",
}

// RFC 6749 §5.2 token error codes, plus RFC 7009 §2.2.1.
var tokenErrors = []string{
	"invalid_request",
	"invalid_client",
	"invalid_grant",
	"unauthorized_client",
	"unsupported_grant_type",
	"invalid_scope",
	"unsupported_token_type",
}

func required(name string) Param { return Param{Name: name, Required: true} }
func optional(name string) Param { return Param{Name: name} }

// Client authentication fields shared by token-endpoint requests.
var clientAuthParams = []Param{
	optional("client_id"),
	optional("client_secret"),
}

func withClientAuth(params ...Param) []Param {
	return append(params, clientAuthParams...)
}

// Requests.
var (
	AuthorizationRequest = &Schema{
		Name: "AuthorizationRequest",
		Kind: KindRequest,
		Params: []Param{
			{Name: "response_type", Type: List, Required: true, Default: "code"},
			required("client_id"),
			optional("redirect_uri"),
			{Name: "scope", Type: List},
			optional("state"),
		},
	}

	AccessTokenRequest = &Schema{
		Name: "AccessTokenRequest",
		Kind: KindRequest,
		Params: withClientAuth(
			Param{Name: "grant_type", Required: true, Default: "authorization_code", Allowed: []string{"authorization_code"}},
			required("code"),
			optional("redirect_uri"),
		),
	}

	RefreshAccessTokenRequest = &Schema{
		Name: "RefreshAccessTokenRequest",
		Kind: KindRequest,
		Params: withClientAuth(
			Param{Name: "grant_type", Required: true, Default: "refresh_token", Allowed: []string{"refresh_token"}},
			required("refresh_token"),
			Param{Name: "scope", Type: List},
		),
	}

	ClientCredentialsRequest = &Schema{
		Name: "ClientCredentialsRequest",
		Kind: KindRequest,
		Params: withClientAuth(
			Param{Name: "grant_type", Required: true, Default: "client_credentials", Allowed: []string{"client_credentials"}},
			Param{Name: "scope", Type: List},
		),
	}

	TokenRevocationRequest = &Schema{
		Name: "TokenRevocationRequest",
		Kind: KindRequest,
		Params: withClientAuth(
			required("token"),
			optional("token_type_hint"),
		),
	}

	// ResourceRequest carries nothing by default; bearer methods may add
	// access_token to an instance.
	ResourceRequest = &Schema{
		Name: "ResourceRequest",
		Kind: KindRequest,
	}
)

// Responses.
var (
	AuthorizationResponse = &Schema{
		Name: "AuthorizationResponse",
		Kind: KindAuthorization,
		Params: []Param{
			required("code"),
			optional("state"),
		},
	}

	AccessTokenResponse = &Schema{
		Name: "AccessTokenResponse",
		Kind: KindToken,
		Params: []Param{
			required("access_token"),
			required("token_type"),
			{Name: "expires_in", Type: Int},
			optional("refresh_token"),
			{Name: "scope", Type: List},
			optional("state"),
			optional("id_token"),
		},
		Check: checkIDToken,
	}

	ErrorResponse = &Schema{
		Name: "ErrorResponse",
		Kind: KindError,
		Params: []Param{
			required("error"),
			optional("error_description"),
			optional("error_uri"),
		},
	}

	AuthorizationErrorResponse = &Schema{
		Name: "AuthorizationErrorResponse",
		Kind: KindError,
		Params: []Param{
			{Name: "error", Required: true, Allowed: authorizationErrors},
			optional("error_description"),
			optional("error_uri"),
			optional("state"),
		},
	}

	TokenErrorResponse = &Schema{
		Name: "TokenErrorResponse",
		Kind: KindError,
		Params: []Param{
			{Name: "error", Required: true, Allowed: tokenErrors},
			optional("error_description"),
			optional("error_uri"),
		},
	}
)

// checkIDToken verifies an id_token signature when keys for its algorithm
// are available.
func checkIDToken(m *Message, vc *VerifyContext) error {
	raw := m.String("id_token")
	if raw == "" || len(vc.keys()) == 0 {
		return nil
	}

	_, err := VerifyJWT(raw, vc.keys())
	if errors.Is(err, ErrNoVerificationKey) {
		return nil
	}

	return err
}
