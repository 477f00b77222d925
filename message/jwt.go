package message

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/alexjbarnes/oauth2c/keystore"
	"github.com/golang-jwt/jwt/v5"
)

var ErrNoVerificationKey = errors.New("no verification key for algorithm")

// verificationKeys picks the keys usable with method. Private keys stand in
// for their public halves.
func verificationKeys(method jwt.SigningMethod, keys keystore.TypedKeys) []any {
	var out []any

	switch method.(type) {
	case *jwt.SigningMethodHMAC:
		for _, k := range keys[keystore.TypeHMAC] {
			switch v := k.(type) {
			case []byte:
				out = append(out, v)
			case string:
				out = append(out, []byte(v))
			}
		}
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		for _, k := range keys[keystore.TypeRSA] {
			switch v := k.(type) {
			case *rsa.PublicKey:
				out = append(out, v)
			case *rsa.PrivateKey:
				out = append(out, &v.PublicKey)
			}
		}
	case *jwt.SigningMethodECDSA:
		for _, k := range keys[keystore.TypeEC] {
			switch v := k.(type) {
			case *ecdsa.PublicKey:
				out = append(out, v)
			case *ecdsa.PrivateKey:
				out = append(out, &v.PublicKey)
			}
		}
	}

	return out
}

// DecodeJWT returns the claims of raw without checking its signature.
func DecodeJWT(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("decoding JWT: %w", err)
	}

	return claims, nil
}

// VerifyJWT checks raw against every key matching its algorithm and
// returns the claims of the first that verifies.
func VerifyJWT(raw string, keys keystore.TypedKeys) (jwt.MapClaims, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("decoding JWT: %w", err)
	}

	alg := token.Method.Alg()

	candidates := verificationKeys(token.Method, keys)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoVerificationKey, alg)
	}

	var lastErr error

	for _, key := range candidates {
		claims := jwt.MapClaims{}

		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{alg}))
		if err == nil {
			return claims, nil
		}

		lastErr = err
	}

	return nil, fmt.Errorf("%w: %w", ErrSignature, lastErr)
}

// FromJWT builds a message of schema from a JWT. With verify set, the
// signature must check out against keys.
func FromJWT(schema *Schema, raw string, keys keystore.TypedKeys, verify, extended bool) (*Message, error) {
	var (
		claims jwt.MapClaims
		err    error
	)

	if verify {
		claims, err = VerifyJWT(raw, keys)
	} else {
		claims, err = DecodeJWT(raw)
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %w", schema.Name, err)
	}

	return FromMap(schema, claims, extended)
}

// SignJWT serializes m, extensions included, as a signed JWT.
func (m *Message) SignJWT(method jwt.SigningMethod, key any) (string, error) {
	token := jwt.NewWithClaims(method, jwt.MapClaims(m.toMap()))

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%s: signing JWT: %w", m.schema.Name, err)
	}

	return signed, nil
}
