package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/tidwall/gjson"
)

// Key types understood by ParseKey.
const (
	TypeHMAC = "hmac"
	TypeRSA  = "rsa"
	TypeEC   = "ec"
)

var ErrUnsupportedKey = errors.New("unsupported key material")

// ParseKey turns raw bytes into a key value for typ. HMAC keys are the bytes
// themselves. RSA and EC keys are read from a PEM block holding a
// certificate, a PKIX public key or a PKCS#1/PKCS#8/SEC1 private key.
func ParseKey(typ string, data []byte) (any, error) {
	switch typ {
	case TypeHMAC:
		return append([]byte(nil), data...), nil
	case TypeRSA, TypeEC:
		key, err := parsePEM(data)
		if err != nil {
			return nil, err
		}

		if keyType(key) != typ {
			return nil, fmt.Errorf("%w: PEM holds %s key, want %s", ErrUnsupportedKey, keyType(key), typ)
		}

		return key, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnsupportedKey, typ)
	}
}

func parsePEM(data []byte) (any, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode PEM block", ErrUnsupportedKey)
	}

	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}

		return cert.PublicKey, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing public key: %w", err)
		}

		return key, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 public key: %w", err)
		}

		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 private key: %w", err)
		}

		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing EC private key: %w", err)
		}

		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#8 private key: %w", err)
		}

		return key, nil
	default:
		return nil, fmt.Errorf("%w: PEM block type %s", ErrUnsupportedKey, block.Type)
	}
}

func keyType(key any) string {
	switch key.(type) {
	case *rsa.PublicKey, *rsa.PrivateKey:
		return TypeRSA
	case *ecdsa.PublicKey, *ecdsa.PrivateKey:
		return TypeEC
	case []byte:
		return TypeHMAC
	default:
		return fmt.Sprintf("%T", key)
	}
}

// ParseX509 returns the public key of a certificate given as PEM or DER.
func ParseX509(data []byte) (any, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}

	return cert.PublicKey, nil
}

// ParseJWKS reads the keys of a JSON Web Key Set. RSA, EC and oct keys are
// supported; other key types are skipped.
func ParseJWKS(data []byte) (TypedKeys, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JWKS JSON", ErrUnsupportedKey)
	}

	keys := gjson.GetBytes(data, "keys")
	if !keys.IsArray() {
		return nil, fmt.Errorf("%w: JWKS has no keys array", ErrUnsupportedKey)
	}

	out := make(TypedKeys)

	var parseErr error

	keys.ForEach(func(_, jwk gjson.Result) bool {
		switch jwk.Get("kty").Str {
		case "RSA":
			key, err := rsaFromJWK(jwk)
			if err != nil {
				parseErr = err
				return false
			}

			out[TypeRSA] = append(out[TypeRSA], key)
		case "EC":
			key, err := ecFromJWK(jwk)
			if err != nil {
				parseErr = err
				return false
			}

			out[TypeEC] = append(out[TypeEC], key)
		case "oct":
			k, err := b64(jwk, "k")
			if err != nil {
				parseErr = err
				return false
			}

			out[TypeHMAC] = append(out[TypeHMAC], k)
		}

		return true
	})

	if parseErr != nil {
		return nil, parseErr
	}

	return out, nil
}

func b64(jwk gjson.Result, field string) ([]byte, error) {
	raw := jwk.Get(field).Str
	if raw == "" {
		return nil, fmt.Errorf("%w: JWK missing %q", ErrUnsupportedKey, field)
	}

	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding JWK %q: %w", field, err)
	}

	return b, nil
}

func rsaFromJWK(jwk gjson.Result) (*rsa.PublicKey, error) {
	n, err := b64(jwk, "n")
	if err != nil {
		return nil, err
	}

	e, err := b64(jwk, "e")
	if err != nil {
		return nil, err
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

func ecFromJWK(jwk gjson.Result) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve

	switch jwk.Get("crv").Str {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("%w: curve %q", ErrUnsupportedKey, jwk.Get("crv").Str)
	}

	x, err := b64(jwk, "x")
	if err != nil {
		return nil, err
	}

	y, err := b64(jwk, "y")
	if err != nil {
		return nil, err
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}
