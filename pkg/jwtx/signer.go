package jwtx

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"

	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/golang-jwt/jwt/v5"
)

// Supported JWT signing algorithms
const (
	AlgorithmRS256 = "RS256"
	AlgorithmES256 = "ES256"
	AlgorithmEdDSA = "EdDSA"
)

// Signer is our interface for anything that can sign JWTs.
type Signer interface {
	Alg() string
	KID() string
	Sign(claims jwt.Claims) (string, error)
	PublicJWK() JWK
}

type keySigner struct {
	alg    string
	kid    string
	method jwt.SigningMethod
	key    crypto.Signer
	jwk    JWK
}

// NewSigner loads a PEM private key and binds it to alg. The key type must
// match the algorithm.
func NewSigner(alg, kid string, pemKey []byte) (Signer, error) {
	key, err := cryptox.ParsePrivateKeyPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("jwtx: %w", err)
	}

	var method jwt.SigningMethod
	switch alg {
	case AlgorithmRS256:
		if _, ok := key.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("jwtx: RS256 needs an RSA key, got %T", key)
		}
		method = jwt.SigningMethodRS256
	case AlgorithmES256:
		if _, ok := key.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("jwtx: ES256 needs an ECDSA key, got %T", key)
		}
		method = jwt.SigningMethodES256
	case AlgorithmEdDSA:
		if _, ok := key.(ed25519.PrivateKey); !ok {
			return nil, fmt.Errorf("jwtx: EdDSA needs an Ed25519 key, got %T", key)
		}
		method = jwt.SigningMethodEdDSA
	default:
		return nil, fmt.Errorf("jwtx: unsupported algorithm %q", alg)
	}

	jwk, err := NewJWK(kid, alg, key.Public())
	if err != nil {
		return nil, err
	}

	return &keySigner{alg: alg, kid: kid, method: method, key: key, jwk: jwk}, nil
}

func (s *keySigner) Alg() string    { return s.alg }
func (s *keySigner) KID() string    { return s.kid }
func (s *keySigner) PublicJWK() JWK { return s.jwk }

func (s *keySigner) Sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(s.method, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// GenerateKey creates a fresh PEM private key suitable for alg.
func GenerateKey(alg string, rsaBits int) ([]byte, error) {
	switch alg {
	case AlgorithmRS256:
		if rsaBits == 0 {
			rsaBits = 2048
		}
		return cryptox.GenerateRSAKey(rsaBits)
	case AlgorithmES256:
		return cryptox.GenerateES256Key()
	case AlgorithmEdDSA:
		return cryptox.GenerateEd25519Key()
	default:
		return nil, fmt.Errorf("jwtx: unsupported algorithm %q", alg)
	}
}
