package cryptox

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE challenge methods (RFC 7636).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// GenerateCodeVerifier returns a 43 character verifier, the RFC 7636 minimum.
func GenerateCodeVerifier() (string, error) {
	return GenerateToken(TokenSize256)
}

// S256Challenge derives the S256 code challenge for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyCodeChallenge checks a code_verifier against the stored challenge
// using the declared method. An empty method means plain.
func VerifyCodeChallenge(challenge, method, verifier string) bool {
	if verifier == "" || challenge == "" {
		return false
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = S256Challenge(verifier)
	case PKCEMethodPlain, "":
		computed = verifier
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
