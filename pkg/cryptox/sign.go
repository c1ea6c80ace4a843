package cryptox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrBadSignature is returned when a signed value fails verification.
var ErrBadSignature = errors.New("cryptox: bad signature")

// Sign returns the base64url HMAC-SHA256 of value under secret.
func Sign(secret []byte, value string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// SignValue returns "value.signature" where the signature covers
// name=value, so a value signed for one name does not verify under another.
// The value may itself contain dots, the signature is always the final
// segment.
func SignValue(secret []byte, name, value string) string {
	return value + "." + Sign(secret, name+"="+value)
}

// VerifySignedValue checks a string produced by SignValue for name and
// returns the original value.
func VerifySignedValue(secret []byte, name, signed string) (string, error) {
	i := strings.LastIndexByte(signed, '.')
	if i <= 0 || i == len(signed)-1 {
		return "", ErrBadSignature
	}
	value, sig := signed[:i], signed[i+1:]

	want := Sign(secret, name+"="+value)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", ErrBadSignature
	}
	return value, nil
}
