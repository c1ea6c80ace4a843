package domain

import "time"

// SigningKey is a JWT signing key persisted so the published JWKS survives
// restarts. The private key PEM is AES-256-GCM encrypted with the master key.
// ExpiresAt is set when the key is retired.
type SigningKey struct {
	ID                  string
	Kid                 string
	Algorithm           string
	PrivateKeyEncrypted []byte
	CreatedAt           time.Time
	ExpiresAt           *time.Time
}
