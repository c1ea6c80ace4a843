package domain

import "time"

// Verification is a short-lived single-use value keyed by Identifier, used for
// outbound OAuth state and similar one-shot secrets.
type Verification struct {
	ID         string
	Identifier string
	Value      string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}
