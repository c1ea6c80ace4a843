package domain

import "time"

// TwoFactor holds a user's TOTP enrolment. Secret is encrypted at rest.
type TwoFactor struct {
	ID              string
	UserID          string
	SecretEncrypted []byte
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
