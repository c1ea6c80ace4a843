package domain

import "time"

// ProviderCredential is the provider id of email + password accounts.
const ProviderCredential = "credential"

// Account links a User to an identity at a provider. For credential accounts
// AccountID equals the user id and Password holds the argon2id hash.
type Account struct {
	ID                    string
	UserID                string
	ProviderID            string
	AccountID             string
	AccessToken           string
	RefreshToken          string
	IDToken               string
	AccessTokenExpiresAt  *time.Time
	RefreshTokenExpiresAt *time.Time
	Scope                 string
	Password              string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
