package domain

import "time"

// AuthorizationCode is a single-use code issued by the authorization endpoint.
// Only the fingerprint of the code is stored.
type AuthorizationCode struct {
	ID                  string
	CodeHash            string
	ClientID            string
	UserID              string
	SessionID           string
	RedirectURI         string
	RedirectURISupplied bool
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	ExpiresAt           time.Time
	CreatedAt           time.Time
}

// OAuthToken is an issued access token and its optional refresh token, both
// stored as fingerprints.
type OAuthToken struct {
	ID                    string
	AccessTokenHash       string
	RefreshTokenHash      string
	ClientID              string
	UserID                string
	Scopes                []string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt *time.Time
	CreatedAt             time.Time
}

// Consent records the scopes a user granted to a client.
type Consent struct {
	ID        string
	ClientID  string
	UserID    string
	Scopes    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenPair is what the token endpoint returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}
