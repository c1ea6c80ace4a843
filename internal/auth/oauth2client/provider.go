// Package oauth2client signs users in through external identity providers
// with the authorization code flow.
package oauth2client

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMissingClientCredentials = errors.New("oauth2client: missing client credentials")
	ErrMissingCodeVerifier      = errors.New("oauth2client: missing code verifier")
	ErrInvalidState             = errors.New("oauth2client: invalid state")
	ErrTokenExchangeFailed      = errors.New("oauth2client: token exchange failed")
	ErrUserInfoFetchFailed      = errors.New("oauth2client: user info fetch failed")
	ErrInvalidIDToken           = errors.New("oauth2client: invalid id token")
	ErrNonceMismatch            = errors.New("oauth2client: id token nonce mismatch")
)

// API error codes.
const (
	CodeMissingClientCredentials = "MISSING_CLIENT_CREDENTIALS"
	CodeMissingCodeVerifier      = "MISSING_CODE_VERIFIER"
	CodeInvalidState             = "INVALID_STATE"
	CodeTokenExchangeFailed      = "TOKEN_EXCHANGE_FAILED"
	CodeUserInfoFetchFailed      = "USER_INFO_FETCH_FAILED"
	CodeProviderNotFound         = "PROVIDER_NOT_FOUND"
)

// Tokens is what a provider's token endpoint returned.
type Tokens struct {
	AccessToken           string
	RefreshToken          string
	IDToken               string
	TokenType             string
	AccessTokenExpiresAt  *time.Time
	RefreshTokenExpiresAt *time.Time
	Scopes                []string
}

// UserInfo is the provider profile mapped to local user fields.
type UserInfo struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	Image         string
	Raw           map[string]any
}

// AuthorizationURLParams are the per-call inputs to CreateAuthorizationURL.
type AuthorizationURLParams struct {
	State        string
	CodeVerifier string
	Nonce        string
	RedirectURI  string
	// Scopes are added to the provider's configured scopes.
	Scopes    []string
	LoginHint string
}

// Provider is an external identity provider.
type Provider interface {
	ID() string
	CreateAuthorizationURL(ctx context.Context, p AuthorizationURLParams) (string, error)
	ValidateAuthorizationCode(ctx context.Context, code, codeVerifier, redirectURI string) (*Tokens, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*Tokens, error)
	// GetUserInfo returns nil with ErrUserInfoFetchFailed when the profile
	// cannot be read.
	GetUserInfo(ctx context.Context, tokens *Tokens) (*UserInfo, error)
}

// IDTokenVerifier is implemented by providers that issue verifiable ID
// tokens.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (*UserInfo, error)
}

// mergeScopes concatenates lists keeping the first occurrence of each scope.
func mergeScopes(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lists {
		for _, s := range l {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
