package authsdk

import (
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

// ============================================================================
// Internal Response Types (used for JSON unmarshaling)
// ============================================================================

// ErrorResponse is the OAuth2 error body per RFC 6749.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// APIErrorResponse is the error body of non-OAuth endpoints.
type APIErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============================================================================
// Token Types
// ============================================================================

// TokenResponse is the token endpoint response.
type TokenResponse struct {
	// AccessToken is the opaque bearer token for the userinfo endpoint
	AccessToken string `json:"access_token"`

	// RefreshToken is only issued for offline_access requests
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the signed OpenID Connect ID token
	IDToken string `json:"id_token,omitempty"`

	// TokenType is always "Bearer"
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in"`

	// Scope is the space-delimited list of granted scopes
	Scope string `json:"scope,omitempty"`
}

// UserInfo is the OpenID Connect userinfo response. Fields beyond sub depend
// on the granted scopes.
type UserInfo struct {
	Subject       string `json:"sub"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
}

// Discovery is the subset of the OpenID Provider metadata the client uses.
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	BackchannelAuthenticationEndpoint string   `json:"backchannel_authentication_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// ============================================================================
// CIBA Types
// ============================================================================

// BackchannelRequest starts a CIBA request for the user named by LoginHint.
type BackchannelRequest struct {
	// LoginHint is the user's email address
	LoginHint string

	// Scopes must include openid
	Scopes []string

	// BindingMessage is shown on both the consumption and the approval device
	BindingMessage string

	// RequestedExpiry shortens the request lifetime; zero uses the server default
	RequestedExpiry time.Duration
}

// BackchannelResponse identifies a pending CIBA request.
type BackchannelResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	// Interval is the minimum number of seconds between polls
	Interval int64 `json:"interval"`
}

// ============================================================================
// Health Types
// ============================================================================

// HealthResponse represents the response structure for health check endpoints.
// Used by both /livez and /readyz endpoints (readyz includes additional Checks field).
type HealthResponse struct {
	// Status indicates the overall health status (e.g., "ok")
	Status string `json:"status"`

	// Uptime is the service uptime duration as a string (e.g., "1h23m45s")
	Uptime string `json:"uptime,omitempty"`

	// Version is the service version string
	Version string `json:"version,omitempty"`

	// Checks contains readiness check results for critical dependencies (only for /readyz)
	Checks *HealthChecks `json:"checks,omitempty"`
}

// HealthChecks represents the status of critical service dependencies.
type HealthChecks struct {
	// Database indicates the database connection status
	Database string `json:"database"`

	// Signer indicates whether ID token signing keys are loaded
	Signer string `json:"signer"`

	// Cache indicates the secondary storage status, when one is configured
	Cache string `json:"cache,omitempty"`
}

// ============================================================================
// JWKS Types
// ============================================================================

// JWKSResponse contains the public keys that verify ID token signatures.
type JWKSResponse jwtx.JWKS
