package domain

import (
	"slices"
	"time"
)

// Token endpoint client authentication methods.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// Grant types understood by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantCIBA              = "urn:openid:params:grant-type:ciba"
)

// OAuthClient is a third-party application registered with the provider.
// Public clients (AuthMethodNone) never carry a secret.
type OAuthClient struct {
	ID                      string
	ClientID                string
	ClientSecretHash        string
	Name                    string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	Metadata                map[string]any
	UserID                  string
	SkipConsent             bool
	Disabled                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// IsPublic reports whether the client authenticates without a secret.
func (c *OAuthClient) IsPublic() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// HasRedirectURI reports an exact match against the registered URIs.
func (c *OAuthClient) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrant reports whether the client registered the grant type.
func (c *OAuthClient) AllowsGrant(grant string) bool {
	return slices.Contains(c.GrantTypes, grant)
}
