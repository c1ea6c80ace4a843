package authsdk

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Discover fetches and caches the OpenID Provider metadata.
func (c *Client) Discover(ctx context.Context) (*Discovery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discovery != nil {
		return c.discovery, nil
	}

	resp, err := c.doRequest(ctx, http.MethodGet, c.url("/.well-known/openid-configuration"), nil, nil)
	if err != nil {
		return nil, err
	}
	var d Discovery
	if err := decodeJSON(resp, &d, http.StatusOK); err != nil {
		return nil, err
	}
	if d.Issuer != c.Issuer() {
		return nil, fmt.Errorf("authsdk: issuer mismatch: expected %q, got %q", c.Issuer(), d.Issuer)
	}
	c.discovery = &d
	return c.discovery, nil
}

// OAuth2Config returns an x/oauth2 config for the authorization code flow
// against this service. Use oauth2.GenerateVerifier and
// oauth2.S256ChallengeOption for PKCE.
func (c *Client) OAuth2Config(ctx context.Context, redirectURL string, scopes ...string) (*oauth2.Config, error) {
	d, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}
	style := oauth2.AuthStyleInHeader
	if c.PostAuth || c.ClientSecret == "" {
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   d.AuthorizationEndpoint,
			TokenURL:  d.TokenEndpoint,
			AuthStyle: style,
		},
	}, nil
}

// VerifyIDToken checks an ID token's signature against the service JWKS and
// its iss, aud and exp claims.
func (c *Client) VerifyIDToken(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	provider, err := c.oidcProvider(ctx)
	if err != nil {
		return nil, err
	}
	return provider.Verifier(&oidc.Config{ClientID: c.ClientID}).Verify(c.clientContext(ctx), rawIDToken)
}

func (c *Client) oidcProvider(ctx context.Context) (*oidc.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider != nil {
		return c.provider, nil
	}
	p, err := oidc.NewProvider(c.clientContext(ctx), c.Issuer())
	if err != nil {
		return nil, fmt.Errorf("authsdk: discover provider: %w", err)
	}
	c.provider = p
	return p, nil
}

func (c *Client) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, c.HTTPClient)
}
