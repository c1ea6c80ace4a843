package oidcprovider

import (
	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
)

// Discovery is the OpenID Provider metadata document.
type Discovery struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	UserInfoEndpoint                       string   `json:"userinfo_endpoint"`
	JWKSURI                                string   `json:"jwks_uri"`
	RegistrationEndpoint                   string   `json:"registration_endpoint"`
	RevocationEndpoint                     string   `json:"revocation_endpoint"`
	BackchannelAuthenticationEndpoint      string   `json:"backchannel_authentication_endpoint"`
	ScopesSupported                        []string `json:"scopes_supported"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	ResponseModesSupported                 []string `json:"response_modes_supported"`
	GrantTypesSupported                    []string `json:"grant_types_supported"`
	SubjectTypesSupported                  []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported       []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                        []string `json:"claims_supported"`
	BackchannelTokenDeliveryModesSupported []string `json:"backchannel_token_delivery_modes_supported"`
	BackchannelUserCodeParameterSupported  bool     `json:"backchannel_user_code_parameter_supported"`
	AuthorizationResponseIssParameter      bool     `json:"authorization_response_iss_parameter_supported"`
}

// Discovery builds the metadata document for the current configuration.
func (p *Provider) Discovery() Discovery {
	return Discovery{
		Issuer:                                 p.cfg.Issuer,
		AuthorizationEndpoint:                  p.auth.URL("/oauth2/authorize"),
		TokenEndpoint:                          p.auth.URL("/oauth2/token"),
		UserInfoEndpoint:                       p.auth.URL("/oauth2/userinfo"),
		JWKSURI:                                p.auth.URL("/jwks"),
		RegistrationEndpoint:                   p.auth.URL("/oauth2/register"),
		RevocationEndpoint:                     p.auth.URL("/oauth2/revoke"),
		BackchannelAuthenticationEndpoint:      p.auth.URL("/oauth2/bc-authorize"),
		ScopesSupported:                        p.cfg.Scopes,
		ResponseTypesSupported:                 []string{"code"},
		ResponseModesSupported:                 []string{"query"},
		GrantTypesSupported:                    supportedGrants,
		SubjectTypesSupported:                  []string{"public"},
		IDTokenSigningAlgValuesSupported:       []string{p.keys.Algorithm()},
		TokenEndpointAuthMethodsSupported:      supportedAuthMethods,
		CodeChallengeMethodsSupported:          []string{cryptox.PKCEMethodS256, cryptox.PKCEMethodPlain},
		ClaimsSupported:                        []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "at_hash", "sid", "name", "picture", "email", "email_verified"},
		BackchannelTokenDeliveryModesSupported: []string{"poll"},
		AuthorizationResponseIssParameter:      true,
	}
}

// handleDiscovery godoc
//
//	@Summary	OpenID Provider metadata
//	@Tags		discovery
//	@Produce	json
//	@Success	200	{object}	Discovery
//	@Router		/.well-known/openid-configuration [get]
func (p *Provider) handleDiscovery(c *endpoint.Context) (*endpoint.Response, error) {
	resp, _ := c.OK(p.Discovery())
	resp.Header.Set("Cache-Control", "public, max-age=3600")
	return resp, nil
}

// handleJWKS godoc
//
//	@Summary		Public signing keys
//	@Description	Returns 503 until a signing key is loaded.
//	@Tags			discovery
//	@Produce		json
//	@Success		200	{object}	jwtx.JWKS
//	@Failure		503	{object}	apierr.Body
//	@Router			/jwks [get]
func (p *Provider) handleJWKS(c *endpoint.Context) (*endpoint.Response, error) {
	if !p.keys.IsReady() {
		return nil, apierr.New(apierr.StatusServiceUnavailable, "KEYS_NOT_READY", "signing keys are not loaded")
	}
	resp, _ := c.OK(p.keys.PublicJWKS())
	resp.Header.Set("Cache-Control", "public, max-age=300")
	return resp, nil
}
