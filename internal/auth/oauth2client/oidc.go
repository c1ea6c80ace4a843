package oauth2client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

// OIDCConfig configures an OIDCProvider. Endpoints come from discovery.
type OIDCConfig struct {
	ID           string
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// PKCE forces a code verifier. Providers advertising S256 get one
	// regardless.
	PKCE        bool
	AuthStyle   string
	RedirectURI string
	HTTPClient  *http.Client
	// Now overrides the clock used for ID token expiry checks.
	Now func() time.Time
}

type discoveryClaims struct {
	Issuer           string   `json:"issuer"`
	JWKSURI          string   `json:"jwks_uri"`
	UserInfoEndpoint string   `json:"userinfo_endpoint"`
	SigningAlgs      []string `json:"id_token_signing_alg_values_supported"`
	PKCEMethods      []string `json:"code_challenge_methods_supported"`
}

// OIDCProvider is a GenericProvider whose endpoints are discovered and whose
// ID tokens are verified against the issuer's JWKS.
type OIDCProvider struct {
	*GenericProvider
	verifier *oidc.IDTokenVerifier
}

var (
	_ Provider        = (*OIDCProvider)(nil)
	_ IDTokenVerifier = (*OIDCProvider)(nil)
)

// NewOIDCProvider runs discovery against cfg.Issuer.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oauth2client: issuer is required for OIDC providers")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	discovered, err := oidc.NewProvider(oidc.ClientContext(ctx, client), strings.TrimSuffix(cfg.Issuer, "/"))
	if err != nil {
		return nil, fmt.Errorf("oauth2client: discover %s: %w", cfg.Issuer, err)
	}
	var claims discoveryClaims
	if err := discovered.Claims(&claims); err != nil {
		return nil, fmt.Errorf("oauth2client: read discovery document: %w", err)
	}
	if claims.JWKSURI == "" {
		return nil, fmt.Errorf("oauth2client: %s publishes no jwks_uri", cfg.Issuer)
	}

	endpoint := discovered.Endpoint()
	generic, err := NewGenericProvider(Config{
		ID:            cfg.ID,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		AuthURL:       endpoint.AuthURL,
		TokenURL:      endpoint.TokenURL,
		UserInfoURL:   claims.UserInfoEndpoint,
		DefaultScopes: []string{oidc.ScopeOpenID, "profile", "email"},
		Scopes:        cfg.Scopes,
		PKCE:          cfg.PKCE || slices.Contains(claims.PKCEMethods, "S256"),
		AuthStyle:     cfg.AuthStyle,
		RedirectURI:   cfg.RedirectURI,
		HTTPClient:    client,
	})
	if err != nil {
		return nil, err
	}

	keys := jwtx.NewRemoteKeySet(claims.JWKSURI, jwtx.RemoteKeySetOptions{HTTPClient: client, Now: cfg.Now})
	verifierCfg := &oidc.Config{ClientID: cfg.ClientID, SupportedSigningAlgs: claims.SigningAlgs, Now: cfg.Now}
	if len(verifierCfg.SupportedSigningAlgs) == 0 {
		verifierCfg.SupportedSigningAlgs = []string{oidc.RS256}
	}

	return &OIDCProvider{
		GenericProvider: generic,
		verifier:        oidc.NewVerifier(claims.Issuer, keys, verifierCfg),
	}, nil
}

// VerifyIDToken checks signature, issuer, audience and expiry, then the
// nonce when one was sent.
func (p *OIDCProvider) VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (*UserInfo, error) {
	tok, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIDToken, err)
	}
	if nonce != "" && tok.Nonce != nonce {
		return nil, ErrNonceMismatch
	}
	var claims map[string]any
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIDToken, err)
	}
	info := userInfoFromClaims(claims)
	info.ID = tok.Subject
	return info, nil
}

// GetUserInfo prefers the userinfo endpoint and falls back to the ID token
// claims.
func (p *OIDCProvider) GetUserInfo(ctx context.Context, tokens *Tokens) (*UserInfo, error) {
	if p.cfg.UserInfoURL != "" {
		info, err := p.GenericProvider.GetUserInfo(ctx, tokens)
		if err == nil && info.ID != "" {
			return info, nil
		}
	}
	if tokens.IDToken == "" {
		return nil, fmt.Errorf("%w: no userinfo endpoint or id token", ErrUserInfoFetchFailed)
	}
	info, err := p.VerifyIDToken(ctx, tokens.IDToken, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfoFetchFailed, err)
	}
	return info, nil
}
