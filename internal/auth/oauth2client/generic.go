package oauth2client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultHTTPTimeout = 10 * time.Second

	maxUserInfoBytes = 1 << 20
)

// Client authentication styles at the token endpoint.
const (
	AuthStyleBasic = "basic"
	AuthStylePost  = "post"
)

// Config configures a GenericProvider.
type Config struct {
	ID           string
	ClientID     string
	ClientSecret string

	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// DefaultScopes are the provider's own defaults; Scopes are added by
	// deployment configuration.
	DefaultScopes []string
	Scopes        []string

	// PKCE makes a code verifier mandatory for every authorization URL.
	PKCE bool
	// AuthStyle is AuthStyleBasic, AuthStylePost or empty to autodetect.
	AuthStyle string

	// RedirectURI defaults to the engine's /callback/{id}.
	RedirectURI string

	HTTPClient *http.Client
}

// GenericProvider talks plain OAuth 2.0 to explicitly configured endpoints.
type GenericProvider struct {
	cfg    Config
	oauth  *oauth2.Config
	client *http.Client
}

var _ Provider = (*GenericProvider)(nil)

func NewGenericProvider(cfg Config) (*GenericProvider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("oauth2client: provider id is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("oauth2client: provider %q needs auth and token URLs", cfg.ID)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &GenericProvider{
		cfg:    cfg,
		client: client,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       mergeScopes(cfg.DefaultScopes, cfg.Scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: authStyle(cfg.AuthStyle),
			},
		},
	}, nil
}

func authStyle(s string) oauth2.AuthStyle {
	switch s {
	case AuthStyleBasic:
		return oauth2.AuthStyleInHeader
	case AuthStylePost:
		return oauth2.AuthStyleInParams
	default:
		return oauth2.AuthStyleAutoDetect
	}
}

func (p *GenericProvider) ID() string { return p.cfg.ID }

// RequiresPKCE reports whether authorization URLs need a code verifier.
func (p *GenericProvider) RequiresPKCE() bool { return p.cfg.PKCE }

func (p *GenericProvider) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func (p *GenericProvider) CreateAuthorizationURL(_ context.Context, in AuthorizationURLParams) (string, error) {
	if p.cfg.ClientID == "" {
		return "", ErrMissingClientCredentials
	}
	if p.cfg.PKCE && in.CodeVerifier == "" {
		return "", ErrMissingCodeVerifier
	}

	cfg := *p.oauth
	cfg.Scopes = mergeScopes(p.oauth.Scopes, in.Scopes)
	if in.RedirectURI != "" {
		cfg.RedirectURL = in.RedirectURI
	}

	var opts []oauth2.AuthCodeOption
	if in.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(in.CodeVerifier))
	}
	if in.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", in.Nonce))
	}
	if in.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", in.LoginHint))
	}
	return cfg.AuthCodeURL(in.State, opts...), nil
}

func (p *GenericProvider) ValidateAuthorizationCode(ctx context.Context, code, codeVerifier, redirectURI string) (*Tokens, error) {
	if p.cfg.ClientID == "" {
		return nil, ErrMissingClientCredentials
	}
	if p.cfg.PKCE && codeVerifier == "" {
		return nil, ErrMissingCodeVerifier
	}
	cfg := *p.oauth
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	tok, err := cfg.Exchange(p.ctx(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}
	return tokensFrom(tok, time.Now()), nil
}

func (p *GenericProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	if p.cfg.ClientID == "" {
		return nil, ErrMissingClientCredentials
	}
	// An already expired token forces the source to refresh.
	src := p.oauth.TokenSource(p.ctx(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}
	out := tokensFrom(tok, time.Now())
	if out.RefreshToken == refreshToken {
		// Not rotated.
		out.RefreshToken = ""
	}
	return out, nil
}

func (p *GenericProvider) GetUserInfo(ctx context.Context, tokens *Tokens) (*UserInfo, error) {
	if p.cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("%w: no userinfo endpoint", ErrUserInfoFetchFailed)
	}
	claims, err := fetchUserInfo(ctx, p.client, p.cfg.UserInfoURL, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	return userInfoFromClaims(claims), nil
}

func fetchUserInfo(ctx context.Context, client *http.Client, url, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfoFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfoFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUserInfoFetchFailed, resp.StatusCode)
	}
	var claims map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes)).Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfoFetchFailed, err)
	}
	return claims, nil
}

func tokensFrom(tok *oauth2.Token, now time.Time) *Tokens {
	out := &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		out.AccessTokenExpiresAt = &exp
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scopes = strings.Fields(scope)
	}
	if secs := number(tok.Extra("refresh_token_expires_in")); secs > 0 {
		exp := now.Add(time.Duration(secs) * time.Second)
		out.RefreshTokenExpiresAt = &exp
	}
	return out
}

func number(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		var i int64
		_, _ = fmt.Sscan(n, &i)
		return i
	}
	return 0
}

// userInfoFromClaims maps standard OIDC claims; "id" is accepted for
// providers that do not send "sub".
func userInfoFromClaims(claims map[string]any) *UserInfo {
	str := func(k string) string {
		switch v := claims[k].(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
		return ""
	}
	info := &UserInfo{
		ID:    str("sub"),
		Email: strings.ToLower(str("email")),
		Name:  str("name"),
		Image: str("picture"),
		Raw:   claims,
	}
	if info.ID == "" {
		info.ID = str("id")
	}
	if info.Image == "" {
		info.Image = str("avatar_url")
	}
	switch v := claims["email_verified"].(type) {
	case bool:
		info.EmailVerified = v
	case string:
		info.EmailVerified = v == "true"
	}
	return info
}
