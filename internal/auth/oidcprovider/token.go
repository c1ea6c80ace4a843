package oidcprovider

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

// handleToken godoc
//
//	@Summary		OAuth 2.0 token endpoint
//	@Description	Exchanges an authorization code, a refresh token or an approved CIBA request for tokens.
//	@Tags			oauth2
//	@Accept			x-www-form-urlencoded
//	@Produce		json
//	@Param			grant_type		formData	string	true	"authorization_code, refresh_token or urn:openid:params:grant-type:ciba"
//	@Param			code			formData	string	false	"authorization code"
//	@Param			redirect_uri	formData	string	false	"redirect URI used at the authorization endpoint"
//	@Param			code_verifier	formData	string	false	"PKCE verifier"
//	@Param			refresh_token	formData	string	false	"refresh token"
//	@Param			scope			formData	string	false	"narrowed scope for refresh"
//	@Param			auth_req_id		formData	string	false	"CIBA request id"
//	@Success		200	{object}	domain.TokenPair
//	@Failure		400	{object}	apierr.OAuthBody
//	@Failure		401	{object}	apierr.OAuthBody
//	@Router			/oauth2/token [post]
func (p *Provider) handleToken(c *endpoint.Context) (*endpoint.Response, error) {
	client, err := p.authenticateClient(c)
	if err != nil {
		return nil, err
	}
	form := c.Form()
	grant := form.Get("grant_type")
	if grant == "" {
		return nil, apierr.OAuth(apierr.CodeInvalidRequest, "grant_type is required")
	}
	if !slices.Contains(supportedGrants, grant) {
		return nil, apierr.OAuth(apierr.CodeUnsupportedGrantType, "unsupported grant_type")
	}
	if !client.AllowsGrant(grant) {
		return nil, apierr.OAuth(apierr.CodeUnauthorizedClient, "client may not use this grant type")
	}

	var pair domain.TokenPair
	switch grant {
	case domain.GrantAuthorizationCode:
		pair, err = p.exchangeCode(c, client, form)
	case domain.GrantRefreshToken:
		pair, err = p.refresh(c, client, form)
	case domain.GrantCIBA:
		pair, err = p.pollCIBA(c, client, form.Get("auth_req_id"))
	}
	if err != nil {
		return nil, err
	}
	return tokenResponse(c, pair)
}

func tokenResponse(c *endpoint.Context, pair domain.TokenPair) (*endpoint.Response, error) {
	resp, _ := c.OK(pair)
	resp.Header.Set("Cache-Control", "no-store")
	resp.Header.Set("Pragma", "no-cache")
	return resp, nil
}

// redirectURIMatches requires the exact redirect_uri when the authorization
// request carried one. A defaulted redirect_uri may be omitted.
func redirectURIMatches(code domain.AuthorizationCode, got string) bool {
	if code.RedirectURISupplied {
		return got == code.RedirectURI
	}
	return got == "" || got == code.RedirectURI
}

func (p *Provider) exchangeCode(c *endpoint.Context, client domain.OAuthClient, form url.Values) (domain.TokenPair, error) {
	raw := form.Get("code")
	if raw == "" {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidRequest, "code is required")
	}
	code, err := p.repo.takeCode(c.Context(), cryptox.FingerprintToken(raw))
	if errors.Is(err, store.ErrNotFound) {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "authorization code is invalid or already used")
	}
	if err != nil {
		return domain.TokenPair{}, err
	}

	log := c.Logger().With(slog.String("client_id", client.ClientID))
	switch {
	case !c.Now().Before(code.ExpiresAt):
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "authorization code expired")
	case code.ClientID != client.ClientID:
		log.Warn("authorization code presented by another client", slog.String("issued_to", code.ClientID))
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "authorization code was issued to another client")
	case !redirectURIMatches(code, form.Get("redirect_uri")):
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "redirect_uri does not match the authorization request")
	}

	verifier := form.Get("code_verifier")
	if code.CodeChallenge != "" {
		if !cryptox.VerifyCodeChallenge(code.CodeChallenge, code.CodeChallengeMethod, verifier) {
			log.Warn("PKCE verification failed")
			return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "code_verifier does not match the code_challenge")
		}
	} else if verifier != "" {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidRequest, "code_verifier sent for a request without code_challenge")
	}

	user, err := c.Auth.Repo.UserByID(c.Context(), code.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "user no longer exists")
	}
	if err != nil {
		return domain.TokenPair{}, err
	}

	g := tokenGrant{
		Client:    client,
		User:      user,
		Scopes:    code.Scopes,
		Nonce:     code.Nonce,
		AuthTime:  code.AuthTime,
		SessionID: code.SessionID,
	}
	return p.mintTokens(c, g, p.allowsRefresh(client, code.Scopes))
}

func (p *Provider) refresh(c *endpoint.Context, client domain.OAuthClient, form url.Values) (domain.TokenPair, error) {
	raw := form.Get("refresh_token")
	if raw == "" {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidRequest, "refresh_token is required")
	}
	tok, err := p.repo.tokenBy(c.Context(), "refresh_token_hash", cryptox.FingerprintToken(raw))
	if errors.Is(err, store.ErrNotFound) {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "refresh token is invalid")
	}
	if err != nil {
		return domain.TokenPair{}, err
	}
	if tok.ClientID != client.ClientID {
		c.Logger().Warn("refresh token presented by another client", slog.String("client_id", client.ClientID))
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "refresh token was issued to another client")
	}
	if tok.RefreshTokenExpiresAt == nil || !c.Now().Before(*tok.RefreshTokenExpiresAt) {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "refresh token expired")
	}

	scopes := tok.Scopes
	if requested := splitScope(form.Get("scope")); len(requested) > 0 {
		if !subset(requested, tok.Scopes) {
			return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidScope, "scope exceeds the original grant")
		}
		scopes = requested
	}

	user, err := c.Auth.Repo.UserByID(c.Context(), tok.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "user no longer exists")
	}
	if err != nil {
		return domain.TokenPair{}, err
	}
	g := tokenGrant{Client: client, User: user, Scopes: scopes}

	if !p.cfg.RotateRefreshTokens {
		// The refresh row stays as is; the new access token gets its own row.
		pair, err := p.mintTokens(c, g, false)
		if err != nil {
			return domain.TokenPair{}, err
		}
		pair.RefreshToken = raw
		return pair, nil
	}

	n, err := p.auth.Adapter.DeleteMany(c.Context(), ModelToken,
		store.Eq("id", tok.ID), store.Eq("refresh_token_hash", tok.RefreshTokenHash))
	if err != nil {
		return domain.TokenPair{}, err
	}
	if n != 1 {
		c.Logger().Warn("refresh token replayed", slog.String("client_id", client.ClientID), slog.String("user_id", tok.UserID))
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "refresh token is invalid")
	}
	return p.mintTokens(c, g, true)
}

// allowsRefresh reports whether a grant gets a refresh token: the client must
// have registered the refresh grant, and an openid request must also ask for
// offline_access.
func (p *Provider) allowsRefresh(client domain.OAuthClient, scopes []string) bool {
	if !client.AllowsGrant(domain.GrantRefreshToken) {
		return false
	}
	return !slices.Contains(scopes, ScopeOpenID) || slices.Contains(scopes, ScopeOfflineAccess)
}

// tokenGrant is what a grant resolved to before tokens are minted.
type tokenGrant struct {
	Client    domain.OAuthClient
	User      domain.User
	Scopes    []string
	Nonce     string
	AuthTime  time.Time
	SessionID string
}

// mintTokens stores a fresh access token, optionally with a refresh token,
// and signs an ID token when openid was granted.
func (p *Provider) mintTokens(c *endpoint.Context, g tokenGrant, withRefresh bool) (domain.TokenPair, error) {
	now := c.Now()
	access, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return domain.TokenPair{}, err
	}
	tok := domain.OAuthToken{
		AccessTokenHash:      cryptox.FingerprintToken(access),
		ClientID:             g.Client.ClientID,
		UserID:               g.User.ID,
		Scopes:               g.Scopes,
		AccessTokenExpiresAt: now.Add(p.cfg.AccessTokenTTL),
		CreatedAt:            now,
	}
	pair := domain.TokenPair{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(p.cfg.AccessTokenTTL / time.Second),
		Scope:       strings.Join(g.Scopes, " "),
	}
	if withRefresh {
		refresh, err := cryptox.GenerateToken(cryptox.TokenSize256)
		if err != nil {
			return domain.TokenPair{}, err
		}
		exp := now.Add(p.cfg.RefreshTokenTTL)
		tok.RefreshTokenHash = cryptox.FingerprintToken(refresh)
		tok.RefreshTokenExpiresAt = &exp
		pair.RefreshToken = refresh
	}
	if _, err := p.auth.Adapter.Create(c.Context(), ModelToken, tokenRecord(tok)); err != nil {
		return domain.TokenPair{}, err
	}

	if slices.Contains(g.Scopes, ScopeOpenID) {
		idToken, err := p.signIDToken(g, access, now)
		if err != nil {
			return domain.TokenPair{}, err
		}
		pair.IDToken = idToken
	}

	c.Logger().Info("tokens issued",
		slog.String("client_id", g.Client.ClientID),
		slog.String("user_id", g.User.ID),
		slog.Bool("refresh", withRefresh),
	)
	return pair, nil
}

func (p *Provider) signIDToken(g tokenGrant, accessToken string, now time.Time) (string, error) {
	claims := jwtx.NewIDTokenClaims(p.cfg.Issuer, g.User.ID, g.Client.ClientID, now, p.cfg.IDTokenTTL)
	claims.Nonce = g.Nonce
	claims.AtHash = jwtx.AccessTokenHash(accessToken)
	claims.SID = g.SessionID
	if !g.AuthTime.IsZero() {
		claims.AuthTime = g.AuthTime.Unix()
	}
	if slices.Contains(g.Scopes, ScopeProfile) {
		claims.Name = g.User.Name
		claims.Picture = g.User.Image
	}
	if slices.Contains(g.Scopes, ScopeEmail) {
		verified := g.User.EmailVerified
		claims.Email = g.User.Email
		claims.EmailVerified = &verified
	}
	return p.keys.Sign(claims)
}

// bearerToken extracts an RFC 6750 token from the Authorization header, or
// from the access_token form field on POST.
func bearerToken(c *endpoint.Context) string {
	h := c.Header("Authorization")
	if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	if c.Request.Method == http.MethodPost {
		return c.Form().Get("access_token")
	}
	return ""
}
