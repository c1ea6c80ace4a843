package oidcprovider

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
)

// UserInfo is the userinfo response. Claims outside the granted scopes are
// left empty.
type UserInfo struct {
	Subject       string `json:"sub"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
}

func invalidToken(description string) error {
	return apierr.OAuth(apierr.CodeInvalidToken, description).
		WithHeader("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+description+`"`)
}

// handleUserInfo godoc
//
//	@Summary	OpenID Connect userinfo
//	@Tags		oauth2
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	UserInfo
//	@Failure	401	{object}	apierr.OAuthBody
//	@Failure	403	{object}	apierr.OAuthBody
//	@Router		/oauth2/userinfo [get]
func (p *Provider) handleUserInfo(c *endpoint.Context) (*endpoint.Response, error) {
	raw := bearerToken(c)
	if raw == "" {
		return nil, invalidToken("missing access token")
	}
	tok, err := p.repo.tokenBy(c.Context(), "access_token_hash", cryptox.FingerprintToken(raw))
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidToken("unknown access token")
	}
	if err != nil {
		return nil, err
	}
	if !c.Now().Before(tok.AccessTokenExpiresAt) {
		return nil, invalidToken("access token expired")
	}
	if !slices.Contains(tok.Scopes, ScopeOpenID) {
		return nil, apierr.OAuth(apierr.CodeInsufficientScope, "the openid scope was not granted").
			WithHeader("WWW-Authenticate", `Bearer error="insufficient_scope", scope="openid"`)
	}
	user, err := c.Auth.Repo.UserByID(c.Context(), tok.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidToken("user no longer exists")
	}
	if err != nil {
		return nil, err
	}
	return c.OK(userInfoFor(user, tok.Scopes))
}

func userInfoFor(u domain.User, scopes []string) UserInfo {
	info := UserInfo{Subject: u.ID}
	if slices.Contains(scopes, ScopeProfile) {
		info.Name = u.Name
		info.Picture = u.Image
	}
	if slices.Contains(scopes, ScopeEmail) {
		verified := u.EmailVerified
		info.Email = u.Email
		info.EmailVerified = &verified
	}
	return info
}

// handleRevoke godoc
//
//	@Summary		Revoke a token (RFC 7009)
//	@Description	Unknown tokens are accepted silently. Revoking a refresh token also revokes its access token.
//	@Tags			oauth2
//	@Accept			x-www-form-urlencoded
//	@Param			token			formData	string	true	"access or refresh token"
//	@Param			token_type_hint	formData	string	false	"access_token or refresh_token"
//	@Success		200
//	@Failure		400	{object}	apierr.OAuthBody
//	@Failure		401	{object}	apierr.OAuthBody
//	@Router			/oauth2/revoke [post]
func (p *Provider) handleRevoke(c *endpoint.Context) (*endpoint.Response, error) {
	client, err := p.authenticateClient(c)
	if err != nil {
		return nil, err
	}
	form := c.Form()
	raw := form.Get("token")
	if raw == "" {
		return nil, apierr.OAuth(apierr.CodeInvalidRequest, "token is required")
	}

	fields := []string{"access_token_hash", "refresh_token_hash"}
	if form.Get("token_type_hint") == "refresh_token" {
		slices.Reverse(fields)
	}
	hash := cryptox.FingerprintToken(raw)
	var (
		tok   domain.OAuthToken
		field string
	)
	for _, f := range fields {
		tok, err = p.repo.tokenBy(c.Context(), f, hash)
		if err == nil {
			field = f
			break
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if field == "" {
		return &endpoint.Response{Status: http.StatusOK}, nil
	}
	if tok.ClientID != client.ClientID {
		c.Logger().Warn("revocation for another client's token", slog.String("client_id", client.ClientID))
		return nil, apierr.OAuth(apierr.CodeUnauthorizedClient, "token was issued to another client")
	}

	if field == "refresh_token_hash" || tok.RefreshTokenHash == "" {
		if err := p.auth.Adapter.Delete(c.Context(), ModelToken, store.Eq("id", tok.ID)); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	} else {
		// The refresh token outlives its revoked access token.
		if _, err := p.auth.Adapter.Update(c.Context(), ModelToken, []store.Where{store.Eq("id", tok.ID)},
			store.Set("access_token_expires_at", c.Now())); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	c.Logger().Info("token revoked", slog.String("client_id", client.ClientID), slog.String("user_id", tok.UserID))
	return &endpoint.Response{Status: http.StatusOK}, nil
}
