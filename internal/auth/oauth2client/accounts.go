package oauth2client

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

type accountView struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"providerId"`
	AccountID  string    `json:"accountId"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func newAccountView(a domain.Account) accountView {
	return accountView{
		ID:         a.ID,
		ProviderID: a.ProviderID,
		AccountID:  a.AccountID,
		Scopes:     strings.Fields(a.Scope),
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

// handleListAccounts godoc
//
//	@Summary		List the identities linked to the caller
//	@Tags			social
//	@Produce		json
//	@Success		200	{array}		accountView
//	@Failure		401	{object}	apierr.Body
//	@Router			/list-accounts [get]
func (f *Flow) handleListAccounts(c *endpoint.Context) (*endpoint.Response, error) {
	accts, err := c.Auth.Repo.ListAccounts(c.Context(), session.Current(c).User.ID)
	if err != nil {
		return nil, err
	}
	out := make([]accountView, len(accts))
	for i, a := range accts {
		out[i] = newAccountView(a)
	}
	return c.OK(out)
}

type refreshTokenRequest struct {
	ProviderID string `json:"providerId"`
}

type refreshTokenResponse struct {
	AccessToken          string     `json:"accessToken"`
	RefreshToken         string     `json:"refreshToken,omitempty"`
	IDToken              string     `json:"idToken,omitempty"`
	AccessTokenExpiresAt *time.Time `json:"accessTokenExpiresAt,omitempty"`
	Scope                string     `json:"scope,omitempty"`
}

// handleRefreshToken godoc
//
//	@Summary		Refresh the caller's access token at a provider
//	@Tags			social
//	@Accept			json
//	@Produce		json
//	@Param			body	body		refreshTokenRequest	true	"provider"
//	@Success		200		{object}	refreshTokenResponse
//	@Failure		400		{object}	apierr.Body
//	@Router			/refresh-token [post]
func (f *Flow) handleRefreshToken(c *endpoint.Context) (*endpoint.Response, error) {
	var req refreshTokenRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	p, ok := f.providers[req.ProviderID]
	if !ok {
		return nil, apierr.NotFound(CodeProviderNotFound, "provider not found")
	}

	user := session.Current(c).User
	acct, err := c.Auth.Repo.UserAccount(c.Context(), user.ID, p.ID())
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.BadRequest("ACCOUNT_NOT_FOUND", "no account linked for this provider")
	}
	if err != nil {
		return nil, err
	}
	if acct.RefreshToken == "" {
		return nil, apierr.BadRequest("REFRESH_TOKEN_NOT_FOUND", "account has no refresh token")
	}

	tokens, err := p.RefreshAccessToken(c.Context(), acct.RefreshToken)
	if errors.Is(err, ErrMissingClientCredentials) {
		return nil, apierr.BadRequest(CodeMissingClientCredentials, "provider client credentials are not configured")
	}
	if err != nil {
		c.Logger().Warn("provider token refresh failed", slog.String("provider_id", p.ID()), "error", err)
		return nil, apierr.BadRequest("FAILED_TO_REFRESH_ACCESS_TOKEN", "failed to refresh access token")
	}

	acct, err = c.Auth.Repo.UpdateAccount(c.Context(), acct.ID, tokenRecord(tokens))
	if err != nil {
		return nil, err
	}
	return c.OK(refreshTokenResponse{
		AccessToken:          acct.AccessToken,
		RefreshToken:         tokens.RefreshToken,
		IDToken:              tokens.IDToken,
		AccessTokenExpiresAt: acct.AccessTokenExpiresAt,
		Scope:                acct.Scope,
	})
}
