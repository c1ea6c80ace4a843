package auth_test

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/aussiebroadwan/gatehouse/pkg/authsdk"
)

var codeGrants = []string{"authorization_code", "refresh_token"}

// authorize runs the browser leg of the code flow, accepting consent when
// asked, and returns the redirect back to the client.
func authorize(t *testing.T, b *browser, authURL string) *url.URL {
	t.Helper()
	status, loc := b.get(authURL, nil)
	require.Equal(t, http.StatusFound, status)
	require.NotNil(t, loc)

	if loc.Path == "/consent" {
		var out struct {
			Redirect bool   `json:"redirect"`
			URL      string `json:"url"`
		}
		status = b.post("/oauth2/consent", map[string]any{"accept": true, "consent_code": loc.Query().Get("consent_code")}, &out)
		require.Equal(t, http.StatusOK, status)
		require.True(t, out.Redirect)
		var err error
		loc, err = url.Parse(out.URL)
		require.NoError(t, err)
	}
	require.Equal(t, redirectURI, loc.Scheme+"://"+loc.Host+loc.Path)
	return loc
}

// TestAuthorizationCodeFlow drives a confidential client through login,
// consent, code exchange, ID token verification, refresh and revocation.
func TestAuthorizationCodeFlow(t *testing.T) {
	baseURL := setupAuthServer(t, nil)
	ctx := t.Context()

	user := signUp(t, baseURL, userEmail)
	reg := registerClient(t, user, codeGrants, fullScope)
	client := authsdk.NewClient(baseURL, reg.ClientID, reg.ClientSecret)

	cfg, err := client.OAuth2Config(ctx, redirectURI, strings.Fields(fullScope)...)
	require.NoError(t, err)
	verifier := oauth2.GenerateVerifier()
	back := authorize(t, user, cfg.AuthCodeURL("xyz",
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", "n-0S6"),
	))
	require.Equal(t, "xyz", back.Query().Get("state"))
	require.Equal(t, client.Issuer(), back.Query().Get("iss"))
	code := back.Query().Get("code")

	tokens, err := client.ExchangeCode(ctx, code, redirectURI, verifier)
	require.NoError(t, err)
	assertTokenResponse(t, tokens)
	require.NotEmpty(t, tokens.RefreshToken, "offline_access should yield a refresh token")

	idToken, err := client.VerifyIDToken(ctx, tokens.IDToken)
	require.NoError(t, err)
	require.Equal(t, "n-0S6", idToken.Nonce)
	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	require.NoError(t, idToken.Claims(&claims))
	require.Equal(t, userEmail, claims.Email)
	require.Equal(t, "Ada Lovelace", claims.Name)
	require.NoError(t, idToken.VerifyAccessToken(tokens.AccessToken))

	info, err := client.GetUserInfo(ctx, tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, idToken.Subject, info.Subject)
	require.Equal(t, userEmail, info.Email)

	// Codes are single-use.
	_, err = client.ExchangeCode(ctx, code, redirectURI, verifier)
	require.True(t, authsdk.IsOAuth2Error(err, authsdk.ErrorCodeInvalidGrant), err)

	// Refresh rotates the refresh token.
	refreshed, err := client.RefreshGrant(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, tokens.RefreshToken, refreshed.RefreshToken)
	_, err = client.RefreshGrant(ctx, tokens.RefreshToken)
	require.True(t, authsdk.IsOAuth2Error(err, authsdk.ErrorCodeInvalidGrant), err)

	// Revoking the refresh token takes its access token with it.
	require.NoError(t, client.RevokeToken(ctx, refreshed.RefreshToken, "refresh_token"))
	_, err = client.GetUserInfo(ctx, refreshed.AccessToken)
	require.True(t, authsdk.IsOAuth2Error(err, authsdk.ErrorCodeInvalidToken), err)
}

// TestAuthorizationCodeFlow_OAuth2Library exchanges the code with
// golang.org/x/oauth2 directly, as an off-the-shelf relying party would.
func TestAuthorizationCodeFlow_OAuth2Library(t *testing.T) {
	baseURL := setupAuthServer(t, nil)

	user := signUp(t, baseURL, userEmail)
	reg := registerClient(t, user, codeGrants, "openid email")
	client := authsdk.NewClient(baseURL, reg.ClientID, reg.ClientSecret)

	cfg, err := client.OAuth2Config(t.Context(), redirectURI, "openid", "email")
	require.NoError(t, err)
	verifier := oauth2.GenerateVerifier()
	back := authorize(t, user, cfg.AuthCodeURL("state", oauth2.S256ChallengeOption(verifier)))

	ctx := context.WithValue(t.Context(), oauth2.HTTPClient, client.HTTPClient)
	tok, err := cfg.Exchange(ctx, back.Query().Get("code"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	require.True(t, tok.Valid())
	require.Empty(t, tok.RefreshToken, "no refresh token without offline_access")

	rawID, ok := tok.Extra("id_token").(string)
	require.True(t, ok)
	_, err = client.VerifyIDToken(t.Context(), rawID)
	require.NoError(t, err)
}

// TestTokenEndpoint_ClientAuthentication verifies a wrong secret is refused.
func TestTokenEndpoint_ClientAuthentication(t *testing.T) {
	baseURL := setupAuthServer(t, nil)

	user := signUp(t, baseURL, userEmail)
	reg := registerClient(t, user, codeGrants, fullScope)

	imposter := authsdk.NewClient(baseURL, reg.ClientID, "not-the-secret")
	_, err := imposter.ExchangeCode(t.Context(), "code", redirectURI, "")
	require.True(t, authsdk.IsOAuth2Error(err, authsdk.ErrorCodeInvalidClient), err)

	var oe *authsdk.OAuth2Error
	require.ErrorAs(t, err, &oe)
	require.Equal(t, http.StatusUnauthorized, oe.StatusCode)
}
