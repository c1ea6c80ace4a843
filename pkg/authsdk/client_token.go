package authsdk

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// ExchangeCode redeems an authorization code. codeVerifier is empty when the
// authorization request carried no PKCE challenge.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	if codeVerifier != "" {
		data.Set("code_verifier", codeVerifier)
	}
	return c.requestToken(ctx, "/oauth2/token", data)
}

// RefreshGrant requests new tokens using a refresh token. scopes may narrow
// the original grant.
func (c *Client) RefreshGrant(ctx context.Context, refreshToken string, scopes ...string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if len(scopes) > 0 {
		data.Set("scope", strings.Join(scopes, " "))
	}
	return c.requestToken(ctx, "/oauth2/token", data)
}

// RevokeToken revokes an access or refresh token (RFC 7009). hint may be
// empty, "access_token" or "refresh_token".
func (c *Client) RevokeToken(ctx context.Context, token, hint string) error {
	data := url.Values{"token": {token}}
	if hint != "" {
		data.Set("token_type_hint", hint)
	}
	resp, err := c.postForm(ctx, "/oauth2/revoke", data)
	if err != nil {
		return err
	}
	return checkStatus(resp)
}

// GetUserInfo calls the userinfo endpoint with an access token.
func (c *Client) GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.url("/oauth2/userinfo"), nil, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	if err != nil {
		return nil, err
	}

	var info UserInfo
	if err := decodeJSON(resp, &info, http.StatusOK); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) requestToken(ctx context.Context, path string, data url.Values) (*TokenResponse, error) {
	resp, err := c.postForm(ctx, path, data)
	if err != nil {
		return nil, err
	}

	var tokenResp TokenResponse
	if err := decodeJSON(resp, &tokenResp, http.StatusOK); err != nil {
		return nil, err
	}
	return &tokenResp, nil
}
