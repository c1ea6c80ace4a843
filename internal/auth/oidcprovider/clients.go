package oidcprovider

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
)

var (
	supportedAuthMethods = []string{domain.AuthMethodClientSecretBasic, domain.AuthMethodClientSecretPost, domain.AuthMethodNone}
	supportedGrants      = []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken, domain.GrantCIBA}
)

// authenticateClient resolves the calling client from the Authorization
// header or the form body and checks it used its registered method.
func (p *Provider) authenticateClient(c *endpoint.Context) (domain.OAuthClient, error) {
	form := c.Form()
	l := c.Logger()

	method := domain.AuthMethodNone
	clientID, secret := form.Get("client_id"), form.Get("client_secret")
	if id, s, ok := basicAuth(c.Header("Authorization")); ok {
		if clientID != "" && clientID != id {
			return domain.OAuthClient{}, apierr.OAuth(apierr.CodeInvalidRequest, "client_id does not match the Authorization header")
		}
		method, clientID, secret = domain.AuthMethodClientSecretBasic, id, s
	} else if secret != "" {
		method = domain.AuthMethodClientSecretPost
	}
	if clientID == "" {
		return domain.OAuthClient{}, apierr.OAuth(apierr.CodeInvalidClient, "client authentication failed")
	}

	client, err := p.repo.client(c.Context(), clientID)
	if errors.Is(err, store.ErrNotFound) {
		l.Info("client authentication failed", slog.String("client_id", clientID), slog.String("reason", "unknown client"))
		return domain.OAuthClient{}, apierr.OAuth(apierr.CodeInvalidClient, "client authentication failed")
	}
	if err != nil {
		return domain.OAuthClient{}, err
	}
	if client.Disabled {
		return domain.OAuthClient{}, apierr.OAuth(apierr.CodeInvalidClient, "client is disabled")
	}
	if method != client.TokenEndpointAuthMethod {
		l.Info("client authentication failed", slog.String("client_id", clientID),
			slog.String("reason", "method mismatch"), slog.String("method", method))
		return domain.OAuthClient{}, apierr.OAuth(apierr.CodeInvalidClient, "client authentication method does not match registration")
	}
	if method != domain.AuthMethodNone && !cryptox.MatchFingerprint(secret, client.ClientSecretHash) {
		l.Info("client authentication failed", slog.String("client_id", clientID), slog.String("reason", "bad secret"))
		return domain.OAuthClient{}, apierr.OAuth(apierr.CodeInvalidClient, "client authentication failed")
	}
	return client, nil
}

// basicAuth parses an RFC 6749 section 2.3.1 Basic header, whose parts are
// form-urlencoded before base64.
func basicAuth(header string) (id, secret string, ok bool) {
	r := http.Request{Header: http.Header{"Authorization": {header}}}
	id, secret, ok = r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if v, err := url.QueryUnescape(id); err == nil {
		id = v
	}
	if v, err := url.QueryUnescape(secret); err == nil {
		secret = v
	}
	return id, secret, true
}

// validRedirectURI accepts absolute URIs without a fragment.
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Fragment != "" {
		return false
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return u.Host != ""
	}
	// Private-use schemes for native apps.
	return strings.Contains(u.Scheme, ".") || u.Opaque != "" || u.Path != ""
}

type clientView struct {
	ClientID                string         `json:"client_id"`
	ClientSecret            string         `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64          `json:"client_id_issued_at"`
	ClientSecretExpiresAt   *int64         `json:"client_secret_expires_at,omitempty"`
	ClientName              string         `json:"client_name,omitempty"`
	RedirectURIs            []string       `json:"redirect_uris"`
	TokenEndpointAuthMethod string         `json:"token_endpoint_auth_method"`
	GrantTypes              []string       `json:"grant_types"`
	ResponseTypes           []string       `json:"response_types"`
	Scope                   string         `json:"scope,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty"`
	SkipConsent             bool           `json:"skip_consent,omitempty"`
}

func newClientView(c domain.OAuthClient, secret string) clientView {
	v := clientView{
		ClientID:                c.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        c.CreatedAt.Unix(),
		ClientName:              c.Name,
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		Scope:                   strings.Join(c.Scopes, " "),
		Metadata:                c.Metadata,
		SkipConsent:             c.SkipConsent,
	}
	if secret != "" {
		never := int64(0)
		v.ClientSecretExpiresAt = &never
	}
	return v
}

// registerRequest is RFC 7591 client metadata. Unknown members are
// dropped; client_secret is refused.
type registerRequest struct {
	RedirectURIs            []string       `json:"redirect_uris"`
	TokenEndpointAuthMethod string         `json:"token_endpoint_auth_method"`
	GrantTypes              []string       `json:"grant_types"`
	ResponseTypes           []string       `json:"response_types"`
	ClientName              string         `json:"client_name"`
	Scope                   string         `json:"scope"`
	Metadata                map[string]any `json:"metadata"`
}

// protectedFields may never come from a caller.
var protectedFields = []string{"client_id", "client_secret", "client_secret_hash", "client_id_issued_at", "client_secret_expires_at", "skip_consent"}

func rawFields(body []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, "body must be a JSON object")
	}
	return fields, nil
}

// handleRegister godoc
//
//	@Summary		Register an OAuth client (RFC 7591)
//	@Tags			oauth2
//	@Accept			json
//	@Produce		json
//	@Param			body	body		registerRequest	true	"client metadata"
//	@Success		201		{object}	clientView
//	@Failure		400		{object}	apierr.OAuthBody
//	@Failure		401		{object}	apierr.Body
//	@Router			/oauth2/register [post]
func (p *Provider) handleRegister(c *endpoint.Context) (*endpoint.Response, error) {
	owner, err := p.sessions.Get(c)
	if err != nil {
		return nil, err
	}
	if owner == nil && !p.cfg.AllowDynamicRegistration {
		return nil, apierr.Unauthorized("UNAUTHORIZED", "authentication required to register clients")
	}

	fields, err := rawFields(c.Request.Body)
	if err != nil {
		return nil, err
	}
	for _, f := range protectedFields {
		if _, ok := fields[f]; ok {
			return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, f+" cannot be set by the client")
		}
	}
	var req registerRequest
	if err := json.Unmarshal(c.Request.Body, &req); err != nil {
		return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, "invalid client metadata")
	}

	if len(req.RedirectURIs) == 0 {
		return nil, apierr.OAuth(apierr.CodeInvalidRedirectURI, "redirect_uris is required")
	}
	for _, u := range req.RedirectURIs {
		if !validRedirectURI(u) {
			return nil, apierr.OAuth(apierr.CodeInvalidRedirectURI, "invalid redirect URI: "+u)
		}
	}
	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = domain.AuthMethodClientSecretBasic
	}
	if !slices.Contains(supportedAuthMethods, req.TokenEndpointAuthMethod) {
		return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, "unsupported token_endpoint_auth_method")
	}
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{domain.GrantAuthorizationCode}
	}
	if !subset(req.GrantTypes, supportedGrants) {
		return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, "unsupported grant type")
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	}
	if !subset(req.ResponseTypes, []string{"code"}) {
		return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, "unsupported response type")
	}
	scopes := splitScope(req.Scope)
	if len(scopes) == 0 {
		scopes = slices.Clone(p.cfg.Scopes)
	}
	if !subset(scopes, p.cfg.Scopes) {
		return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, "unsupported scope")
	}

	clientID, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, err
	}
	var secret string
	client := domain.OAuthClient{
		ClientID:                clientID,
		Name:                    req.ClientName,
		RedirectURIs:            dedupe(req.RedirectURIs),
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              dedupe(req.GrantTypes),
		ResponseTypes:           dedupe(req.ResponseTypes),
		Scopes:                  scopes,
		Metadata:                req.Metadata,
		CreatedAt:               c.Now(),
		UpdatedAt:               c.Now(),
	}
	if owner != nil {
		client.UserID = owner.User.ID
	}
	if !client.IsPublic() {
		if secret, err = cryptox.GenerateToken(cryptox.TokenSize256); err != nil {
			return nil, err
		}
		client.ClientSecretHash = cryptox.FingerprintToken(secret)
	}

	client, err = p.repo.createClient(c.Context(), client)
	if err != nil {
		return nil, err
	}
	c.Logger().Info("oauth client registered",
		slog.String("client_id", client.ClientID),
		slog.String("auth_method", client.TokenEndpointAuthMethod),
		slog.String("user_id", client.UserID))

	resp, _ := c.JSON(http.StatusCreated, newClientView(client, secret))
	resp.Header.Set("Cache-Control", "no-store")
	return resp, nil
}

// ownedClient loads a client the caller owns. Clients of other users are
// reported as missing.
func (p *Provider) ownedClient(c *endpoint.Context, clientID string) (domain.OAuthClient, error) {
	client, err := p.repo.client(c.Context(), clientID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && client.UserID != session.Current(c).User.ID) {
		return domain.OAuthClient{}, apierr.NotFound("CLIENT_NOT_FOUND", "client not found")
	}
	return client, err
}

// handleGetClient godoc
//
//	@Summary		Fetch a registered client without its secret
//	@Tags			oauth2
//	@Produce		json
//	@Param			id	path		string	true	"client_id"
//	@Success		200	{object}	clientView
//	@Failure		404	{object}	apierr.Body
//	@Router			/oauth2/client/{id} [get]
func (p *Provider) handleGetClient(c *endpoint.Context) (*endpoint.Response, error) {
	client, err := p.ownedClient(c, c.Param("id"))
	if err != nil {
		return nil, err
	}
	return c.OK(newClientView(client, ""))
}

type updateClientRequest struct {
	ClientID string          `json:"client_id"`
	Update   json.RawMessage `json:"update"`
}

type clientUpdate struct {
	RedirectURIs *[]string      `json:"redirect_uris"`
	ClientName   *string        `json:"client_name"`
	GrantTypes   *[]string      `json:"grant_types"`
	Scope        *string        `json:"scope"`
	Metadata     map[string]any `json:"metadata"`
}

// handleUpdateClient godoc
//
//	@Summary		Update client metadata
//	@Description	The secret and the authentication method cannot be changed here.
//	@Tags			oauth2
//	@Accept			json
//	@Produce		json
//	@Param			body	body		updateClientRequest	true	"client_id and changes"
//	@Success		200		{object}	clientView
//	@Failure		400		{object}	apierr.OAuthBody
//	@Router			/oauth2/client/update [post]
func (p *Provider) handleUpdateClient(c *endpoint.Context) (*endpoint.Response, error) {
	var req updateClientRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	client, err := p.ownedClient(c, req.ClientID)
	if err != nil {
		return nil, err
	}
	if len(req.Update) == 0 {
		return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, "update is required")
	}

	fields, err := rawFields(req.Update)
	if err != nil {
		return nil, err
	}
	for _, f := range append(slices.Clone(protectedFields), "token_endpoint_auth_method") {
		if _, ok := fields[f]; ok {
			c.Logger().Warn("rejected protected client field update",
				slog.String("client_id", client.ClientID), slog.String("field", f))
			return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, f+" cannot be updated")
		}
	}
	var upd clientUpdate
	if err := json.Unmarshal(req.Update, &upd); err != nil {
		return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, "invalid client metadata")
	}

	set := store.Set("updated_at", c.Now())
	if upd.RedirectURIs != nil {
		if len(*upd.RedirectURIs) == 0 {
			return nil, apierr.OAuth(apierr.CodeInvalidRedirectURI, "redirect_uris cannot be empty")
		}
		for _, u := range *upd.RedirectURIs {
			if !validRedirectURI(u) {
				return nil, apierr.OAuth(apierr.CodeInvalidRedirectURI, "invalid redirect URI: "+u)
			}
		}
		set["redirect_uris"] = dedupe(*upd.RedirectURIs)
	}
	if upd.ClientName != nil {
		set["name"] = *upd.ClientName
	}
	if upd.GrantTypes != nil {
		if len(*upd.GrantTypes) == 0 || !subset(*upd.GrantTypes, supportedGrants) {
			return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, "unsupported grant type")
		}
		set["grant_types"] = dedupe(*upd.GrantTypes)
	}
	if upd.Scope != nil {
		scopes := splitScope(*upd.Scope)
		if len(scopes) == 0 || !subset(scopes, p.cfg.Scopes) {
			return nil, apierr.OAuth(apierr.CodeInvalidClientMetadata, "unsupported scope")
		}
		set["scopes"] = scopes
	}
	if upd.Metadata != nil {
		raw, err := json.Marshal(upd.Metadata)
		if err != nil {
			return nil, err
		}
		set["metadata"] = json.RawMessage(raw)
	}

	client, err = p.repo.updateClient(c.Context(), client.ClientID, set)
	if err != nil {
		return nil, err
	}
	return c.OK(newClientView(client, ""))
}

type rotateSecretRequest struct {
	ClientID string `json:"client_id"`
}

// handleRotateSecret godoc
//
//	@Summary		Issue a new client secret
//	@Description	The previous secret stops working immediately.
//	@Tags			oauth2
//	@Accept			json
//	@Produce		json
//	@Param			body	body		rotateSecretRequest	true	"client"
//	@Success		200		{object}	clientView
//	@Failure		400		{object}	apierr.OAuthBody
//	@Router			/oauth2/client/rotate-secret [post]
func (p *Provider) handleRotateSecret(c *endpoint.Context) (*endpoint.Response, error) {
	var req rotateSecretRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	client, err := p.ownedClient(c, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, apierr.OAuth(apierr.CodeInvalidClient, "public clients have no secret")
	}

	secret, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, err
	}
	// Conditional on the auth method so a concurrent change cannot leave a
	// public client holding a secret.
	rec, err := p.auth.Adapter.Update(c.Context(), ModelClient,
		[]store.Where{store.Eq("client_id", client.ClientID), store.Eq("token_endpoint_auth_method", client.TokenEndpointAuthMethod)},
		store.Set("client_secret_hash", cryptox.FingerprintToken(secret), "updated_at", c.Now()))
	if err != nil {
		return nil, err
	}
	c.Logger().Info("oauth client secret rotated", slog.String("client_id", client.ClientID))

	resp, _ := c.OK(newClientView(clientFromRecord(rec), secret))
	resp.Header.Set("Cache-Control", "no-store")
	return resp, nil
}
