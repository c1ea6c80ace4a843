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
	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
)

const consentIdentifierPrefix = "oidc-consent:"

// authorizeRequest is the validated input of the authorization endpoint.
type authorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	RedirectURISupplied bool
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Prompt              []string
}

func parseAuthorizeRequest(q url.Values) authorizeRequest {
	redirectURI := strings.TrimSpace(q.Get("redirect_uri"))
	return authorizeRequest{
		ResponseType:        strings.TrimSpace(q.Get("response_type")),
		ClientID:            strings.TrimSpace(q.Get("client_id")),
		RedirectURI:         redirectURI,
		RedirectURISupplied: redirectURI != "",
		Scopes:              splitScope(q.Get("scope")),
		State:               q.Get("state"),
		CodeChallenge:       strings.TrimSpace(q.Get("code_challenge")),
		CodeChallengeMethod: strings.TrimSpace(q.Get("code_challenge_method")),
		Nonce:               q.Get("nonce"),
		Prompt:              strings.Fields(q.Get("prompt")),
	}
}

// values re-encodes the request. Prompt is left out so a resumed request
// does not loop back to the login page. A defaulted redirect_uri is left out
// too so the resumed code still records it as absent.
func (r authorizeRequest) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("response_type", r.ResponseType)
	set("client_id", r.ClientID)
	if r.RedirectURISupplied {
		set("redirect_uri", r.RedirectURI)
	}
	set("scope", strings.Join(r.Scopes, " "))
	set("state", r.State)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)
	set("nonce", r.Nonce)
	return v
}

func (r authorizeRequest) prompts(p string) bool { return slices.Contains(r.Prompt, p) }

// withParams adds the non-empty pairs to target's query.
func withParams(target string, kv ...string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			q.Set(kv[i], kv[i+1])
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// errorLocation is the redirect carrying an authorization error back to the
// client.
func (p *Provider) errorLocation(r authorizeRequest, code, description string) string {
	return withParams(r.RedirectURI, "error", code, "error_description", description, "state", r.State, "iss", p.cfg.Issuer)
}

// checkClient resolves the client and redirect URI. Failures here are never
// redirected since the redirect URI is not trusted yet.
func (p *Provider) checkClient(c *endpoint.Context, r *authorizeRequest) (domain.OAuthClient, error) {
	if r.ClientID == "" {
		return domain.OAuthClient{}, apierr.OAuth(apierr.CodeInvalidRequest, "client_id is required")
	}
	client, err := p.repo.client(c.Context(), r.ClientID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && client.Disabled) {
		return domain.OAuthClient{}, apierr.OAuth(apierr.CodeInvalidClient, "unknown client")
	}
	if err != nil {
		return domain.OAuthClient{}, err
	}
	if r.RedirectURI == "" && len(client.RedirectURIs) == 1 {
		r.RedirectURI = client.RedirectURIs[0]
	}
	if !client.HasRedirectURI(r.RedirectURI) {
		c.Logger().Warn("authorize with unregistered redirect_uri", slog.String("client_id", client.ClientID))
		return domain.OAuthClient{}, apierr.OAuth(apierr.CodeInvalidRedirectURI, "redirect_uri is not registered for this client")
	}
	return client, nil
}

// checkParams validates the rest of the request. It returns an OAuth error
// code and description to redirect with, or empty strings.
func (p *Provider) checkParams(r *authorizeRequest, client domain.OAuthClient) (string, string) {
	if r.ResponseType != "code" {
		return apierr.CodeUnsupportedResponseType, "only response_type=code is supported"
	}
	if !client.AllowsGrant(domain.GrantAuthorizationCode) {
		return apierr.CodeUnauthorizedClient, "client may not use the authorization code grant"
	}
	if len(r.Scopes) == 0 {
		r.Scopes = slices.Clone(client.Scopes)
	}
	if !subset(r.Scopes, client.Scopes) {
		return apierr.CodeInvalidScope, "requested scope exceeds the client registration"
	}
	if r.CodeChallenge == "" {
		if client.IsPublic() {
			return apierr.CodeInvalidRequest, "public clients must use PKCE"
		}
		r.CodeChallengeMethod = ""
		return "", ""
	}
	switch r.CodeChallengeMethod {
	case "":
		r.CodeChallengeMethod = cryptox.PKCEMethodS256
	case cryptox.PKCEMethodS256, cryptox.PKCEMethodPlain:
	default:
		return apierr.CodeInvalidRequest, "unsupported code_challenge_method"
	}
	return "", ""
}

// handleAuthorize godoc
//
//	@Summary		OAuth 2.0 authorization endpoint
//	@Description	Redirects to the login page without a session, to the consent page when consent is missing, else back to the client with a code.
//	@Tags			oauth2
//	@Param			response_type			query	string	true	"code"
//	@Param			client_id				query	string	true	"client id"
//	@Param			redirect_uri			query	string	false	"registered redirect URI"
//	@Param			scope					query	string	false	"space separated scopes"
//	@Param			state					query	string	false	"opaque client state"
//	@Param			code_challenge			query	string	false	"PKCE challenge"
//	@Param			code_challenge_method	query	string	false	"S256 or plain"
//	@Param			nonce					query	string	false	"ID token nonce"
//	@Param			prompt					query	string	false	"none, login or consent"
//	@Success		302
//	@Failure		400	{object}	apierr.OAuthBody
//	@Router			/oauth2/authorize [get]
func (p *Provider) handleAuthorize(c *endpoint.Context) (*endpoint.Response, error) {
	r := parseAuthorizeRequest(c.Form())
	client, err := p.checkClient(c, &r)
	if err != nil {
		return nil, err
	}
	if code, desc := p.checkParams(&r, client); code != "" {
		return c.Redirect(p.errorLocation(r, code, desc))
	}

	a, err := p.sessions.Get(c)
	if err != nil {
		return nil, err
	}
	if a == nil || r.prompts("login") {
		if r.prompts("none") {
			return c.Redirect(p.errorLocation(r, apierr.CodeLoginRequired, "no active session"))
		}
		return p.redirectToLogin(c, r)
	}

	loc, err := p.continueAuthorize(c, r, client, a)
	if err != nil {
		return nil, err
	}
	return c.Redirect(loc)
}

// redirectToLogin parks the request in a signed cookie and sends the browser
// to the login page. resumeAfterLogin picks it up once a session exists.
func (p *Provider) redirectToLogin(c *endpoint.Context, r authorizeRequest) (*endpoint.Response, error) {
	q := r.values().Encode()
	c.SetSignedCookie(cookies.OIDCLoginPrompt, q, p.cfg.CodeTTL)
	target := p.cfg.LoginPage
	if strings.Contains(target, "?") {
		target += "&" + q
	} else {
		target += "?" + q
	}
	return c.Redirect(target)
}

type pendingConsent struct {
	Query     string `json:"query"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// continueAuthorize finishes a validated request for an authenticated user
// and returns where to send the browser.
func (p *Provider) continueAuthorize(c *endpoint.Context, r authorizeRequest, client domain.OAuthClient, a *session.Authenticated) (string, error) {
	if !client.SkipConsent {
		granted := false
		if !r.prompts("consent") {
			consent, err := p.repo.consent(c.Context(), client.ClientID, a.User.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return "", err
			}
			granted = err == nil && subset(r.Scopes, consent.Scopes)
		}
		if !granted {
			if r.prompts("none") {
				return p.errorLocation(r, apierr.CodeConsentRequired, "consent required"), nil
			}
			return p.consentLocation(c, r, a)
		}
	}
	return p.issueCode(c, r, client, a)
}

func (p *Provider) consentLocation(c *endpoint.Context, r authorizeRequest, a *session.Authenticated) (string, error) {
	code, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(pendingConsent{Query: r.values().Encode(), UserID: a.User.ID, SessionID: a.Session.ID})
	if err != nil {
		return "", err
	}
	if _, err := c.Auth.Repo.CreateVerification(c.Context(), consentIdentifierPrefix+code, string(raw), c.Now().Add(DefaultConsentTTL)); err != nil {
		return "", err
	}
	return withParams(p.cfg.ConsentPage, "consent_code", code, "client_id", r.ClientID, "scope", strings.Join(r.Scopes, " ")), nil
}

func (p *Provider) issueCode(c *endpoint.Context, r authorizeRequest, client domain.OAuthClient, a *session.Authenticated) (string, error) {
	code, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}
	now := c.Now()
	_, err = p.auth.Adapter.Create(c.Context(), ModelCode, codeRecord(domain.AuthorizationCode{
		CodeHash:            cryptox.FingerprintToken(code),
		ClientID:            client.ClientID,
		UserID:              a.User.ID,
		SessionID:           a.Session.ID,
		RedirectURI:         r.RedirectURI,
		RedirectURISupplied: r.RedirectURISupplied,
		Scopes:              r.Scopes,
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		Nonce:               r.Nonce,
		AuthTime:            a.Session.CreatedAt,
		ExpiresAt:           now.Add(p.cfg.CodeTTL),
		CreatedAt:           now,
	}))
	if err != nil {
		return "", err
	}
	c.Logger().Info("authorization code issued", slog.String("client_id", client.ClientID), slog.String("user_id", a.User.ID))
	return withParams(r.RedirectURI, "code", code, "state", r.State, "iss", p.cfg.Issuer), nil
}

type consentRequest struct {
	Accept      bool   `json:"accept"`
	ConsentCode string `json:"consent_code"`
}

type redirectBody struct {
	Redirect bool   `json:"redirect"`
	URL      string `json:"url"`
}

// handleConsent godoc
//
//	@Summary		Accept or deny a pending consent
//	@Tags			oauth2
//	@Accept			json
//	@Produce		json
//	@Param			body	body		consentRequest	true	"decision"
//	@Success		200		{object}	redirectBody
//	@Failure		400		{object}	apierr.Body
//	@Router			/oauth2/consent [post]
func (p *Provider) handleConsent(c *endpoint.Context) (*endpoint.Response, error) {
	var req consentRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if req.ConsentCode == "" {
		return nil, apierr.BadRequest("INVALID_CONSENT_CODE", "consent_code is required")
	}
	v, err := c.Auth.Repo.ConsumeVerification(c.Context(), consentIdentifierPrefix+req.ConsentCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.BadRequest("INVALID_CONSENT_CODE", "consent code is invalid or expired")
	}
	if err != nil {
		return nil, err
	}
	var pending pendingConsent
	if err := json.Unmarshal([]byte(v.Value), &pending); err != nil {
		return nil, err
	}
	a := session.Current(c)
	if pending.UserID != a.User.ID {
		return nil, apierr.Forbidden("INVALID_CONSENT_CODE", "consent belongs to another user")
	}
	q, err := url.ParseQuery(pending.Query)
	if err != nil {
		return nil, err
	}
	r := parseAuthorizeRequest(q)

	// The client may have changed since the request was parked.
	client, err := p.checkClient(c, &r)
	if err != nil {
		return nil, err
	}
	if code, desc := p.checkParams(&r, client); code != "" {
		return c.OK(redirectBody{Redirect: true, URL: p.errorLocation(r, code, desc)})
	}

	if !req.Accept {
		c.Logger().Info("consent denied", slog.String("client_id", client.ClientID), slog.String("user_id", a.User.ID))
		return c.OK(redirectBody{Redirect: true, URL: p.errorLocation(r, apierr.CodeAccessDenied, "the user denied the request")})
	}
	if err := p.repo.grantConsent(c.Context(), client.ClientID, a.User.ID, r.Scopes, c.Now()); err != nil {
		return nil, err
	}
	loc, err := p.issueCode(c, r, client, a)
	if err != nil {
		return nil, err
	}
	return c.OK(redirectBody{Redirect: true, URL: loc})
}

// resumeAfterLogin continues a parked authorization request once a sign-in
// endpoint has created a session.
func (p *Provider) resumeAfterLogin(c *endpoint.Context) (*endpoint.Response, error) {
	a := session.New(c)
	ret := c.Returned()
	if a == nil || ret == nil || (ret.Status >= 300 && ret.Status != http.StatusFound) {
		return nil, nil
	}
	raw, ok := c.SignedCookie(cookies.OIDCLoginPrompt)
	if !ok {
		return nil, nil
	}
	c.ExpireCookie(cookies.OIDCLoginPrompt)

	q, err := url.ParseQuery(raw)
	if err != nil {
		return nil, nil
	}
	r := parseAuthorizeRequest(q)
	client, err := p.checkClient(c, &r)
	if err != nil {
		return nil, err
	}
	var loc string
	if code, desc := p.checkParams(&r, client); code != "" {
		loc = p.errorLocation(r, code, desc)
	} else if loc, err = p.continueAuthorize(c, r, client, a); err != nil {
		return nil, err
	}

	c.Logger().Info("resumed authorization after sign-in", slog.String("client_id", client.ClientID), slog.String("user_id", a.User.ID))
	if ret.Status == http.StatusFound {
		return &endpoint.Response{Header: http.Header{"Location": {loc}}}, nil
	}
	return &endpoint.Response{Body: redirectBody{Redirect: true, URL: loc}}, nil
}
