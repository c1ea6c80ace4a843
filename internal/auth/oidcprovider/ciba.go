package oidcprovider

import (
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
)

// CIBANotification is handed to Config.NotifyCIBA for every new backchannel
// request.
type CIBANotification struct {
	AuthReqID      string
	ClientID       string
	ClientName     string
	UserID         string
	Email          string
	Scopes         []string
	BindingMessage string
	ExpiresAt      time.Time
	// VerifyURL points at the verify endpoint for this request.
	VerifyURL string
}

type backchannelResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval"`
}

// handleBackchannelAuthorize godoc
//
//	@Summary		CIBA backchannel authentication request
//	@Description	Starts a poll-mode request for the user named by login_hint. Only confidential clients registered for the CIBA grant may call it.
//	@Tags			ciba
//	@Accept			x-www-form-urlencoded
//	@Produce		json
//	@Param			scope				formData	string	true	"must include openid"
//	@Param			login_hint			formData	string	true	"user email"
//	@Param			binding_message		formData	string	false	"shown on both devices"
//	@Param			requested_expiry	formData	int		false	"seconds"
//	@Success		200	{object}	backchannelResponse
//	@Failure		400	{object}	apierr.OAuthBody
//	@Failure		401	{object}	apierr.OAuthBody
//	@Router			/oauth2/bc-authorize [post]
func (p *Provider) handleBackchannelAuthorize(c *endpoint.Context) (*endpoint.Response, error) {
	client, err := p.authenticateClient(c)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() || !client.AllowsGrant(domain.GrantCIBA) {
		return nil, apierr.OAuth(apierr.CodeUnauthorizedClient, "client may not use CIBA")
	}

	form := c.Form()
	scopes := splitScope(form.Get("scope"))
	if !slices.Contains(scopes, ScopeOpenID) {
		return nil, apierr.OAuth(apierr.CodeInvalidRequest, "scope must include openid")
	}
	if !subset(scopes, client.Scopes) {
		return nil, apierr.OAuth(apierr.CodeInvalidScope, "requested scope exceeds the client registration")
	}
	hint := strings.ToLower(strings.TrimSpace(form.Get("login_hint")))
	if hint == "" {
		return nil, apierr.OAuth(apierr.CodeInvalidRequest, "login_hint is required")
	}
	binding := form.Get("binding_message")
	if utf8.RuneCountInString(binding) > maxBindingMessageLength {
		return nil, apierr.OAuth(apierr.CodeInvalidBindingMsg, "binding_message is too long")
	}
	ttl := p.cfg.CIBATTL
	if raw := form.Get("requested_expiry"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs <= 0 {
			return nil, apierr.OAuth(apierr.CodeInvalidRequest, "requested_expiry must be a positive integer")
		}
		ttl = min(ttl, time.Duration(secs)*time.Second)
	}

	user, err := c.Auth.Repo.UserByEmail(c.Context(), hint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.OAuth(apierr.CodeUnknownUserID, "no user matches login_hint")
	}
	if err != nil {
		return nil, err
	}

	id, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, err
	}
	now := c.Now()
	req := domain.CIBARequest{
		ID:             id,
		ClientID:       client.ClientID,
		UserID:         user.ID,
		Scopes:         scopes,
		BindingMessage: binding,
		Status:         domain.CIBAPending,
		Interval:       p.cfg.CIBAInterval,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}
	if _, err := p.auth.Adapter.Create(c.Context(), ModelCIBA, cibaRecord(req)); err != nil {
		return nil, err
	}
	c.Logger().Info("ciba request created", slog.String("client_id", client.ClientID), slog.String("user_id", user.ID))

	if p.cfg.NotifyCIBA != nil {
		n := CIBANotification{
			AuthReqID:      id,
			ClientID:       client.ClientID,
			ClientName:     client.Name,
			UserID:         user.ID,
			Email:          user.Email,
			Scopes:         scopes,
			BindingMessage: binding,
			ExpiresAt:      req.ExpiresAt,
			VerifyURL:      p.auth.URL("/ciba/verify") + "?" + url.Values{"auth_req_id": {id}}.Encode(),
		}
		if err := p.cfg.NotifyCIBA(c.Context(), n); err != nil {
			c.Logger().Warn("ciba notification failed", slog.String("client_id", client.ClientID), slog.Any("error", err))
		}
	}

	return c.OK(backchannelResponse{
		AuthReqID: id,
		ExpiresIn: int64(ttl / time.Second),
		Interval:  int64(req.Interval / time.Second),
	})
}

// handleCIBAToken godoc
//
//	@Summary		Poll a CIBA request
//	@Description	Same as the token endpoint with grant_type=urn:openid:params:grant-type:ciba.
//	@Tags			ciba
//	@Accept			x-www-form-urlencoded
//	@Produce		json
//	@Param			auth_req_id	formData	string	true	"request id"
//	@Success		200	{object}	domain.TokenPair
//	@Failure		400	{object}	apierr.OAuthBody
//	@Router			/oauth2/ciba-token [post]
func (p *Provider) handleCIBAToken(c *endpoint.Context) (*endpoint.Response, error) {
	client, err := p.authenticateClient(c)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(domain.GrantCIBA) {
		return nil, apierr.OAuth(apierr.CodeUnauthorizedClient, "client may not use CIBA")
	}
	pair, err := p.pollCIBA(c, client, c.Form().Get("auth_req_id"))
	if err != nil {
		return nil, err
	}
	return tokenResponse(c, pair)
}

// pollCIBA answers one poll. Tokens are issued at most once: the approved
// row is deleted in the same step.
func (p *Provider) pollCIBA(c *endpoint.Context, client domain.OAuthClient, id string) (domain.TokenPair, error) {
	if id == "" {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidRequest, "auth_req_id is required")
	}
	req, err := p.repo.ciba(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "unknown auth_req_id")
	}
	if err != nil {
		return domain.TokenPair{}, err
	}
	if req.ClientID != client.ClientID {
		c.Logger().Warn("ciba request polled by another client", slog.String("client_id", client.ClientID))
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "unknown auth_req_id")
	}

	now := c.Now()
	if req.Expired(now) {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeExpiredToken, "the request has expired")
	}
	tooSoon := req.PolledTooSoon(now)
	if req.Status != domain.CIBAApproved || tooSoon {
		if _, err := p.auth.Adapter.Update(c.Context(), ModelCIBA, []store.Where{store.Eq("id", req.ID)},
			store.Set("last_polled_at", now)); err != nil && !errors.Is(err, store.ErrNotFound) {
			return domain.TokenPair{}, err
		}
	}
	if tooSoon {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeSlowDown, "polling too fast")
	}

	switch req.Status {
	case domain.CIBAPending:
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeAuthorizationPending, "the user has not answered yet")
	case domain.CIBADenied:
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeAccessDenied, "the user denied the request")
	case domain.CIBAApproved:
	default:
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeExpiredToken, "the request has expired")
	}

	n, err := p.auth.Adapter.DeleteMany(c.Context(), ModelCIBA,
		store.Eq("id", req.ID), store.Eq("status", string(domain.CIBAApproved)))
	if err != nil {
		return domain.TokenPair{}, err
	}
	if n != 1 {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "unknown auth_req_id")
	}

	user, err := c.Auth.Repo.UserByID(c.Context(), req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TokenPair{}, apierr.OAuth(apierr.CodeInvalidGrant, "user no longer exists")
	}
	if err != nil {
		return domain.TokenPair{}, err
	}
	g := tokenGrant{Client: client, User: user, Scopes: req.Scopes, AuthTime: now}
	return p.mintTokens(c, g, p.allowsRefresh(client, req.Scopes))
}

type cibaView struct {
	AuthReqID      string    `json:"auth_req_id"`
	ClientID       string    `json:"client_id"`
	ClientName     string    `json:"client_name,omitempty"`
	Scope          string    `json:"scope"`
	BindingMessage string    `json:"binding_message,omitempty"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ownedRequest loads a request addressed to the signed-in user. Requests for
// other users look the same as missing ones.
func (p *Provider) ownedRequest(c *endpoint.Context, id string) (domain.CIBARequest, error) {
	req, err := p.repo.ciba(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && req.UserID != session.Current(c).User.ID) {
		return domain.CIBARequest{}, apierr.NotFound("CIBA_REQUEST_NOT_FOUND", "request not found")
	}
	return req, err
}

// handleCIBAVerify godoc
//
//	@Summary	Show a CIBA request to its user
//	@Tags		ciba
//	@Produce	json
//	@Param		auth_req_id	query		string	true	"request id"
//	@Success	200			{object}	cibaView
//	@Failure	404			{object}	apierr.Body
//	@Router		/ciba/verify [get]
func (p *Provider) handleCIBAVerify(c *endpoint.Context) (*endpoint.Response, error) {
	req, err := p.ownedRequest(c, c.Query().Get("auth_req_id"))
	if err != nil {
		return nil, err
	}
	view := cibaView{
		AuthReqID:      req.ID,
		ClientID:       req.ClientID,
		Scope:          strings.Join(req.Scopes, " "),
		BindingMessage: req.BindingMessage,
		Status:         string(req.Status),
		ExpiresAt:      req.ExpiresAt,
	}
	if req.Expired(c.Now()) {
		view.Status = string(domain.CIBAExpired)
	}
	if client, err := p.repo.client(c.Context(), req.ClientID); err == nil {
		view.ClientName = client.Name
	}
	return c.OK(view)
}

type cibaDecision struct {
	AuthReqID string `json:"auth_req_id"`
}

// handleCIBAApprove godoc
//
//	@Summary	Approve a pending CIBA request
//	@Tags		ciba
//	@Accept		json
//	@Produce	json
//	@Param		body	body		cibaDecision	true	"request id"
//	@Success	200		{object}	map[string]bool
//	@Failure	400		{object}	apierr.Body
//	@Failure	404		{object}	apierr.Body
//	@Router		/ciba/authorize [post]
func (p *Provider) handleCIBAApprove(c *endpoint.Context) (*endpoint.Response, error) {
	return p.decide(c, domain.CIBAApproved)
}

// handleCIBADeny godoc
//
//	@Summary	Deny a pending CIBA request
//	@Tags		ciba
//	@Accept		json
//	@Produce	json
//	@Param		body	body		cibaDecision	true	"request id"
//	@Success	200		{object}	map[string]bool
//	@Failure	400		{object}	apierr.Body
//	@Failure	404		{object}	apierr.Body
//	@Router		/ciba/deny [post]
func (p *Provider) handleCIBADeny(c *endpoint.Context) (*endpoint.Response, error) {
	return p.decide(c, domain.CIBADenied)
}

// decide moves a pending request to status. The update is conditional on the
// request still being pending, so of two racing decisions only one wins.
func (p *Provider) decide(c *endpoint.Context, status domain.CIBAStatus) (*endpoint.Response, error) {
	var body cibaDecision
	if err := c.Bind(&body); err != nil {
		return nil, err
	}
	if body.AuthReqID == "" {
		return nil, apierr.BadRequest("INVALID_REQUEST", "auth_req_id is required")
	}
	a := session.Current(c)
	now := c.Now()
	_, err := p.auth.Adapter.Update(c.Context(), ModelCIBA, []store.Where{
		store.Eq("id", body.AuthReqID),
		store.Eq("user_id", a.User.ID),
		store.Eq("status", string(domain.CIBAPending)),
		store.Gt("expires_at", now),
	}, store.Set("status", string(status)))
	if errors.Is(err, store.ErrNotFound) {
		if _, err := p.ownedRequest(c, body.AuthReqID); err != nil {
			return nil, err
		}
		return nil, apierr.BadRequest("INVALID_STATE", "request is no longer pending")
	}
	if err != nil {
		return nil, err
	}
	c.Logger().Info("ciba request decided", slog.String("user_id", a.User.ID), slog.String("status", string(status)))
	return c.OK(map[string]bool{"success": true})
}
