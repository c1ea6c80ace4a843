package session

import (
	"net/http"
	"slices"
	"strings"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
)

// DefaultMaxDeviceSessions bounds the device registry.
const DefaultMaxDeviceSessions = 5

// MultiSession lets one browser hold sessions for several users. The
// registry is a signed cookie listing the session tokens known to this
// device; exactly one of them is active (the session cookie).
type MultiSession struct {
	m   *Manager
	max int
}

// NewMultiSession builds the plugin. max <= 0 uses DefaultMaxDeviceSessions.
func NewMultiSession(m *Manager, max int) *MultiSession {
	if max <= 0 {
		max = DefaultMaxDeviceSessions
	}
	return &MultiSession{m: m, max: max}
}

// Plugin returns the endpoints and hooks of the registry.
func (p *MultiSession) Plugin() endpoint.Plugin {
	return endpoint.Plugin{
		ID: "multi-session",
		Endpoints: []endpoint.Endpoint{
			{Path: "/multi-session/list-device-sessions", Methods: []string{http.MethodGet}, Handler: p.handleList},
			{Path: "/multi-session/set-active", Methods: []string{http.MethodPost}, Handler: p.handleSetActive},
			{Path: "/multi-session/revoke", Methods: []string{http.MethodPost}, Handler: p.handleRevoke},
		},
		Before: []endpoint.BeforeHook{{
			Match:   endpoint.MatchPaths("/sign-out"),
			Handler: p.beforeSignOut,
		}},
		After: []endpoint.AfterHook{{
			Match:   func(c *endpoint.Context) bool { return New(c) != nil },
			Handler: p.afterNewSession,
		}},
	}
}

func (p *MultiSession) registry(c *endpoint.Context) []string {
	raw, ok := c.SignedCookie(cookies.DeviceSessions)
	if !ok || raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (p *MultiSession) writeRegistry(c *endpoint.Context, tokens []string) {
	if len(tokens) == 0 {
		c.ExpireCookie(cookies.DeviceSessions)
		return
	}
	c.SetSignedCookie(cookies.DeviceSessions, strings.Join(tokens, ","), p.m.cfg.MaxAge)
}

// live resolves the registry to sessions that still exist and have not
// expired, in registry order.
func (p *MultiSession) live(c *endpoint.Context, tokens []string) ([]*Authenticated, error) {
	now := c.Now()
	out := make([]*Authenticated, 0, len(tokens))
	for _, t := range tokens {
		a, err := p.m.Lookup(c, t)
		if err != nil {
			return nil, err
		}
		if a != nil && !a.Session.Expired(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// afterNewSession adds a freshly created session to the registry, replacing
// any earlier session of the same user and dropping the oldest entries past
// the limit.
func (p *MultiSession) afterNewSession(c *endpoint.Context) (*endpoint.Response, error) {
	created := New(c)
	if created == nil || c.Returned().Status >= http.StatusBadRequest {
		return nil, nil
	}
	known, err := p.live(c, p.registry(c))
	if err != nil {
		return nil, err
	}

	tokens := make([]string, 0, len(known)+1)
	for _, a := range known {
		if a.User.ID != created.User.ID && a.Session.Token != created.Session.Token {
			tokens = append(tokens, a.Session.Token)
		}
	}
	tokens = append(tokens, created.Session.Token)
	if len(tokens) > p.max {
		tokens = tokens[len(tokens)-p.max:]
	}
	p.writeRegistry(c, tokens)
	return nil, nil
}

// beforeSignOut revokes every session in the registry so signing out leaves
// no identity behind on this device.
func (p *MultiSession) beforeSignOut(c *endpoint.Context) (*endpoint.HookResult, error) {
	tokens := p.registry(c)
	if len(tokens) == 0 {
		return nil, nil
	}
	if _, err := p.m.auth.Repo.DeleteSessions(c.Context(), tokens); err != nil {
		return nil, err
	}
	for _, t := range tokens {
		p.m.uncache(c, t)
	}
	c.ExpireCookie(cookies.DeviceSessions)
	return nil, nil
}

// handleList godoc
//
//	@Summary		List the sessions known to this device
//	@Tags			Multi-session
//	@Produce		json
//	@Success		200	{array}	Envelope
//	@Router			/multi-session/list-device-sessions [get]
func (p *MultiSession) handleList(c *endpoint.Context) (*endpoint.Response, error) {
	known, err := p.live(c, p.registry(c))
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, len(known))
	for i, a := range known {
		out[i] = NewEnvelope(a)
	}
	return c.OK(out)
}

type deviceSessionRequest struct {
	SessionToken string `json:"sessionToken"`
}

// find returns the registry entry for token, failing when the token is not
// registered on this device.
func (p *MultiSession) find(c *endpoint.Context, token string) ([]string, *Authenticated, error) {
	if token == "" {
		return nil, nil, apierr.BadRequest("SESSION_TOKEN_REQUIRED", "sessionToken is required")
	}
	tokens := p.registry(c)
	if !slices.Contains(tokens, token) {
		return nil, nil, apierr.Unauthorized("INVALID_SESSION_TOKEN", "session is not registered on this device")
	}
	a, err := p.m.Lookup(c, token)
	if err != nil {
		return nil, nil, err
	}
	if a == nil || a.Session.Expired(c.Now()) {
		return tokens, nil, nil
	}
	return tokens, a, nil
}

// handleSetActive godoc
//
//	@Summary		Switch the active session
//	@Tags			Multi-session
//	@Accept			json
//	@Produce		json
//	@Param			body	body		deviceSessionRequest	true	"session token"
//	@Success		200		{object}	Envelope
//	@Failure		401		{object}	apierr.Body
//	@Router			/multi-session/set-active [post]
func (p *MultiSession) handleSetActive(c *endpoint.Context) (*endpoint.Response, error) {
	var req deviceSessionRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	tokens, a, err := p.find(c, req.SessionToken)
	if err != nil {
		return nil, err
	}
	if a == nil {
		p.writeRegistry(c, slices.DeleteFunc(tokens, func(t string) bool { return t == req.SessionToken }))
		return nil, apierr.Unauthorized("INVALID_SESSION_TOKEN", "session has expired")
	}

	p.m.SetCookie(c, a, false)
	c.Values[ValueCurrent] = a
	return c.OK(NewEnvelope(a))
}

// handleRevoke godoc
//
//	@Summary		Revoke a session known to this device
//	@Tags			Multi-session
//	@Accept			json
//	@Produce		json
//	@Param			body	body		deviceSessionRequest	true	"session token"
//	@Success		200		{object}	statusBody
//	@Failure		401		{object}	apierr.Body
//	@Router			/multi-session/revoke [post]
func (p *MultiSession) handleRevoke(c *endpoint.Context) (*endpoint.Response, error) {
	var req deviceSessionRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	tokens, _, err := p.find(c, req.SessionToken)
	if err != nil {
		return nil, err
	}
	if err := p.m.Revoke(c, req.SessionToken); err != nil {
		return nil, err
	}
	remaining := slices.DeleteFunc(tokens, func(t string) bool { return t == req.SessionToken })

	active, _ := c.SignedCookie(cookies.SessionToken)
	if active == req.SessionToken {
		known, err := p.live(c, remaining)
		if err != nil {
			return nil, err
		}
		if len(known) > 0 {
			next := known[len(known)-1]
			p.m.SetCookie(c, next, false)
			c.Values[ValueCurrent] = next
		} else {
			p.m.Clear(c)
		}
	}
	p.writeRegistry(c, remaining)
	return c.OK(statusBody{Status: true})
}
