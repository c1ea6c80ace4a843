package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

// Endpoints returns the core session endpoints.
func (m *Manager) Endpoints() []endpoint.Endpoint {
	requireSession := []endpoint.Middleware{m.Require()}
	return []endpoint.Endpoint{
		{Path: "/session", Methods: []string{http.MethodGet}, Handler: m.handleGetSession},
		{Path: "/list-sessions", Methods: []string{http.MethodGet}, Use: requireSession, Handler: m.handleListSessions},
		{Path: "/revoke-session", Methods: []string{http.MethodPost}, Use: requireSession, Handler: m.handleRevokeSession},
		{Path: "/revoke-sessions", Methods: []string{http.MethodPost}, Use: requireSession, Handler: m.handleRevokeSessions},
		{Path: "/revoke-other-sessions", Methods: []string{http.MethodPost}, Use: requireSession, Handler: m.handleRevokeOtherSessions},
		{Path: "/sign-out", Methods: []string{http.MethodPost}, Handler: m.handleSignOut},
	}
}

type statusBody struct {
	Status bool `json:"status"`
}

// handleGetSession godoc
//
//	@Summary		Get the current session
//	@Tags			session
//	@Produce		json
//	@Success		200	{object} Envelope "null when unauthenticated"
//	@Router			/session [get]
func (m *Manager) handleGetSession(c *endpoint.Context) (*endpoint.Response, error) {
	a, err := m.Get(c)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return c.OK(json.RawMessage("null"))
	}
	return c.OK(NewEnvelope(a))
}

// handleListSessions godoc
//
//	@Summary		List the caller's active sessions
//	@Tags			session
//	@Produce		json
//	@Success		200	{array} View
//	@Failure		401	{object} apierr.Body
//	@Router			/list-sessions [get]
func (m *Manager) handleListSessions(c *endpoint.Context) (*endpoint.Response, error) {
	a := Current(c)
	sessions, err := m.auth.Repo.ListSessions(c.Context(), a.User.ID)
	if err != nil {
		return nil, err
	}
	now := c.Now()
	out := make([]View, 0, len(sessions))
	for _, s := range sessions {
		if !s.Expired(now) {
			out = append(out, NewView(s))
		}
	}
	return c.OK(out)
}

type revokeSessionRequest struct {
	Token string `json:"token"`
}

// handleRevokeSession godoc
//
//	@Summary		Revoke one of the caller's sessions
//	@Tags			session
//	@Accept			json
//	@Produce		json
//	@Param			body body revokeSessionRequest true "session token"
//	@Success		200	{object} statusBody
//	@Failure		403	{object} apierr.Body
//	@Failure		404	{object} apierr.Body
//	@Router			/revoke-session [post]
func (m *Manager) handleRevokeSession(c *endpoint.Context) (*endpoint.Response, error) {
	var req revokeSessionRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, apierr.BadRequest("TOKEN_REQUIRED", "token is required")
	}

	target, err := m.auth.Repo.FindSession(c.Context(), req.Token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.NotFound("SESSION_NOT_FOUND", "session not found")
	}
	if err != nil {
		return nil, err
	}

	caller := Current(c)
	if target.UserID != caller.User.ID {
		c.Logger().Warn("session revoke refused", "user_id", caller.User.ID, "session_id", target.ID)
		return nil, apierr.Forbidden("SESSION_NOT_OWNED", "session belongs to another user")
	}
	if err := m.Revoke(c, target.Token); err != nil {
		return nil, err
	}
	if target.Token == caller.Session.Token {
		m.Clear(c)
	}
	return c.OK(statusBody{Status: true})
}

// handleRevokeSessions godoc
//
//	@Summary		Revoke every session of the caller
//	@Tags			session
//	@Produce		json
//	@Success		200	{object} statusBody
//	@Router			/revoke-sessions [post]
func (m *Manager) handleRevokeSessions(c *endpoint.Context) (*endpoint.Response, error) {
	a := Current(c)
	if _, err := m.RevokeUser(c, a.User.ID); err != nil {
		return nil, err
	}
	m.Clear(c)
	return c.OK(statusBody{Status: true})
}

// handleRevokeOtherSessions godoc
//
//	@Summary		Revoke every session of the caller except the current one
//	@Tags			session
//	@Produce		json
//	@Success		200	{object} statusBody
//	@Router			/revoke-other-sessions [post]
func (m *Manager) handleRevokeOtherSessions(c *endpoint.Context) (*endpoint.Response, error) {
	a := Current(c)
	if _, err := m.RevokeUser(c, a.User.ID, a.Session.Token); err != nil {
		return nil, err
	}
	return c.OK(statusBody{Status: true})
}

// handleSignOut godoc
//
//	@Summary		Sign out of the current session
//	@Tags			session
//	@Produce		json
//	@Success		200	{object} statusBody
//	@Router			/sign-out [post]
func (m *Manager) handleSignOut(c *endpoint.Context) (*endpoint.Response, error) {
	if token, ok := c.SignedCookie(cookies.SessionToken); ok {
		if err := m.Revoke(c, token); err != nil {
			return nil, err
		}
	}
	m.Clear(c)
	return c.OK(statusBody{Status: true})
}
