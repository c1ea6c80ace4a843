// Package session implements cookie-backed login sessions: creation, rolling
// renewal, revocation and the multi-session device registry.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
)

// Defaults for Config.
const (
	DefaultMaxAge    = 7 * 24 * time.Hour
	DefaultUpdateAge = 24 * time.Hour
)

// Context value keys.
const (
	// ValueCurrent holds the *Authenticated resolved for this call.
	ValueCurrent = "session.current"
	// ValueNew holds the *Authenticated created during this call.
	ValueNew = "session.new"
)

const cachePrefix = "session:"

type Config struct {
	// MaxAge is how long a session lives after creation or renewal.
	MaxAge time.Duration
	// UpdateAge is how old a session must be before a read renews it.
	UpdateAge time.Duration
}

func (c *Config) normalize() {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.UpdateAge <= 0 || c.UpdateAge > c.MaxAge {
		c.UpdateAge = DefaultUpdateAge
	}
}

// Authenticated is a live session with its user.
type Authenticated struct {
	Session domain.Session
	User    domain.User
}

// Manager resolves, creates and renews sessions.
type Manager struct {
	auth *endpoint.AuthContext
	cfg  Config
}

func NewManager(auth *endpoint.AuthContext, cfg Config) *Manager {
	cfg.normalize()
	return &Manager{auth: auth, cfg: cfg}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Create persists a session for user and sets its cookies. dontRemember
// makes the cookie last for the browser session only and disables renewal.
func (m *Manager) Create(c *endpoint.Context, user domain.User, dontRemember bool) (*Authenticated, error) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, err
	}
	s, err := m.auth.Repo.CreateSession(c.Context(), domain.Session{
		Token:     token,
		UserID:    user.ID,
		ExpiresAt: c.Now().Add(m.cfg.MaxAge),
		IPAddress: clientIP(c.Request),
		UserAgent: c.Header("User-Agent"),
	})
	if err != nil {
		return nil, err
	}

	a := &Authenticated{Session: s, User: user}
	m.cache(c, a)
	m.SetCookie(c, a, dontRemember)
	c.Values[ValueNew] = a
	c.Values[ValueCurrent] = a

	c.Logger().Info("session created", "user_id", user.ID, "session_id", s.ID)
	return a, nil
}

// SetCookie writes the session cookie for a.
func (m *Manager) SetCookie(c *endpoint.Context, a *Authenticated, dontRemember bool) {
	maxAge := m.cfg.MaxAge
	if dontRemember {
		maxAge = 0
		c.SetSignedCookie(cookies.DontRemember, "true", 0)
	}
	c.SetSignedCookie(cookies.SessionToken, a.Session.Token, maxAge)
}

// Clear expires every session cookie.
func (m *Manager) Clear(c *endpoint.Context) {
	c.ExpireCookie(cookies.SessionToken)
	c.ExpireCookie(cookies.DontRemember)
	delete(c.Values, ValueCurrent)
}

// Get resolves the caller's session. A nil result with a nil error means the
// caller is unauthenticated. Expired sessions are deleted; sessions past
// their update age are extended unless the don't-remember cookie is set.
func (m *Manager) Get(c *endpoint.Context) (*Authenticated, error) {
	if a, ok := c.Values[ValueCurrent].(*Authenticated); ok {
		return a, nil
	}

	token, ok := c.SignedCookie(cookies.SessionToken)
	if !ok {
		return nil, nil
	}

	a, err := m.Lookup(c, token)
	if err != nil {
		return nil, err
	}
	if a == nil {
		m.Clear(c)
		return nil, nil
	}

	now := c.Now()
	if a.Session.Expired(now) {
		if err := m.Revoke(c, token); err != nil {
			return nil, err
		}
		m.Clear(c)
		return nil, nil
	}

	_, dontRemember := c.SignedCookie(cookies.DontRemember)
	if !dontRemember && a.Session.RenewalDue(now, m.cfg.MaxAge, m.cfg.UpdateAge) {
		renewed, err := m.renew(c, a, now)
		if err != nil {
			return nil, err
		}
		if renewed == nil {
			m.Clear(c)
			return nil, nil
		}
		a = renewed
	}

	c.Values[ValueCurrent] = a
	return a, nil
}

func (m *Manager) renew(c *endpoint.Context, a *Authenticated, now time.Time) (*Authenticated, error) {
	expiresAt := now.Add(m.cfg.MaxAge)
	if !expiresAt.After(a.Session.ExpiresAt) {
		return a, nil
	}
	s, err := m.auth.Repo.ExtendSession(c.Context(), a.Session.Token, expiresAt)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted while we were renewing it.
		m.uncache(c, a.Session.Token)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("renew session: %w", err)
	}

	renewed := &Authenticated{Session: s, User: a.User}
	m.cache(c, renewed)
	m.SetCookie(c, renewed, false)
	return renewed, nil
}

// Lookup loads a session and its user by token without checking expiry.
// It returns nil when either is missing.
func (m *Manager) Lookup(c *endpoint.Context, token string) (*Authenticated, error) {
	if a := m.cached(c, token); a != nil {
		return a, nil
	}

	s, err := m.auth.Repo.FindSession(c.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	u, err := m.auth.Repo.UserByID(c.Context(), s.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session user: %w", err)
	}

	a := &Authenticated{Session: s, User: u}
	m.cache(c, a)
	return a, nil
}

// Revoke deletes one session.
func (m *Manager) Revoke(c *endpoint.Context, token string) error {
	if err := m.auth.Repo.DeleteSession(c.Context(), token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.uncache(c, token)
	return nil
}

// RevokeUser deletes every session of userID except keep.
func (m *Manager) RevokeUser(c *endpoint.Context, userID string, keep ...string) (int, error) {
	if m.auth.Secondary != nil {
		sessions, err := m.auth.Repo.ListSessions(c.Context(), userID)
		if err != nil {
			return 0, err
		}
		for _, s := range sessions {
			if !slices.Contains(keep, s.Token) {
				m.uncache(c, s.Token)
			}
		}
	}
	n, err := m.auth.Repo.DeleteUserSessions(c.Context(), userID, keep...)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	return n, nil
}

// Require is middleware that rejects unauthenticated calls.
func (m *Manager) Require() endpoint.Middleware {
	return func(c *endpoint.Context) error {
		a, err := m.Get(c)
		if err != nil {
			return err
		}
		if a == nil {
			return apierr.Unauthorized("UNAUTHORIZED", "authentication required")
		}
		return nil
	}
}

// Current returns the session resolved earlier in this call.
func Current(c *endpoint.Context) *Authenticated {
	a, _ := c.Values[ValueCurrent].(*Authenticated)
	return a
}

// New returns the session created during this call, if any.
func New(c *endpoint.Context) *Authenticated {
	a, _ := c.Values[ValueNew].(*Authenticated)
	return a
}

func (m *Manager) cached(c *endpoint.Context, token string) *Authenticated {
	if m.auth.Secondary == nil {
		return nil
	}
	raw, err := m.auth.Secondary.Get(c.Context(), cachePrefix+token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.Logger().Warn("session cache read failed", "error", err)
		}
		return nil
	}
	var a Authenticated
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil
	}
	return &a
}

func (m *Manager) cache(c *endpoint.Context, a *Authenticated) {
	if m.auth.Secondary == nil {
		return
	}
	ttl := a.Session.ExpiresAt.Sub(c.Now())
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := m.auth.Secondary.Set(c.Context(), cachePrefix+a.Session.Token, string(raw), ttl); err != nil {
		c.Logger().Warn("session cache write failed", "error", err)
	}
}

func (m *Manager) uncache(c *endpoint.Context, token string) {
	if m.auth.Secondary == nil {
		return
	}
	if err := m.auth.Secondary.Delete(c.Context(), cachePrefix+token); err != nil {
		c.Logger().Warn("session cache delete failed", "error", err)
	}
}

func clientIP(r *endpoint.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
