package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store/drivers/memory"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store/drivers/redis"
)

type harness struct {
	t      *testing.T
	now    time.Time
	auth   *endpoint.AuthContext
	mgr    *session.Manager
	multi  *session.MultiSession
	routes map[string]*endpoint.Pipeline
	jar    map[string]string
}

func newHarness(t *testing.T, secondary store.SecondaryStorage) *harness {
	t.Helper()
	h := &harness{t: t, now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), jar: map[string]string{}}
	adapter := memory.New(store.CoreSchema())
	h.auth = &endpoint.AuthContext{
		BaseURL:   "http://localhost:3000",
		BasePath:  "/api/auth",
		Secret:    []byte("0123456789abcdef0123456789abcdef"),
		Adapter:   adapter,
		Repo:      store.NewRepo(adapter, func() time.Time { return h.now }),
		Secondary: secondary,
		Cookies:   cookies.NewSettings("http://localhost:3000", cookies.Options{}),
		Clock:     func() time.Time { return h.now },
	}
	h.mgr = session.NewManager(h.auth, session.Config{MaxAge: 7 * 24 * time.Hour, UpdateAge: 24 * time.Hour})
	h.multi = session.NewMultiSession(h.mgr, 0)

	plugin := h.multi.Plugin()
	endpoints := append(h.mgr.Endpoints(), plugin.Endpoints...)
	endpoints = append(endpoints, endpoint.Endpoint{
		Path: "/sign-in/test",
		Handler: func(c *endpoint.Context) (*endpoint.Response, error) {
			var in struct {
				Email        string `json:"email"`
				DontRemember bool   `json:"dontRemember"`
			}
			if err := c.Bind(&in); err != nil {
				return nil, err
			}
			u, err := h.auth.Repo.UserByEmail(c.Context(), in.Email)
			if err != nil {
				u, err = h.auth.Repo.CreateUser(c.Context(), domain.User{Email: in.Email})
				require.NoError(t, err)
			}
			a, err := h.mgr.Create(c, u, in.DontRemember)
			if err != nil {
				return nil, err
			}
			return c.OK(session.NewEnvelope(a))
		},
	})

	h.routes = map[string]*endpoint.Pipeline{}
	for _, ep := range endpoints {
		h.routes[ep.Path] = endpoint.Compose(ep, plugin.Before, plugin.After)
	}
	return h
}

func (h *harness) call(method, path string, body any) *endpoint.Response {
	h.t.Helper()
	req := &endpoint.Request{Method: method, URL: &url.URL{Path: path}, Header: http.Header{}, RemoteAddr: "203.0.113.7:5555"}
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		req.Body = raw
		req.Header.Set("Content-Type", "application/json")
	}
	pairs := make([]string, 0, len(h.jar))
	for name, value := range h.jar {
		pairs = append(pairs, (&http.Cookie{Name: name, Value: value}).String())
	}
	if len(pairs) > 0 {
		req.Header.Set("Cookie", strings.Join(pairs, "; "))
	}
	resp, err := h.routes[path].Run(context.Background(), h.auth, req, nil)
	require.NoError(h.t, err)
	for _, line := range resp.Header.Values("Set-Cookie") {
		ck, err := http.ParseSetCookie(line)
		require.NoError(h.t, err)
		if ck.MaxAge < 0 {
			delete(h.jar, ck.Name)
		} else {
			h.jar[ck.Name] = ck.Value
		}
	}
	return resp
}

func (h *harness) signIn(email string, dontRemember bool) session.Envelope {
	h.t.Helper()
	resp := h.call(http.MethodPost, "/sign-in/test", map[string]any{"email": email, "dontRemember": dontRemember})
	require.Equal(h.t, http.StatusOK, resp.Status)
	return resp.Body.(session.Envelope)
}

func (h *harness) getSession() *session.Envelope {
	h.t.Helper()
	resp := h.call(http.MethodGet, "/session", nil)
	require.Equal(h.t, http.StatusOK, resp.Status)
	if env, ok := resp.Body.(session.Envelope); ok {
		return &env
	}
	return nil
}

func sessionCookie(h *harness) string {
	return h.auth.Cookies.Name(cookies.SessionToken)
}

func TestSession_RoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	created := h.signIn("ada@example.com", false)
	require.Contains(t, h.jar, sessionCookie(h))

	got := h.getSession()
	require.NotNil(t, got)
	require.Equal(t, created.User.ID, got.User.ID)
	require.Equal(t, created.Session.Token, got.Session.Token)
}

func TestSession_NoCookieIsUnauthenticated(t *testing.T) {
	h := newHarness(t, nil)
	require.Nil(t, h.getSession())

	h.jar[sessionCookie(h)] = "garbage"
	require.Nil(t, h.getSession())

	resp := h.call(http.MethodGet, "/list-sessions", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Status)
}

func TestSession_Renewal(t *testing.T) {
	h := newHarness(t, nil)
	created := h.signIn("ada@example.com", false)
	originalExpiry := created.Session.ExpiresAt

	// Before the update age: unchanged.
	h.now = h.now.Add(23 * time.Hour)
	got := h.getSession()
	require.True(t, originalExpiry.Equal(got.Session.ExpiresAt))

	// At the update age: extended to now + max age.
	h.now = h.now.Add(time.Hour)
	resp := h.call(http.MethodGet, "/session", nil)
	require.NotEmpty(t, resp.Header.Values("Set-Cookie"), "renewal re-issues the cookie")
	got = h.getSession()
	require.True(t, got.Session.ExpiresAt.After(originalExpiry))
	require.True(t, h.now.Add(7*24*time.Hour).Equal(got.Session.ExpiresAt))
}

func TestSession_DontRememberSkipsRenewal(t *testing.T) {
	h := newHarness(t, nil)
	created := h.signIn("ada@example.com", true)

	h.now = h.now.Add(3 * 24 * time.Hour)
	got := h.getSession()
	require.NotNil(t, got)
	require.True(t, created.Session.ExpiresAt.Equal(got.Session.ExpiresAt))
}

func TestSession_ExpiredIsDeletedAndCleared(t *testing.T) {
	h := newHarness(t, nil)
	created := h.signIn("ada@example.com", true)

	h.now = h.now.Add(8 * 24 * time.Hour)
	require.Nil(t, h.getSession())
	require.NotContains(t, h.jar, sessionCookie(h))

	_, err := h.auth.Repo.FindSession(context.Background(), created.Session.Token)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSession_DeletedDuringRenewal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := newHarness(t, redis.NewWithClient(client, "test:"))

	created := h.signIn("ada@example.com", false)
	// The cache still holds the session but the primary row is gone.
	require.NoError(t, h.auth.Repo.DeleteSession(context.Background(), created.Session.Token))

	h.now = h.now.Add(2 * 24 * time.Hour)
	require.Nil(t, h.getSession())
	require.NotContains(t, h.jar, sessionCookie(h))
	require.False(t, mr.Exists("test:session:"+created.Session.Token))
}

func TestSession_SecondaryStorageServesReads(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := newHarness(t, redis.NewWithClient(client, "test:"))

	created := h.signIn("ada@example.com", false)
	require.True(t, mr.Exists("test:session:"+created.Session.Token))

	got := h.getSession()
	require.Equal(t, created.User.ID, got.User.ID)

	resp := h.call(http.MethodPost, "/sign-out", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	require.False(t, mr.Exists("test:session:"+created.Session.Token))
	require.Nil(t, h.getSession())
}

func TestSession_RevokeRequiresOwnership(t *testing.T) {
	victim := newHarness(t, nil)
	victimSession := victim.signIn("victim@example.com", false)

	// A second browser sharing the same store.
	attacker := &harness{t: t, now: victim.now, auth: victim.auth, mgr: victim.mgr, routes: victim.routes, jar: map[string]string{}}
	attacker.signIn("attacker@example.com", false)

	resp := attacker.call(http.MethodPost, "/revoke-session", map[string]string{"token": victimSession.Session.Token})
	require.Equal(t, http.StatusForbidden, resp.Status)
	require.NotNil(t, victim.getSession())

	resp = victim.call(http.MethodPost, "/revoke-session", map[string]string{"token": victimSession.Session.Token})
	require.Equal(t, http.StatusOK, resp.Status)
	require.Nil(t, victim.getSession())
}

func TestSession_RevokeOtherSessions(t *testing.T) {
	h := newHarness(t, nil)
	first := h.signIn("ada@example.com", false)
	firstJar := h.jar
	h.jar = map[string]string{}
	h.signIn("ada@example.com", false)

	resp := h.call(http.MethodGet, "/list-sessions", nil)
	require.Len(t, resp.Body.([]session.View), 2)

	resp = h.call(http.MethodPost, "/revoke-other-sessions", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	require.NotNil(t, h.getSession())

	h.jar = firstJar
	require.Nil(t, h.getSession())
	_, err := h.auth.Repo.FindSession(context.Background(), first.Session.Token)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMultiSession(t *testing.T) {
	h := newHarness(t, nil)
	ada := h.signIn("ada@example.com", false)
	bob := h.signIn("bob@example.com", false)

	resp := h.call(http.MethodGet, "/multi-session/list-device-sessions", nil)
	list := resp.Body.([]session.Envelope)
	require.Len(t, list, 2)

	require.Equal(t, bob.User.ID, h.getSession().User.ID)

	resp = h.call(http.MethodPost, "/multi-session/set-active", map[string]string{"sessionToken": ada.Session.Token})
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, ada.User.ID, h.getSession().User.ID)

	// Switching does not invalidate the other identity.
	resp = h.call(http.MethodGet, "/multi-session/list-device-sessions", nil)
	require.Len(t, resp.Body.([]session.Envelope), 2)

	resp = h.call(http.MethodPost, "/multi-session/set-active", map[string]string{"sessionToken": "not-registered"})
	require.Equal(t, http.StatusUnauthorized, resp.Status)

	resp = h.call(http.MethodPost, "/sign-out", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	for _, tok := range []string{ada.Session.Token, bob.Session.Token} {
		_, err := h.auth.Repo.FindSession(context.Background(), tok)
		require.ErrorIs(t, err, store.ErrNotFound)
	}
	require.Nil(t, h.getSession())
}

func TestMultiSession_RevokeActiveSwitchesToNext(t *testing.T) {
	h := newHarness(t, nil)
	ada := h.signIn("ada@example.com", false)
	bob := h.signIn("bob@example.com", false)

	resp := h.call(http.MethodPost, "/multi-session/revoke", map[string]string{"sessionToken": bob.Session.Token})
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, ada.User.ID, h.getSession().User.ID)

	resp = h.call(http.MethodGet, "/multi-session/list-device-sessions", nil)
	require.Len(t, resp.Body.([]session.Envelope), 1)
}

func TestMultiSession_SameUserReplacesEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.signIn("ada@example.com", false)
	h.signIn("ada@example.com", false)

	resp := h.call(http.MethodGet, "/multi-session/list-device-sessions", nil)
	require.Len(t, resp.Body.([]session.Envelope), 1)
}
