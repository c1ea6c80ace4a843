package oauth2client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/engine"
	"github.com/aussiebroadwan/gatehouse/internal/auth/engine/enginetest"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

const sessionCookie = "gatehouse.session_token"

type fixture struct {
	idp    *fakeIdP
	clock  *enginetest.Clock
	auth   *endpoint.AuthContext
	engine *engine.Engine
}

func newFixture(t *testing.T, cfg FlowConfig, mutate func(*OIDCConfig)) *fixture {
	t.Helper()
	idp := newFakeIdP(t)
	clock := &enginetest.Clock{T: time.Now()}
	auth := enginetest.NewAuth(nil, clock)

	oc := OIDCConfig{
		ID:           "idp",
		Issuer:       idp.URL(),
		ClientID:     idpClientID,
		ClientSecret: idpClientSecret,
		Scopes:       []string{"offline_access"},
		AuthStyle:    AuthStyleBasic,
		HTTPClient:   idp.srv.Client(),
	}
	if mutate != nil {
		mutate(&oc)
	}
	p, err := NewOIDCProvider(t.Context(), oc)
	require.NoError(t, err)

	sessions := session.NewManager(auth, session.Config{})
	flow := NewFlow(sessions, cfg, p)
	e, err := engine.New(auth, engine.Options{Endpoints: append(sessions.Endpoints(), flow.Endpoints()...)})
	require.NoError(t, err)
	return &fixture{idp: idp, clock: clock, auth: auth, engine: e}
}

// start begins a social sign-in and returns the provider authorization URL.
func (f *fixture) start(t *testing.T, c *enginetest.Client) string {
	t.Helper()
	resp := c.Post("/sign-in/social", map[string]any{
		"provider":           "idp",
		"callbackURL":        "/dashboard",
		"newUserCallbackURL": "/welcome",
		"scopes":             []string{"calendar"},
	})
	require.Equal(t, http.StatusOK, resp.Status)
	var out signInSocialResponse
	enginetest.Decode(t, resp, &out)
	require.True(t, out.Redirect)
	return out.URL
}

func callback(code, state string) string {
	return "/callback/idp?" + url.Values{"code": {code}, "state": {state}}.Encode()
}

func (f *fixture) sessionCount(t *testing.T) int {
	t.Helper()
	recs, err := f.auth.Adapter.FindMany(context.Background(), store.ModelSession, store.Query{})
	require.NoError(t, err)
	return len(recs)
}

func TestSocialSignIn_CreatesUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{}, nil)
	c := enginetest.NewClient(t, f.engine)

	authURL := f.start(t, c)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, f.idp.URL()+"/authorize", u.Scheme+"://"+u.Host+u.Path)
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.NotEmpty(t, q.Get("nonce"))
	require.Equal(t, enginetest.BaseURL+enginetest.BasePath+"/callback/idp", q.Get("redirect_uri"))
	require.Equal(t, []string{"openid", "profile", "email", "offline_access", "calendar"}, strings.Fields(q.Get("scope")))

	code, state := f.idp.Authorize(authURL)
	resp := c.Get(callback(code, state))
	require.Equal(t, "/welcome", enginetest.Location(t, resp).String())
	require.Contains(t, c.Jar, sessionCookie)
	require.Equal(t, []string{"basic"}, f.idp.AuthMethods())

	user, err := f.auth.Repo.UserByEmail(t.Context(), "grace@example.com")
	require.NoError(t, err)
	require.True(t, user.EmailVerified)
	require.Equal(t, "Grace Hopper", user.Name)
	require.Equal(t, "https://example.com/grace.png", user.Image)

	acct, err := f.auth.Repo.FindAccount(t.Context(), "idp", "idp-user-42")
	require.NoError(t, err)
	require.Equal(t, user.ID, acct.UserID)
	require.Equal(t, "rt-1", acct.RefreshToken)
	require.NotEmpty(t, acct.IDToken)
	require.NotNil(t, acct.AccessTokenExpiresAt)

	// A returning user lands on the regular callback.
	authURL = f.start(t, c)
	code, state = f.idp.Authorize(authURL)
	resp = c.Get(callback(code, state))
	require.Equal(t, "/dashboard", enginetest.Location(t, resp).String())
}

func TestSocialSignIn_ForgedStateCreatesNoSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{}, nil)
	c := enginetest.NewClient(t, f.engine)

	authURL := f.start(t, c)
	code, _ := f.idp.Authorize(authURL)

	resp := c.Get(callback(code, "forged"))
	loc := enginetest.Location(t, resp)
	require.Equal(t, enginetest.BasePath+"/error", loc.Path)
	require.Equal(t, redirectStateMismatch, loc.Query().Get("error"))
	require.NotContains(t, c.Jar, sessionCookie)
	require.Zero(t, f.sessionCount(t))
	require.Zero(t, f.idp.TokenCalls())
}

func TestSocialSignIn_StateIsBoundToBrowser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{}, nil)
	victim := enginetest.NewClient(t, f.engine)
	attacker := enginetest.NewClient(t, f.engine)

	code, state := f.idp.Authorize(f.start(t, attacker))

	// The victim's browser carries no state cookie.
	resp := victim.Get(callback(code, state))
	require.Equal(t, redirectStateMismatch, enginetest.Location(t, resp).Query().Get("error"))
	require.NotContains(t, victim.Jar, sessionCookie)
	require.Zero(t, f.sessionCount(t))
}

func TestSocialSignIn_StateIsSingleUse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{}, nil)
	c := enginetest.NewClient(t, f.engine)

	authURL := f.start(t, c)
	code, state := f.idp.Authorize(authURL)
	stateCookie := c.Jar["gatehouse.state"]
	require.NotEmpty(t, stateCookie)

	resp := c.Get(callback(code, state))
	require.Equal(t, http.StatusFound, resp.Status)
	require.Equal(t, 1, f.sessionCount(t))

	// Replaying with the old cookie restored still fails: the stored state
	// is gone.
	c.Jar["gatehouse.state"] = stateCookie
	resp = c.Get(callback(code, state))
	loc := enginetest.Location(t, resp)
	require.Equal(t, enginetest.BasePath+"/error", loc.Path)
	require.Equal(t, redirectStateMismatch, loc.Query().Get("error"))
	require.Equal(t, 1, f.sessionCount(t))
}

func TestSocialSignIn_FormPostCallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{}, nil)
	c := enginetest.NewClient(t, f.engine)

	code, state := f.idp.Authorize(f.start(t, c))

	// The cross-site POST carries no state cookie.
	stateCookie := c.Jar["gatehouse.state"]
	delete(c.Jar, "gatehouse.state")
	resp := c.Post("/callback/idp", url.Values{"code": {code}, "state": {state}})
	require.Equal(t, http.StatusSeeOther, resp.Status)
	require.Zero(t, f.idp.TokenCalls())
	require.Zero(t, f.sessionCount(t))

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, enginetest.BasePath+"/callback/idp", loc.Path)
	require.Equal(t, code, loc.Query().Get("code"))
	require.Equal(t, state, loc.Query().Get("state"))

	// The same-site GET that follows does.
	c.Jar["gatehouse.state"] = stateCookie
	resp = c.Get(strings.TrimPrefix(loc.RequestURI(), enginetest.BasePath))
	require.Equal(t, "/welcome", enginetest.Location(t, resp).String())
	require.Contains(t, c.Jar, sessionCookie)
	require.Equal(t, 1, f.sessionCount(t))
}

func TestSocialSignIn_ExpiredState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{StateTTL: time.Minute}, nil)
	c := enginetest.NewClient(t, f.engine)

	code, state := f.idp.Authorize(f.start(t, c))
	f.clock.Advance(2 * time.Minute)

	resp := c.Get(callback(code, state))
	require.Equal(t, redirectStateMismatch, enginetest.Location(t, resp).Query().Get("error"))
	require.Zero(t, f.sessionCount(t))
}

func TestSocialSignIn_NonceMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{}, nil)
	f.idp.NonceOverride = "someone-elses-nonce"
	c := enginetest.NewClient(t, f.engine)

	code, state := f.idp.Authorize(f.start(t, c))
	resp := c.Get(callback(code, state))
	require.Equal(t, "/dashboard?error="+redirectInvalidIDToken, enginetest.Location(t, resp).String())
	require.Zero(t, f.sessionCount(t))
}

func TestSocialSignIn_ProviderError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{}, nil)
	c := enginetest.NewClient(t, f.engine)

	_, state := f.idp.Authorize(f.start(t, c))
	resp := c.Get("/callback/idp?" + url.Values{"error": {"access_denied"}, "state": {state}}.Encode())
	require.Equal(t, "access_denied", enginetest.Location(t, resp).Query().Get("error"))
	require.Zero(t, f.idp.TokenCalls())
}

func TestSocialSignIn_AccountLinking(t *testing.T) {
	t.Parallel()

	seed := func(t *testing.T, f *fixture) domain.User {
		u, err := f.auth.Repo.CreateUser(t.Context(), domain.User{Name: "Grace", Email: "grace@example.com"})
		require.NoError(t, err)
		return u
	}

	t.Run("untrusted provider is refused", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, FlowConfig{}, nil)
		seed(t, f)
		c := enginetest.NewClient(t, f.engine)

		code, state := f.idp.Authorize(f.start(t, c))
		resp := c.Get(callback(code, state))
		require.Equal(t, redirectAccountNotLinked, enginetest.Location(t, resp).Query().Get("error"))
		_, err := f.auth.Repo.FindAccount(t.Context(), "idp", "idp-user-42")
		require.ErrorIs(t, err, store.ErrNotFound)
		require.Zero(t, f.sessionCount(t))
	})

	t.Run("trusted provider links and verifies email", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, FlowConfig{TrustedProviders: []string{"idp"}}, nil)
		existing := seed(t, f)
		c := enginetest.NewClient(t, f.engine)

		code, state := f.idp.Authorize(f.start(t, c))
		resp := c.Get(callback(code, state))
		require.Equal(t, "/dashboard", enginetest.Location(t, resp).String())

		acct, err := f.auth.Repo.FindAccount(t.Context(), "idp", "idp-user-42")
		require.NoError(t, err)
		require.Equal(t, existing.ID, acct.UserID)
		user, err := f.auth.Repo.UserByID(t.Context(), existing.ID)
		require.NoError(t, err)
		require.True(t, user.EmailVerified)
	})
}

func TestSocialSignIn_SignUpDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{DisableSignUp: true}, nil)
	c := enginetest.NewClient(t, f.engine)

	code, state := f.idp.Authorize(f.start(t, c))
	resp := c.Get(callback(code, state))
	require.Equal(t, redirectSignUpDisabled, enginetest.Location(t, resp).Query().Get("error"))
	_, err := f.auth.Repo.UserByEmail(t.Context(), "grace@example.com")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSignInSocial_Rejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{}, nil)
	c := enginetest.NewClient(t, f.engine)

	resp := c.Post("/sign-in/social", map[string]any{"provider": "nope"})
	require.Equal(t, http.StatusNotFound, resp.Status)

	resp = c.Post("/sign-in/social", map[string]any{"provider": "idp", "callbackURL": "https://evil.example/steal"})
	require.Equal(t, http.StatusForbidden, resp.Status)
	require.NotContains(t, c.Jar, "gatehouse.state")
}

func TestGenericProvider_PKCERequiresVerifier(t *testing.T) {
	t.Parallel()
	idp := newFakeIdP(t)
	p, err := NewGenericProvider(Config{
		ID:       "strict",
		ClientID: idpClientID,
		AuthURL:  idp.URL() + "/authorize",
		TokenURL: idp.URL() + "/token",
		PKCE:     true,
	})
	require.NoError(t, err)

	_, err = p.CreateAuthorizationURL(t.Context(), AuthorizationURLParams{State: "s"})
	require.ErrorIs(t, err, ErrMissingCodeVerifier)

	_, err = p.ValidateAuthorizationCode(t.Context(), "code", "", "")
	require.ErrorIs(t, err, ErrMissingCodeVerifier)
	require.Zero(t, idp.TokenCalls())

	anon, err := NewGenericProvider(Config{ID: "anon", AuthURL: idp.URL() + "/authorize", TokenURL: idp.URL() + "/token"})
	require.NoError(t, err)
	_, err = anon.CreateAuthorizationURL(t.Context(), AuthorizationURLParams{State: "s"})
	require.ErrorIs(t, err, ErrMissingClientCredentials)
}

func TestGenericProvider_PostAuthStyle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{}, func(c *OIDCConfig) { c.AuthStyle = AuthStylePost })
	c := enginetest.NewClient(t, f.engine)

	code, state := f.idp.Authorize(f.start(t, c))
	require.Equal(t, http.StatusFound, c.Get(callback(code, state)).Status)
	require.Equal(t, []string{"post"}, f.idp.AuthMethods())
}

func TestListAccountsAndRefreshToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, FlowConfig{}, nil)
	c := enginetest.NewClient(t, f.engine)

	require.Equal(t, http.StatusUnauthorized, c.Get("/list-accounts").Status)

	code, state := f.idp.Authorize(f.start(t, c))
	require.Equal(t, http.StatusFound, c.Get(callback(code, state)).Status)

	resp := c.Get("/list-accounts")
	require.Equal(t, http.StatusOK, resp.Status)
	var accts []accountView
	enginetest.Decode(t, resp, &accts)
	require.Len(t, accts, 1)
	require.Equal(t, "idp", accts[0].ProviderID)
	require.Equal(t, "idp-user-42", accts[0].AccountID)
	require.Equal(t, []string{"openid", "profile", "email"}, accts[0].Scopes)

	// Without rotation the stored refresh token survives.
	resp = c.Post("/refresh-token", map[string]any{"providerId": "idp"})
	require.Equal(t, http.StatusOK, resp.Status)
	var out refreshTokenResponse
	enginetest.Decode(t, resp, &out)
	require.Equal(t, "at-2", out.AccessToken)
	require.Empty(t, out.RefreshToken)
	acct, err := f.auth.Repo.FindAccount(t.Context(), "idp", "idp-user-42")
	require.NoError(t, err)
	require.Equal(t, "rt-1", acct.RefreshToken)
	require.Equal(t, "at-2", acct.AccessToken)

	f.idp.RotateRefresh = true
	resp = c.Post("/refresh-token", map[string]any{"providerId": "idp"})
	require.Equal(t, http.StatusOK, resp.Status)
	enginetest.Decode(t, resp, &out)
	require.Equal(t, "rt-3", out.RefreshToken)
	acct, err = f.auth.Repo.FindAccount(t.Context(), "idp", "idp-user-42")
	require.NoError(t, err)
	require.Equal(t, "rt-3", acct.RefreshToken)

	resp = c.Post("/refresh-token", map[string]any{"providerId": "other"})
	require.Equal(t, http.StatusNotFound, resp.Status)
}

func TestMergeScopes(t *testing.T) {
	t.Parallel()
	require.Equal(t,
		[]string{"openid", "email", "profile", "repo"},
		mergeScopes([]string{"openid", "email"}, []string{"email", "", "profile"}, []string{"repo", "openid"}),
	)
	require.Nil(t, mergeScopes())
}

func TestUserInfoFromClaims(t *testing.T) {
	t.Parallel()
	info := userInfoFromClaims(map[string]any{
		"id":             "1234",
		"email":          "Ada@Example.COM",
		"email_verified": "true",
		"name":           "Ada",
		"avatar_url":     "https://example.com/ada.png",
	})
	require.Equal(t, "1234", info.ID)
	require.Equal(t, "ada@example.com", info.Email)
	require.True(t, info.EmailVerified)
	require.Equal(t, "https://example.com/ada.png", info.Image)
}
