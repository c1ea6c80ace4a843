package oauth2client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
)

// Error values appended to the error redirect.
const (
	redirectStateMismatch    = "state_mismatch"
	redirectNoCode           = "no_code"
	redirectInvalidCode      = "invalid_code"
	redirectInvalidIDToken   = "invalid_id_token"
	redirectUserInfo         = "unable_to_get_user_info"
	redirectEmailNotFound    = "email_not_found"
	redirectAccountNotLinked = "account_not_linked"
	redirectUnableToCreate   = "unable_to_create_user"
	redirectProviderNotFound = "provider_not_found"
	redirectSignUpDisabled   = "signup_disabled"
)

type FlowConfig struct {
	// TrustedProviders may link to an existing user whose email matches.
	// Empty means never.
	TrustedProviders []string
	StateTTL         time.Duration
	// DisableSignUp refuses to create users from provider profiles.
	DisableSignUp bool
}

// Flow runs the outbound authorization code flow and links the resulting
// identities to local users.
type Flow struct {
	sessions  *session.Manager
	providers map[string]Provider
	cfg       FlowConfig
}

func NewFlow(sessions *session.Manager, cfg FlowConfig, providers ...Provider) *Flow {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	f := &Flow{sessions: sessions, providers: make(map[string]Provider, len(providers)), cfg: cfg}
	for _, p := range providers {
		f.providers[p.ID()] = p
	}
	return f
}

// Provider returns a configured provider by id.
func (f *Flow) Provider(id string) (Provider, bool) {
	p, ok := f.providers[id]
	return p, ok
}

func (f *Flow) Endpoints() []endpoint.Endpoint {
	requireSession := []endpoint.Middleware{f.sessions.Require()}
	return []endpoint.Endpoint{
		{Path: "/sign-in/social", Methods: []string{http.MethodPost}, Handler: f.handleSignInSocial},
		{Path: "/callback/:providerId", Methods: []string{http.MethodGet, http.MethodPost}, Handler: f.handleCallback},
		{Path: "/list-accounts", Methods: []string{http.MethodGet}, Use: requireSession, Handler: f.handleListAccounts},
		{Path: "/refresh-token", Methods: []string{http.MethodPost}, Use: requireSession, Handler: f.handleRefreshToken},
		{Path: "/error", Methods: []string{http.MethodGet}, Handler: handleError},
	}
}

func (f *Flow) redirectURI(c *endpoint.Context, providerID string) string {
	return c.Auth.URL("/callback/" + providerID)
}

type signInSocialRequest struct {
	Provider           string   `json:"provider"`
	CallbackURL        string   `json:"callbackURL"`
	ErrorCallbackURL   string   `json:"errorCallbackURL"`
	NewUserCallbackURL string   `json:"newUserCallbackURL"`
	Scopes             []string `json:"scopes"`
	LoginHint          string   `json:"loginHint"`
}

type signInSocialResponse struct {
	URL      string `json:"url"`
	Redirect bool   `json:"redirect"`
}

// handleSignInSocial godoc
//
//	@Summary		Start a sign-in with an external provider
//	@Tags			social
//	@Accept			json
//	@Produce		json
//	@Param			body	body		signInSocialRequest	true	"provider and return URLs"
//	@Success		200		{object}	signInSocialResponse
//	@Failure		400		{object}	apierr.Body
//	@Failure		404		{object}	apierr.Body
//	@Router			/sign-in/social [post]
func (f *Flow) handleSignInSocial(c *endpoint.Context) (*endpoint.Response, error) {
	var req signInSocialRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	p, ok := f.providers[req.Provider]
	if !ok {
		return nil, apierr.NotFound(CodeProviderNotFound, "provider not found")
	}
	for _, u := range []string{req.CallbackURL, req.ErrorCallbackURL, req.NewUserCallbackURL} {
		if !c.Auth.IsTrustedURL(u) {
			return nil, apierr.Forbidden("INVALID_CALLBACK_URL", "callback URL is not a trusted origin")
		}
	}

	verifier, err := cryptox.GenerateCodeVerifier()
	if err != nil {
		return nil, err
	}
	nonce, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, err
	}
	callback := req.CallbackURL
	if callback == "" {
		callback = "/"
	}
	state, err := saveState(c, State{
		ProviderID:   p.ID(),
		CallbackURL:  callback,
		ErrorURL:     req.ErrorCallbackURL,
		NewUserURL:   req.NewUserCallbackURL,
		CodeVerifier: verifier,
		Nonce:        nonce,
	}, f.cfg.StateTTL)
	if err != nil {
		return nil, err
	}

	authURL, err := p.CreateAuthorizationURL(c.Context(), AuthorizationURLParams{
		State:        state,
		CodeVerifier: verifier,
		Nonce:        nonce,
		RedirectURI:  f.redirectURI(c, p.ID()),
		Scopes:       req.Scopes,
		LoginHint:    req.LoginHint,
	})
	switch {
	case errors.Is(err, ErrMissingClientCredentials):
		return nil, apierr.BadRequest(CodeMissingClientCredentials, "provider client credentials are not configured")
	case errors.Is(err, ErrMissingCodeVerifier):
		return nil, apierr.BadRequest(CodeMissingCodeVerifier, "provider requires PKCE")
	case err != nil:
		return nil, err
	}

	c.Logger().Info("social sign-in started", slog.String("provider_id", p.ID()))
	return c.OK(signInSocialResponse{URL: authURL, Redirect: true})
}

// handleCallback godoc
//
//	@Summary		Finish a sign-in with an external provider
//	@Tags			social
//	@Param			providerId	path	string	true	"provider id"
//	@Param			code		query	string	false	"authorization code"
//	@Param			state		query	string	true	"state"
//	@Success		302
//	@Success		303
//	@Router			/callback/{providerId} [get]
//	@Router			/callback/{providerId} [post]
func (f *Flow) handleCallback(c *endpoint.Context) (*endpoint.Response, error) {
	form := c.Form()
	l := c.Logger().With(slog.String("provider_id", c.Param("providerId")))

	// A cross-site form_post arrives without the SameSite=Lax state cookie.
	// Replay it as a same-site GET, which carries the cookie, before the
	// state is read.
	if c.Request.Method == http.MethodPost {
		l.Debug("replaying form_post callback as GET")
		loc := f.redirectURI(c, c.Param("providerId")) + "?" + form.Encode()
		return &endpoint.Response{Status: http.StatusSeeOther, Header: http.Header{"Location": {loc}}}, nil
	}

	st, err := consumeState(c, form.Get("state"))
	if err != nil {
		l.Warn("oauth callback rejected", "error", err)
		return f.fail(c, nil, redirectStateMismatch)
	}
	if st.ProviderID != c.Param("providerId") {
		l.Warn("oauth callback provider does not match state")
		return f.fail(c, st, redirectStateMismatch)
	}
	if e := form.Get("error"); e != "" {
		return f.fail(c, st, e)
	}
	p, ok := f.providers[st.ProviderID]
	if !ok {
		return f.fail(c, st, redirectProviderNotFound)
	}
	code := form.Get("code")
	if code == "" {
		return f.fail(c, st, redirectNoCode)
	}

	tokens, err := p.ValidateAuthorizationCode(c.Context(), code, st.CodeVerifier, f.redirectURI(c, p.ID()))
	if err != nil {
		l.Warn("oauth code exchange failed", "code", CodeTokenExchangeFailed, "error", err)
		return f.fail(c, st, redirectInvalidCode)
	}

	var idInfo *UserInfo
	if v, ok := p.(IDTokenVerifier); ok && tokens.IDToken != "" {
		idInfo, err = v.VerifyIDToken(c.Context(), tokens.IDToken, st.Nonce)
		if err != nil {
			l.Warn("oauth id token rejected", "error", err)
			return f.fail(c, st, redirectInvalidIDToken)
		}
	}

	info, err := p.GetUserInfo(c.Context(), tokens)
	if err != nil {
		l.Warn("oauth user info unavailable", "code", CodeUserInfoFetchFailed, "error", err)
		info = idInfo
	}
	if info == nil || info.ID == "" {
		return f.fail(c, st, redirectUserInfo)
	}
	if idInfo != nil && idInfo.ID != info.ID {
		l.Warn("oauth userinfo subject differs from id token")
		return f.fail(c, st, redirectUserInfo)
	}
	if info.Email == "" {
		return f.fail(c, st, redirectEmailNotFound)
	}

	user, isNew, failure, err := f.resolveUser(c, p.ID(), info, tokens)
	if err != nil {
		return nil, err
	}
	if failure != "" {
		return f.fail(c, st, failure)
	}

	if _, err := f.sessions.Create(c, user, false); err != nil {
		return nil, err
	}
	l.Info("social sign-in completed", slog.String("user_id", user.ID), slog.Bool("new_user", isNew))

	dest := st.CallbackURL
	if isNew && st.NewUserURL != "" {
		dest = st.NewUserURL
	}
	return c.Redirect(dest)
}

// resolveUser finds or creates the local user for a provider identity. It
// returns a redirect error value instead of an error for refusals.
func (f *Flow) resolveUser(c *endpoint.Context, providerID string, info *UserInfo, tokens *Tokens) (domain.User, bool, string, error) {
	repo := c.Auth.Repo
	ctx := c.Context()

	acct, err := repo.FindAccount(ctx, providerID, info.ID)
	if err == nil {
		user, err := repo.UserByID(ctx, acct.UserID)
		if err != nil {
			return domain.User{}, false, "", fmt.Errorf("load linked user: %w", err)
		}
		if _, err := repo.UpdateAccount(ctx, acct.ID, tokenRecord(tokens)); err != nil {
			return domain.User{}, false, "", err
		}
		return user, false, "", nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.User{}, false, "", err
	}

	user, err := repo.UserByEmail(ctx, info.Email)
	if err == nil {
		if !slices.Contains(f.cfg.TrustedProviders, providerID) {
			c.Logger().Warn("refusing to link account from untrusted provider",
				slog.String("provider_id", providerID), slog.String("user_id", user.ID))
			return domain.User{}, false, redirectAccountNotLinked, nil
		}
		if _, err := repo.CreateAccount(ctx, newAccount(user.ID, providerID, info.ID, tokens)); err != nil {
			return domain.User{}, false, "", err
		}
		if info.EmailVerified && !user.EmailVerified {
			if user, err = repo.UpdateUser(ctx, user.ID, store.Set("email_verified", true)); err != nil {
				return domain.User{}, false, "", err
			}
		}
		c.Logger().Info("linked provider account by email", slog.String("provider_id", providerID), slog.String("user_id", user.ID))
		return user, false, "", nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.User{}, false, "", err
	}

	if f.cfg.DisableSignUp {
		return domain.User{}, false, redirectSignUpDisabled, nil
	}
	err = repo.WithTx(ctx, func(tx *store.Repo) error {
		var err error
		user, err = tx.CreateUser(ctx, domain.User{
			Name:          info.Name,
			Email:         info.Email,
			EmailVerified: info.EmailVerified,
			Image:         info.Image,
		})
		if err != nil {
			return err
		}
		_, err = tx.CreateAccount(ctx, newAccount(user.ID, providerID, info.ID, tokens))
		return err
	})
	if err != nil {
		c.Logger().Error("create user from provider profile failed", "error", err)
		return domain.User{}, false, redirectUnableToCreate, nil
	}
	return user, true, "", nil
}

func newAccount(userID, providerID, accountID string, t *Tokens) domain.Account {
	return domain.Account{
		UserID:                userID,
		ProviderID:            providerID,
		AccountID:             accountID,
		AccessToken:           t.AccessToken,
		RefreshToken:          t.RefreshToken,
		IDToken:               t.IDToken,
		AccessTokenExpiresAt:  t.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: t.RefreshTokenExpiresAt,
		Scope:                 strings.Join(t.Scopes, " "),
	}
}

// tokenRecord is the account update for fresh tokens. Fields the provider
// did not send are left alone.
func tokenRecord(t *Tokens) store.Record {
	set := store.Set("access_token", t.AccessToken, "access_token_expires_at", t.AccessTokenExpiresAt)
	if t.RefreshToken != "" {
		set["refresh_token"] = t.RefreshToken
	}
	if t.RefreshTokenExpiresAt != nil {
		set["refresh_token_expires_at"] = t.RefreshTokenExpiresAt
	}
	if t.IDToken != "" {
		set["id_token"] = t.IDToken
	}
	if len(t.Scopes) > 0 {
		set["scope"] = strings.Join(t.Scopes, " ")
	}
	return set
}

// fail redirects to the flow's error URL, or the engine's /error page when
// the state could not be read.
func (f *Flow) fail(c *endpoint.Context, st *State, code string) (*endpoint.Response, error) {
	target := c.Auth.URL("/error")
	if st != nil && st.ErrorURL != "" {
		target = st.ErrorURL
	} else if st != nil && st.CallbackURL != "" {
		target = st.CallbackURL
	}
	return c.Redirect(withQuery(target, "error", code))
}

func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

type errorPage struct {
	Error string `json:"error"`
}

// handleError godoc
//
//	@Summary		Landing page for failed flows without an error URL
//	@Tags			social
//	@Produce		json
//	@Param			error	query		string	false	"error code"
//	@Success		200		{object}	errorPage
//	@Router			/error [get]
func handleError(c *endpoint.Context) (*endpoint.Response, error) {
	e := c.Query().Get("error")
	if e == "" {
		e = "unknown"
	}
	return c.OK(errorPage{Error: e})
}
