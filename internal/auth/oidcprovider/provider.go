// Package oidcprovider turns the engine into an OAuth 2.0 authorization
// server and OpenID provider: client registration, the authorization code
// flow with PKCE and consent, refresh tokens, userinfo, revocation, JWKS,
// discovery and the CIBA poll-mode backchannel flow.
package oidcprovider

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/service"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

// PluginID identifies the provider plugin.
const PluginID = "oidc-provider"

// Standard scopes.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// Defaults for Config.
const (
	DefaultCodeTTL         = 10 * time.Minute
	DefaultAccessTokenTTL  = jwtx.DefaultAccessTokenTTL
	DefaultRefreshTokenTTL = jwtx.DefaultRefreshTokenTTL
	DefaultIDTokenTTL      = jwtx.DefaultIDTokenTTL
	DefaultCIBAInterval    = 5 * time.Second
	DefaultCIBATTL         = 5 * time.Minute
	DefaultConsentTTL      = 10 * time.Minute

	maxBindingMessageLength = 64
)

type Config struct {
	// Issuer defaults to the engine base URL plus base path.
	Issuer string
	// LoginPage receives unauthenticated authorization requests, with the
	// original query appended.
	LoginPage string
	// ConsentPage receives consent_code, client_id and scope.
	ConsentPage string

	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration
	// RotateRefreshTokens makes every refresh token single-use.
	RotateRefreshTokens bool
	// AllowDynamicRegistration lets anonymous callers register clients.
	AllowDynamicRegistration bool
	// Scopes the provider understands. Defaults to the standard four.
	Scopes []string

	CIBAInterval time.Duration
	CIBATTL      time.Duration
	// NotifyCIBA, when set, is told about every new backchannel request so
	// the user can be prompted out of band.
	NotifyCIBA func(ctx context.Context, n CIBANotification) error
}

func (c *Config) normalize(auth *endpoint.AuthContext) {
	if c.Issuer == "" {
		c.Issuer = auth.URL("")
	}
	if c.LoginPage == "" {
		c.LoginPage = "/sign-in"
	}
	if c.ConsentPage == "" {
		c.ConsentPage = "/consent"
	}
	c.CodeTTL = orDefault(c.CodeTTL, DefaultCodeTTL)
	c.AccessTokenTTL = orDefault(c.AccessTokenTTL, DefaultAccessTokenTTL)
	c.RefreshTokenTTL = orDefault(c.RefreshTokenTTL, DefaultRefreshTokenTTL)
	c.IDTokenTTL = orDefault(c.IDTokenTTL, DefaultIDTokenTTL)
	c.CIBAInterval = orDefault(c.CIBAInterval, DefaultCIBAInterval)
	c.CIBATTL = orDefault(c.CIBATTL, DefaultCIBATTL)
	if len(c.Scopes) == 0 {
		c.Scopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeOfflineAccess}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Provider serves the authorization server endpoints. Signing keys are owned
// by the KeyManager; the provider only signs and publishes.
type Provider struct {
	cfg      Config
	auth     *endpoint.AuthContext
	sessions *session.Manager
	keys     *jwtx.KeyManager
	repo     repo
}

func New(auth *endpoint.AuthContext, sessions *session.Manager, keys *jwtx.KeyManager, cfg Config) *Provider {
	cfg.normalize(auth)
	return &Provider{
		cfg:      cfg,
		auth:     auth,
		sessions: sessions,
		keys:     keys,
		repo:     repo{adapter: auth.Adapter},
	}
}

// Config returns the effective configuration.
func (p *Provider) Config() Config { return p.cfg }

// Plugin bundles the endpoints, the login-resume hook and the models.
func (p *Provider) Plugin() endpoint.Plugin {
	requireSession := []endpoint.Middleware{p.sessions.Require()}
	return endpoint.Plugin{
		ID: PluginID,
		Endpoints: []endpoint.Endpoint{
			{Path: "/oauth2/authorize", Methods: []string{http.MethodGet, http.MethodPost}, Handler: p.handleAuthorize},
			{Path: "/oauth2/consent", Methods: []string{http.MethodPost}, Use: requireSession, Handler: p.handleConsent},
			{Path: "/oauth2/token", Methods: []string{http.MethodPost}, Handler: p.handleToken},
			{Path: "/oauth2/userinfo", Methods: []string{http.MethodGet, http.MethodPost}, Handler: p.handleUserInfo},
			{Path: "/oauth2/revoke", Methods: []string{http.MethodPost}, Handler: p.handleRevoke},
			{Path: "/oauth2/register", Methods: []string{http.MethodPost}, Handler: p.handleRegister},
			{Path: "/oauth2/client/:id", Methods: []string{http.MethodGet}, Use: requireSession, Handler: p.handleGetClient},
			{Path: "/oauth2/client/update", Methods: []string{http.MethodPost}, Use: requireSession, Handler: p.handleUpdateClient},
			{Path: "/oauth2/client/rotate-secret", Methods: []string{http.MethodPost}, Use: requireSession, Handler: p.handleRotateSecret},
			{Path: "/oauth2/bc-authorize", Methods: []string{http.MethodPost}, Handler: p.handleBackchannelAuthorize},
			{Path: "/oauth2/ciba-token", Methods: []string{http.MethodPost}, Handler: p.handleCIBAToken},
			{Path: "/ciba/verify", Methods: []string{http.MethodGet}, Use: requireSession, Handler: p.handleCIBAVerify},
			{Path: "/ciba/authorize", Methods: []string{http.MethodPost}, Use: requireSession, Handler: p.handleCIBAApprove},
			{Path: "/ciba/deny", Methods: []string{http.MethodPost}, Use: requireSession, Handler: p.handleCIBADeny},
			{Path: "/jwks", Methods: []string{http.MethodGet}, Handler: p.handleJWKS},
			{Path: "/.well-known/openid-configuration", Methods: []string{http.MethodGet}, Handler: p.handleDiscovery},
		},
		After: []endpoint.AfterHook{{
			Match: func(c *endpoint.Context) bool {
				return strings.HasPrefix(c.Path, "/sign-in/") || strings.HasPrefix(c.Path, "/callback/") || c.Path == "/two-factor/verify-totp"
			},
			Handler: p.resumeAfterLogin,
		}},
		Schema: Schema(),
	}
}

// ExpiryTargets lists what housekeeping may delete. A token row lives as
// long as its refresh token.
func ExpiryTargets() []service.ExpiryTarget {
	return []service.ExpiryTarget{
		service.ExpiresBefore(ModelCode, "expires_at"),
		service.ExpiresBefore(ModelCIBA, "expires_at"),
		{
			Model: ModelToken,
			Where: func(now time.Time) []store.Where {
				return []store.Where{
					store.Lt("access_token_expires_at", now),
					store.AnyOf(store.Eq("refresh_token_expires_at", nil)),
					store.AnyOf(store.Lt("refresh_token_expires_at", now)),
				}
			},
		},
	}
}

// splitScope parses a space separated scope parameter.
func splitScope(s string) []string {
	return dedupe(strings.Fields(s))
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func union(a, b []string) []string {
	return dedupe(append(slices.Clone(a), b...))
}

// subset reports whether every element of a is in b.
func subset(a, b []string) bool {
	for _, s := range a {
		if !slices.Contains(b, s) {
			return false
		}
	}
	return true
}
