// Package twofactor adds TOTP as a second sign-in factor. It is built only
// from endpoints and an after-hook: a password sign-in for an enrolled user
// is downgraded to a pending cookie until /two-factor/verify-totp succeeds.
package twofactor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
)

const (
	PluginID = "two-factor"
	Model    = "two_factor"

	DefaultPendingTTL = 5 * time.Minute
)

// Error codes returned by the plugin.
const (
	CodeInvalidCode    = "INVALID_TWO_FACTOR_CODE"
	CodeAlreadyEnabled = "TWO_FACTOR_ALREADY_ENABLED"
	CodeNotEnrolled    = "TWO_FACTOR_NOT_ENROLLED"
	CodeInvalidPending = "INVALID_TWO_FACTOR_COOKIE"
	CodeInvalidPass    = "INVALID_PASSWORD"
)

// PasswordVerifier checks a user's current password.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, userID, password string) error
}

type Config struct {
	// Issuer is shown by authenticator apps.
	Issuer string
	// PendingTTL bounds the time between the password step and the code.
	PendingTTL time.Duration
}

type Plugin struct {
	cfg       Config
	sessions  *session.Manager
	passwords PasswordVerifier
	enc       *cryptox.KeyEncryptor
}

// New builds the plugin. TOTP secrets are sealed with a key derived from the
// engine secret.
func New(auth *endpoint.AuthContext, sessions *session.Manager, passwords PasswordVerifier, cfg Config) (*Plugin, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = "gatehouse"
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	enc, err := cryptox.NewKeyEncryptor(append([]byte("two-factor:"), auth.Secret...))
	if err != nil {
		return nil, fmt.Errorf("twofactor: %w", err)
	}
	return &Plugin{cfg: cfg, sessions: sessions, passwords: passwords, enc: enc}, nil
}

func Schema() store.Schema {
	return store.Schema{
		Model: {
			"id":         {Type: store.String, Unique: true},
			"user_id":    {Type: store.String, Unique: true},
			"secret":     {Type: store.String},
			"enabled":    {Type: store.Boolean},
			"created_at": {Type: store.Date},
			"updated_at": {Type: store.Date},
		},
	}
}

// Plugin must be registered before plugins whose hooks react to new
// sessions, so they never see the one this plugin withdraws.
func (p *Plugin) Plugin() endpoint.Plugin {
	requireSession := []endpoint.Middleware{p.sessions.Require()}
	return endpoint.Plugin{
		ID: PluginID,
		Endpoints: []endpoint.Endpoint{
			{Path: "/two-factor/enable", Methods: []string{http.MethodPost}, Use: requireSession, Handler: p.handleEnable},
			{Path: "/two-factor/verify-totp", Methods: []string{http.MethodPost}, Handler: p.handleVerify},
			{Path: "/two-factor/disable", Methods: []string{http.MethodPost}, Use: requireSession, Handler: p.handleDisable},
		},
		After: []endpoint.AfterHook{{
			Match:   endpoint.MatchPaths("/sign-in/email"),
			Handler: p.afterSignIn,
		}},
		Schema: Schema(),
	}
}

func (p *Plugin) record(c *endpoint.Context, userID string) (domain.TwoFactor, error) {
	rec, err := c.Auth.Adapter.FindOne(c.Context(), Model, store.Eq("user_id", userID))
	if err != nil {
		return domain.TwoFactor{}, err
	}
	secret, err := base64.StdEncoding.DecodeString(rec.Str("secret"))
	if err != nil {
		return domain.TwoFactor{}, fmt.Errorf("decode totp secret: %w", err)
	}
	return domain.TwoFactor{
		ID:              rec.Str("id"),
		UserID:          rec.Str("user_id"),
		SecretEncrypted: secret,
		Enabled:         rec.Bool("enabled"),
		CreatedAt:       rec.Time("created_at"),
		UpdatedAt:       rec.Time("updated_at"),
	}, nil
}

// validate checks code against the enrolment at the engine clock, allowing
// one period of skew.
func (p *Plugin) validate(c *endpoint.Context, tf domain.TwoFactor, code string) (bool, error) {
	secret, err := p.enc.Decrypt(tf.SecretEncrypted)
	if err != nil {
		return false, fmt.Errorf("open totp secret: %w", err)
	}
	return totp.ValidateCustom(code, string(secret), c.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (p *Plugin) checkPassword(c *endpoint.Context, userID string) error {
	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := p.passwords.VerifyPassword(c.Context(), userID, req.Password); err != nil {
		c.Logger().Info("two-factor password check failed", slog.String("user_id", userID))
		return apierr.Unauthorized(CodeInvalidPass, "invalid password")
	}
	return nil
}

type enableResponse struct {
	TOTPURI string `json:"totpURI"`
	Secret  string `json:"secret"`
}

// handleEnable godoc
//
//	@Summary		Start TOTP enrolment
//	@Description	Returns a fresh secret. The factor is enabled once /two-factor/verify-totp accepts a code from it.
//	@Tags			two-factor
//	@Accept			json
//	@Produce		json
//	@Param			body	body		passwordRequest	true	"current password"
//	@Success		200		{object}	enableResponse
//	@Failure		400		{object}	apierr.Body
//	@Failure		401		{object}	apierr.Body
//	@Router			/two-factor/enable [post]
func (p *Plugin) handleEnable(c *endpoint.Context) (*endpoint.Response, error) {
	a := session.Current(c)
	if err := p.checkPassword(c, a.User.ID); err != nil {
		return nil, err
	}
	existing, err := p.record(c, a.User.ID)
	switch {
	case err == nil && existing.Enabled:
		return nil, apierr.BadRequest(CodeAlreadyEnabled, "two-factor is already enabled")
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.cfg.Issuer,
		AccountName: a.User.Email,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	sealed, err := p.enc.Encrypt([]byte(key.Secret()))
	if err != nil {
		return nil, err
	}
	secret := base64.StdEncoding.EncodeToString(sealed)

	now := c.Now()
	if existing.ID == "" {
		_, err = c.Auth.Adapter.Create(c.Context(), Model, store.Record{
			"user_id": a.User.ID, "secret": secret, "enabled": false, "created_at": now, "updated_at": now,
		})
	} else {
		// Re-enrolling before verification replaces the unconfirmed secret.
		_, err = c.Auth.Adapter.Update(c.Context(), Model,
			[]store.Where{store.Eq("id", existing.ID), store.Eq("enabled", false)},
			store.Set("secret", secret, "updated_at", now))
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAlreadyExists) {
		return nil, apierr.BadRequest(CodeAlreadyEnabled, "two-factor is already enabled")
	}
	if err != nil {
		return nil, err
	}
	c.Logger().Info("two-factor enrolment started", slog.String("user_id", a.User.ID))
	return c.OK(enableResponse{TOTPURI: key.URL(), Secret: key.Secret()})
}

// pending is the signed payload of the two-factor cookie.
type pending struct {
	UserID       string `json:"uid"`
	DontRemember bool   `json:"dr,omitempty"`
	Expires      int64  `json:"exp"`
}

// Cookie values cannot carry quotes, so the payload travels as base64url.
func encodePending(p pending) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodePending(s string, p *pending) error {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, p)
}

type verifyRequest struct {
	Code string `json:"code"`
}

type verifyResponse struct {
	Status bool              `json:"status"`
	Token  string            `json:"token,omitempty"`
	User   *session.UserView `json:"user,omitempty"`
}

// handleVerify godoc
//
//	@Summary		Verify a TOTP code
//	@Description	With a session it confirms enrolment. With the pending cookie from a password sign-in it completes the sign-in.
//	@Tags			two-factor
//	@Accept			json
//	@Produce		json
//	@Param			body	body		verifyRequest	true	"six digit code"
//	@Success		200		{object}	verifyResponse
//	@Failure		401		{object}	apierr.Body
//	@Router			/two-factor/verify-totp [post]
func (p *Plugin) handleVerify(c *endpoint.Context) (*endpoint.Response, error) {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}

	if raw, ok := c.SignedCookie(cookies.TwoFactor); ok {
		return p.completeSignIn(c, raw, req.Code)
	}

	a, err := p.sessions.Get(c)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apierr.Unauthorized(CodeInvalidPending, "no session and no pending sign-in")
	}
	tf, err := p.record(c, a.User.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.BadRequest(CodeNotEnrolled, "two-factor enrolment not started")
	}
	if err != nil {
		return nil, err
	}
	ok, err := p.validate(c, tf, req.Code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierr.Unauthorized(CodeInvalidCode, "invalid code")
	}
	if !tf.Enabled {
		if _, err := c.Auth.Adapter.Update(c.Context(), Model, []store.Where{store.Eq("id", tf.ID)},
			store.Set("enabled", true, "updated_at", c.Now())); err != nil {
			return nil, err
		}
		c.Logger().Info("two-factor enabled", slog.String("user_id", a.User.ID))
	}
	return c.OK(verifyResponse{Status: true})
}

func (p *Plugin) completeSignIn(c *endpoint.Context, raw, code string) (*endpoint.Response, error) {
	var pend pending
	if err := decodePending(raw, &pend); err != nil || c.Now().Unix() >= pend.Expires {
		c.ExpireCookie(cookies.TwoFactor)
		return nil, apierr.Unauthorized(CodeInvalidPending, "two-factor sign-in expired")
	}
	tf, err := p.record(c, pend.UserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !tf.Enabled) {
		return nil, apierr.Unauthorized(CodeInvalidPending, "two-factor is not enabled")
	}
	if err != nil {
		return nil, err
	}
	ok, err := p.validate(c, tf, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.Logger().Info("two-factor code rejected", slog.String("user_id", pend.UserID))
		return nil, apierr.Unauthorized(CodeInvalidCode, "invalid code")
	}

	user, err := c.Auth.Repo.UserByID(c.Context(), pend.UserID)
	if err != nil {
		return nil, err
	}
	c.ExpireCookie(cookies.TwoFactor)
	a, err := p.sessions.Create(c, user, pend.DontRemember)
	if err != nil {
		return nil, err
	}
	view := session.NewUserView(user)
	return c.OK(verifyResponse{Status: true, Token: a.Session.Token, User: &view})
}

// handleDisable godoc
//
//	@Summary	Remove the TOTP factor
//	@Tags		two-factor
//	@Accept		json
//	@Produce	json
//	@Param		body	body		passwordRequest	true	"current password"
//	@Success	200		{object}	verifyResponse
//	@Failure	401		{object}	apierr.Body
//	@Router		/two-factor/disable [post]
func (p *Plugin) handleDisable(c *endpoint.Context) (*endpoint.Response, error) {
	a := session.Current(c)
	if err := p.checkPassword(c, a.User.ID); err != nil {
		return nil, err
	}
	if err := c.Auth.Adapter.Delete(c.Context(), Model, store.Eq("user_id", a.User.ID)); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	c.Logger().Info("two-factor disabled", slog.String("user_id", a.User.ID))
	return c.OK(verifyResponse{Status: true})
}

type signInRemember struct {
	RememberMe *bool `json:"rememberMe"`
}

type challengeResponse struct {
	TwoFactorRedirect bool `json:"twoFactorRedirect"`
}

// afterSignIn withdraws the session a password sign-in just created when the
// user has TOTP enabled, and hands out the pending cookie instead.
func (p *Plugin) afterSignIn(c *endpoint.Context) (*endpoint.Response, error) {
	a := session.New(c)
	if a == nil {
		return nil, nil
	}
	tf, err := p.record(c, a.User.ID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !tf.Enabled) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var body signInRemember
	_ = json.Unmarshal(c.Request.Body, &body)
	pend, err := encodePending(pending{
		UserID:       a.User.ID,
		DontRemember: body.RememberMe != nil && !*body.RememberMe,
		Expires:      c.Now().Add(p.cfg.PendingTTL).Unix(),
	})
	if err != nil {
		return nil, err
	}

	if err := p.sessions.Revoke(c, a.Session.Token); err != nil {
		return nil, err
	}
	p.sessions.Clear(c)
	delete(c.Values, session.ValueNew)
	c.SetSignedCookie(cookies.TwoFactor, pend, p.cfg.PendingTTL)
	c.Logger().Info("two-factor challenge issued", slog.String("user_id", a.User.ID))
	return &endpoint.Response{Body: challengeResponse{TwoFactorRedirect: true}}, nil
}
