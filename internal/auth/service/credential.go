package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/aussiebroadwan/gatehouse/pkg/idx"
)

const (
	DefaultMinPasswordLength = 8
	DefaultMaxPasswordLength = 128
)

// Error codes returned by the credential endpoints.
const (
	CodeInvalidEmail           = "INVALID_EMAIL"
	CodeInvalidEmailOrPassword = "INVALID_EMAIL_OR_PASSWORD"
	CodePasswordTooShort       = "PASSWORD_TOO_SHORT"
	CodePasswordTooLong        = "PASSWORD_TOO_LONG"
	CodeUserAlreadyExists      = "USER_ALREADY_EXISTS"
)

var ErrInvalidCredentials = errors.New("invalid_credentials")

// CredentialService signs users up and in with an email and password.
type CredentialService struct {
	Repo     *store.Repo
	Sessions *session.Manager
	Hasher   *cryptox.PasswordHasher

	MinPasswordLength int
	MaxPasswordLength int
	// EnumerationSafeSignUp answers a sign-up for a taken email with a fake
	// success instead of USER_ALREADY_EXISTS. Both answers then carry the
	// session only in the cookie, and the fake one sets a cookie for a token
	// that was never stored.
	EnumerationSafeSignUp bool
}

// Endpoints returns /sign-up/email and /sign-in/email.
func (s *CredentialService) Endpoints() []endpoint.Endpoint {
	return []endpoint.Endpoint{
		{Path: "/sign-up/email", Methods: []string{http.MethodPost}, Handler: s.handleSignUp},
		{Path: "/sign-in/email", Methods: []string{http.MethodPost}, Handler: s.handleSignIn},
	}
}

// Authenticate checks an email and password. Unknown emails cost the same
// hash as a wrong password and fail with the same error.
func (s *CredentialService) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	email = normalizeEmail(email)
	user, err := s.Repo.UserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		_ = s.Hasher.VerifyDummy(password)
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("find user: %w", err)
	}

	acct, err := s.Repo.UserAccount(ctx, user.ID, domain.ProviderCredential)
	if errors.Is(err, store.ErrNotFound) || (err == nil && acct.Password == "") {
		_ = s.Hasher.VerifyDummy(password)
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("find credential account: %w", err)
	}

	if err := s.Hasher.Verify(password, acct.Password); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// VerifyPassword checks password against userID's credential account.
func (s *CredentialService) VerifyPassword(ctx context.Context, userID, password string) error {
	acct, err := s.Repo.UserAccount(ctx, userID, domain.ProviderCredential)
	if errors.Is(err, store.ErrNotFound) {
		_ = s.Hasher.VerifyDummy(password)
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	if err := s.Hasher.Verify(password, acct.Password); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

type signUpRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Image       string `json:"image"`
	RememberMe  *bool  `json:"rememberMe"`
	CallbackURL string `json:"callbackURL"`
}

type signUpResponse struct {
	Token *string          `json:"token"`
	User  session.UserView `json:"user"`
}

// handleSignUp godoc
//
//	@Summary		Create a user with an email and password
//	@Tags			credential
//	@Accept			json
//	@Produce		json
//	@Param			body	body		signUpRequest	true	"new user"
//	@Success		200		{object}	signUpResponse
//	@Failure		400		{object}	apierr.Body
//	@Router			/sign-up/email [post]
func (s *CredentialService) handleSignUp(c *endpoint.Context) (*endpoint.Response, error) {
	var req signUpRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	email, err := s.validate(c, req.Email, req.Password, req.CallbackURL)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)

	hash, err := s.Hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	_, err = s.Repo.UserByEmail(c.Context(), email)
	if err == nil {
		c.Logger().Info("sign-up for existing email")
		if !s.EnumerationSafeSignUp {
			return nil, apierr.BadRequest(CodeUserAlreadyExists, "user already exists, use another email")
		}
		decoy, err := cryptox.GenerateToken(cryptox.TokenSize256)
		if err != nil {
			return nil, err
		}
		s.Sessions.SetCookie(c, &session.Authenticated{Session: domain.Session{Token: decoy}}, req.RememberMe != nil && !*req.RememberMe)
		now := c.Now()
		return c.OK(signUpResponse{User: session.NewUserView(domain.User{
			ID: idx.NewString(), Name: name, Email: email, Image: req.Image, CreatedAt: now, UpdatedAt: now,
		})})
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var user domain.User
	err = s.Repo.WithTx(c.Context(), func(tx *store.Repo) error {
		var err error
		user, err = tx.CreateUser(c.Context(), domain.User{Name: name, Email: email, Image: req.Image})
		if err != nil {
			return err
		}
		_, err = tx.CreateAccount(c.Context(), domain.Account{
			UserID:     user.ID,
			ProviderID: domain.ProviderCredential,
			AccountID:  user.ID,
			Password:   hash,
		})
		return err
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil, apierr.BadRequest(CodeUserAlreadyExists, "user already exists, use another email")
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	c.Logger().Info("user signed up", slog.String("user_id", user.ID))

	a, err := s.Sessions.Create(c, user, req.RememberMe != nil && !*req.RememberMe)
	if err != nil {
		return nil, err
	}
	resp := signUpResponse{User: session.NewUserView(user)}
	if !s.EnumerationSafeSignUp {
		resp.Token = &a.Session.Token
	}
	return c.OK(resp)
}

type signInRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	RememberMe  *bool  `json:"rememberMe"`
	CallbackURL string `json:"callbackURL"`
}

type signInResponse struct {
	Redirect bool             `json:"redirect"`
	Token    string           `json:"token"`
	URL      string           `json:"url,omitempty"`
	User     session.UserView `json:"user"`
}

// handleSignIn godoc
//
//	@Summary		Sign in with an email and password
//	@Tags			credential
//	@Accept			json
//	@Produce		json
//	@Param			body	body		signInRequest	true	"credentials"
//	@Success		200		{object}	signInResponse
//	@Failure		401		{object}	apierr.Body
//	@Router			/sign-in/email [post]
func (s *CredentialService) handleSignIn(c *endpoint.Context) (*endpoint.Response, error) {
	var req signInRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if !c.Auth.IsTrustedURL(req.CallbackURL) {
		return nil, apierr.Forbidden("INVALID_CALLBACK_URL", "callbackURL is not a trusted origin")
	}

	user, err := s.Authenticate(c.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		c.Logger().Info("credential sign-in failed")
		return nil, apierr.Unauthorized(CodeInvalidEmailOrPassword, "invalid email or password")
	}
	if err != nil {
		return nil, err
	}

	a, err := s.Sessions.Create(c, user, req.RememberMe != nil && !*req.RememberMe)
	if err != nil {
		return nil, err
	}
	return c.OK(signInResponse{
		Redirect: req.CallbackURL != "",
		Token:    a.Session.Token,
		URL:      req.CallbackURL,
		User:     session.NewUserView(user),
	})
}

func (s *CredentialService) validate(c *endpoint.Context, email, password, callbackURL string) (string, error) {
	email = normalizeEmail(email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return "", apierr.BadRequest(CodeInvalidEmail, "invalid email")
	}
	minLen, maxLen := s.MinPasswordLength, s.MaxPasswordLength
	if minLen <= 0 {
		minLen = DefaultMinPasswordLength
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxPasswordLength
	}
	if len(password) < minLen {
		return "", apierr.BadRequest(CodePasswordTooShort, "password too short")
	}
	if len(password) > maxLen {
		return "", apierr.BadRequest(CodePasswordTooLong, "password too long")
	}
	if !c.Auth.IsTrustedURL(callbackURL) {
		return "", apierr.Forbidden("INVALID_CALLBACK_URL", "callbackURL is not a trusted origin")
	}
	return email, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
