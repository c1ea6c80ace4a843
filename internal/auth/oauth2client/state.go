package oauth2client

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
)

const (
	DefaultStateTTL = 10 * time.Minute

	stateIdentifierPrefix = "oauth-state:"
)

// State is what the callback needs to finish a flow. It is stored server
// side under the random state value, which the browser also carries in a
// signed cookie.
type State struct {
	ProviderID   string            `json:"providerId"`
	CallbackURL  string            `json:"callbackURL"`
	ErrorURL     string            `json:"errorURL,omitempty"`
	NewUserURL   string            `json:"newUserURL,omitempty"`
	CodeVerifier string            `json:"codeVerifier,omitempty"`
	Nonce        string            `json:"nonce,omitempty"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	Data         map[string]string `json:"data,omitempty"`
}

// saveState persists st and binds it to the browser. It returns the state
// value to send to the provider.
func saveState(c *endpoint.Context, st State, ttl time.Duration) (string, error) {
	value, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}
	st.ExpiresAt = c.Now().Add(ttl)
	raw, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	if _, err := c.Auth.Repo.CreateVerification(c.Context(), stateIdentifierPrefix+value, string(raw), st.ExpiresAt); err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}
	c.SetSignedCookie(cookies.State, value, ttl)
	return value, nil
}

// consumeState checks value against the signed cookie and takes the stored
// state. A value can be consumed once.
func consumeState(c *endpoint.Context, value string) (*State, error) {
	if value == "" {
		return nil, ErrInvalidState
	}
	bound, ok := c.SignedCookie(cookies.State)
	if !ok || subtle.ConstantTimeCompare([]byte(bound), []byte(value)) != 1 {
		return nil, fmt.Errorf("%w: state does not match cookie", ErrInvalidState)
	}
	c.ExpireCookie(cookies.State)

	v, err := c.Auth.Repo.ConsumeVerification(c.Context(), stateIdentifierPrefix+value)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown or expired", ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}

	var st State
	if err := json.Unmarshal([]byte(v.Value), &st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if !c.Now().Before(st.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidState)
	}
	return &st, nil
}
