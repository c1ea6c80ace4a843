package endpoint

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

// AuthContext is the engine-wide state every call shares. It is built once
// and never mutated while serving.
type AuthContext struct {
	// BaseURL is the public origin, e.g. "https://auth.example.com".
	BaseURL string
	// BasePath is where the engine is mounted, e.g. "/api/auth".
	BasePath string
	// Secret signs cookies and state.
	Secret []byte

	Adapter   store.Adapter
	Repo      *store.Repo
	Secondary store.SecondaryStorage
	Cookies   cookies.Settings
	Logger    *slog.Logger

	// TrustedOrigins may appear in callback and redirect URLs besides
	// BaseURL's own origin.
	TrustedOrigins []string

	Clock func() time.Time
}

// Now returns the engine clock.
func (a *AuthContext) Now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

// URL joins BaseURL, BasePath and path.
func (a *AuthContext) URL(path string) string {
	return strings.TrimSuffix(a.BaseURL, "/") + a.BasePath + path
}

// IsTrustedURL reports whether raw is relative to this host or on a trusted
// origin. Protocol-relative URLs ("//evil") are never trusted.
func (a *AuthContext) IsTrustedURL(raw string) bool {
	if raw == "" {
		return true
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	origin := u.Scheme + "://" + u.Host
	if base, err := url.Parse(a.BaseURL); err == nil && origin == base.Scheme+"://"+base.Host {
		return true
	}
	for _, o := range a.TrustedOrigins {
		if strings.TrimSuffix(o, "/") == origin {
			return true
		}
	}
	return false
}
