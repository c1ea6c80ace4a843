package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Service   string `env:"SERVICE_NAME" envDefault:"gatehouse"`
	Env       string `env:"ENV"          envDefault:"dev"`  // dev, staging, prod
	LogLevel  string `env:"LOG_LEVEL"    envDefault:"info"` // debug, info, warn, error
	LogFormat string `env:"LOG_FORMAT"   envDefault:"json"` // json, text

	Addr                string        `env:"ADDR"                  envDefault:":8080"`
	ReadHeaderTimeout   time.Duration `env:"READ_HEADER_TIMEOUT"   envDefault:"3s"`
	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`
	MaxBodyBytes        int64         `env:"MAX_BODY_BYTES"        envDefault:"1048576"`
	Swagger             bool          `env:"SWAGGER"               envDefault:"true"`

	// BaseURL is the public origin; BasePath is where the engine is mounted.
	BaseURL  string `env:"BASE_URL"  envDefault:"http://localhost:8080"`
	BasePath string `env:"BASE_PATH" envDefault:"/api/auth"`
	// SecretFile holds the cookie signing secret. It is generated on first
	// start when missing.
	SecretFile     string   `env:"SECRET_FILE"     envDefault:"secret"`
	CookiePrefix   string   `env:"COOKIE_PREFIX"   envDefault:"gatehouse"`
	CookieSameSite string   `env:"COOKIE_SAMESITE" envDefault:"lax"`
	TrustedOrigins []string `env:"TRUSTED_ORIGINS" envSeparator:","`

	SessionMaxAge           time.Duration `env:"SESSION_MAX_AGE"           envDefault:"168h"`
	SessionUpdateAge        time.Duration `env:"SESSION_UPDATE_AGE"        envDefault:"24h"`
	MaxDeviceSessions       int           `env:"MAX_DEVICE_SESSIONS"       envDefault:"5"`
	MinPasswordLength       int           `env:"MIN_PASSWORD_LENGTH"       envDefault:"8"`
	EnumerationSafeSignUp   bool          `env:"ENUMERATION_SAFE_SIGN_UP"  envDefault:"true"`
	DisableSocialSignUp     bool          `env:"DISABLE_SOCIAL_SIGN_UP"    envDefault:"false"`
	TrustedProviders        []string      `env:"TRUSTED_PROVIDERS"         envSeparator:","`
	TwoFactorIssuer         string        `env:"TWO_FACTOR_ISSUER"         envDefault:"Gatehouse"`
	HousekeepingInterval    time.Duration `env:"HOUSEKEEPING_INTERVAL"     envDefault:"1h"`
	ProvidersJSON           string        `env:"PROVIDERS"`
	PasswordPepperFile      string        `env:"PEPPER_FILE"               envDefault:"pepper"`
	DatabaseDSN             string        `env:"DATABASE_DSN"              envDefault:"file:auth.db?_pragma=journal_mode(WAL)"`
	RedisURL                string        `env:"REDIS_URL"`
	KeyAlgorithm            string        `env:"KEY_ALGORITHM"             envDefault:"ES256"` // RS256, ES256, EdDSA
	KeyRSABits              int           `env:"KEY_RSA_BITS"              envDefault:"2048"`
	NumKeys                 int           `env:"NUM_KEYS"                  envDefault:"1"`
	PersistentKeys          bool          `env:"PERSISTENT_KEYS"           envDefault:"false"`
	MasterKeyPath           string        `env:"MASTER_KEY_PATH"`
	KeyGracePeriod          time.Duration `env:"KEY_GRACE_PERIOD"          envDefault:"720h"`
	OIDCLoginPage           string        `env:"OIDC_LOGIN_PAGE"           envDefault:"/sign-in"`
	OIDCConsentPage         string        `env:"OIDC_CONSENT_PAGE"         envDefault:"/consent"`
	OIDCCodeTTL             time.Duration `env:"OIDC_CODE_TTL"             envDefault:"10m"`
	OIDCAccessTokenTTL      time.Duration `env:"OIDC_ACCESS_TOKEN_TTL"     envDefault:"15m"`
	OIDCRefreshTokenTTL     time.Duration `env:"OIDC_REFRESH_TOKEN_TTL"    envDefault:"720h"`
	OIDCRotateRefresh       bool          `env:"OIDC_ROTATE_REFRESH"       envDefault:"true"`
	OIDCDynamicRegistration bool          `env:"OIDC_DYNAMIC_REGISTRATION" envDefault:"false"`
	CIBAInterval            time.Duration `env:"CIBA_INTERVAL"             envDefault:"5s"`
	CIBATTL                 time.Duration `env:"CIBA_TTL"                  envDefault:"5m"`

	RateLimits RateLimitConfig `envPrefix:"RATE_LIMIT_"`
}

// RateLimitConfig is requests per minute for each endpoint class. Zero
// disables the limit.
type RateLimitConfig struct {
	Credentials int `env:"CREDENTIALS" envDefault:"5"`
	Token       int `env:"TOKEN"       envDefault:"30"`
	Polling     int `env:"POLLING"     envDefault:"120"`
	Public      int `env:"PUBLIC"      envDefault:"1000"`
}

// ProviderConfig is one upstream identity provider. Issuer selects OpenID
// Connect discovery; otherwise the three endpoint URLs are required.
type ProviderConfig struct {
	ID           string   `json:"id"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Issuer       string   `json:"issuer,omitempty"`
	AuthURL      string   `json:"auth_url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	UserInfoURL  string   `json:"userinfo_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	PKCE         bool     `json:"pkce,omitempty"`
	AuthStyle    string   `json:"auth_style,omitempty"` // basic, post
}

// LoadConfig reads AUTH_ prefixed environment variables.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "AUTH_"})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Providers decodes AUTH_PROVIDERS, a JSON array of ProviderConfig.
func (c Config) Providers() ([]ProviderConfig, error) {
	if strings.TrimSpace(c.ProvidersJSON) == "" {
		return nil, nil
	}
	var out []ProviderConfig
	if err := json.Unmarshal([]byte(c.ProvidersJSON), &out); err != nil {
		return nil, fmt.Errorf("parse AUTH_PROVIDERS: %w", err)
	}
	return out, nil
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("AUTH_BASE_URL must be an http(s) URL, got %q", c.BaseURL))
	}
	if c.BasePath != "" && (!strings.HasPrefix(c.BasePath, "/") || strings.HasSuffix(c.BasePath, "/")) {
		errs = append(errs, fmt.Errorf("AUTH_BASE_PATH must start and not end with '/', got %q", c.BasePath))
	}
	if _, err := c.SameSite(); err != nil {
		errs = append(errs, err)
	}
	if c.PersistentKeys && c.MasterKeyPath == "" {
		errs = append(errs, errors.New("AUTH_MASTER_KEY_PATH is required with AUTH_PERSISTENT_KEYS"))
	}
	providers, err := c.Providers()
	if err != nil {
		errs = append(errs, err)
	}
	seen := map[string]bool{}
	for i, p := range providers {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("provider %d: id is required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("provider %q: configured twice", p.ID))
		case p.Issuer == "" && (p.AuthURL == "" || p.TokenURL == ""):
			errs = append(errs, fmt.Errorf("provider %q: issuer or auth_url and token_url are required", p.ID))
		}
		seen[p.ID] = true
	}
	return errors.Join(errs...)
}

// SameSite parses CookieSameSite.
func (c Config) SameSite() (http.SameSite, error) {
	switch strings.ToLower(c.CookieSameSite) {
	case "lax", "":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	}
	return 0, fmt.Errorf("AUTH_COOKIE_SAMESITE must be lax, strict or none, got %q", c.CookieSameSite)
}
