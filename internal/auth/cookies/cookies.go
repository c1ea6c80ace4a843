// Package cookies names and builds the engine's cookies.
package cookies

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultPrefix is prepended to every cookie name.
const DefaultPrefix = "gatehouse"

// securePrefix is added when the engine is served over https.
const securePrefix = "__Secure-"

// Base names. The full name is "<prefix>.<base>".
const (
	SessionToken    = "session_token"
	DontRemember    = "dont_remember"
	State           = "state"
	DeviceSessions  = "device_sessions"
	OIDCLoginPrompt = "oidc_login_prompt"
	TwoFactor       = "two_factor"
)

// Settings derives cookie names and attributes from the engine base URL.
type Settings struct {
	prefix   string
	secure   bool
	sameSite http.SameSite
	domain   string
	path     string
}

// Options configure Settings. Zero values pick the defaults.
type Options struct {
	Prefix   string
	SameSite http.SameSite
	Domain   string
	Path     string
}

// NewSettings builds Settings for baseURL. Cookies are Secure (and carry the
// __Secure- prefix) when baseURL is https.
func NewSettings(baseURL string, opts Options) Settings {
	s := Settings{
		prefix:   opts.Prefix,
		sameSite: opts.SameSite,
		domain:   opts.Domain,
		path:     opts.Path,
	}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.sameSite == 0 {
		s.sameSite = http.SameSiteLaxMode
	}
	if s.path == "" {
		s.path = "/"
	}
	if u, err := url.Parse(baseURL); err == nil && u.Scheme == "https" {
		s.secure = true
	}
	return s
}

// Secure reports whether cookies are marked Secure.
func (s Settings) Secure() bool { return s.secure }

// Name returns the full cookie name for base.
func (s Settings) Name(base string) string {
	name := s.prefix + "." + base
	if s.secure {
		name = securePrefix + name
	}
	return name
}

// Cookie builds an HttpOnly cookie. A zero maxAge makes a browser-session
// cookie.
func (s Settings) Cookie(base, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     s.Name(base),
		Value:    value,
		Path:     s.path,
		Domain:   s.domain,
		MaxAge:   int(maxAge / time.Second),
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: s.sameSite,
	}
}

// Expire builds a cookie that deletes base.
func (s Settings) Expire(base string) *http.Cookie {
	c := s.Cookie(base, "", 0)
	c.MaxAge = -1
	return c
}

// Parse reads a Cookie request header. Malformed pairs are skipped.
func Parse(header string) map[string]string {
	r := http.Request{Header: http.Header{"Cookie": {header}}}
	out := make(map[string]string)
	for _, c := range r.Cookies() {
		out[c.Name] = c.Value
	}
	return out
}

// Merge overlays the cookies of patch onto header, cookie by cookie.
func Merge(header, patch string) string {
	base := http.Request{Header: http.Header{"Cookie": {header}}}
	over := Parse(patch)

	var parts []string
	for _, c := range base.Cookies() {
		if v, ok := over[c.Name]; ok {
			parts = append(parts, c.Name+"="+v)
			delete(over, c.Name)
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	for _, c := range (&http.Request{Header: http.Header{"Cookie": {patch}}}).Cookies() {
		if _, ok := over[c.Name]; ok {
			parts = append(parts, c.Name+"="+c.Value)
		}
	}
	return strings.Join(parts, "; ")
}
