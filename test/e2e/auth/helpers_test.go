package auth_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatehouse/internal/auth/app"
	"github.com/aussiebroadwan/gatehouse/pkg/authsdk"
)

/*
 * Common constants and helper functions for auth service end-to-end tests.
 * Each test runs the full service in-process behind a real HTTP listener,
 * configured through the same AUTH_ environment variables as production.
 */

const (
	userEmail    = "ada@example.com"
	userPassword = "correct-horse-battery"
	redirectURI  = "https://rp.example.com/cb"
	fullScope    = "openid profile email offline_access"
)

// setupAuthServer starts the service and returns its origin. env overrides
// the test defaults.
func setupAuthServer(t *testing.T, env map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	srv := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + srv.Listener.Addr().String()

	defaults := map[string]string{
		"AUTH_ENV":                    "test",
		"AUTH_LOG_LEVEL":              "error",
		"AUTH_BASE_URL":               baseURL,
		"AUTH_SECRET_FILE":            filepath.Join(dir, "secret"),
		"AUTH_PEPPER_FILE":            filepath.Join(dir, "pepper"),
		"AUTH_DATABASE_DSN":           "file:" + filepath.Join(dir, "auth.db"),
		"AUTH_CIBA_INTERVAL":          "1s",
		"AUTH_RATE_LIMIT_CREDENTIALS": "1000",
		"AUTH_RATE_LIMIT_TOKEN":       "1000",
		"AUTH_RATE_LIMIT_POLLING":     "1000",
		"AUTH_HOUSEKEEPING_INTERVAL":  "1h",
	}
	for k, v := range env {
		defaults[k] = v
	}
	for k, v := range defaults {
		t.Setenv(k, v)
	}

	cfg, err := app.LoadConfig()
	require.NoError(t, err)
	application, err := app.New(t.Context(), cfg)
	require.NoError(t, err)

	srv.Config.Handler = application.Handler()
	srv.Start()
	t.Cleanup(func() {
		srv.Close()
		_ = application.Close()
	})
	return baseURL
}

// browser is a cookie-keeping user agent that does not follow redirects.
type browser struct {
	t       *testing.T
	baseURL string
	http    *http.Client
}

func newBrowser(t *testing.T, baseURL string) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{
		t:       t,
		baseURL: baseURL,
		http: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// post sends a JSON body to an auth API path and decodes the JSON answer
// into out when it is non-nil.
func (b *browser) post(path string, body, out any) int {
	b.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(b.t, err)
	resp, err := b.http.Post(b.baseURL+authsdk.DefaultAuthPath+path, "application/json", bytes.NewReader(raw))
	require.NoError(b.t, err)
	return b.decode(resp, out)
}

func (b *browser) get(target string, out any) (int, *url.URL) {
	b.t.Helper()
	if u, err := url.Parse(target); err == nil && !u.IsAbs() {
		target = b.baseURL + authsdk.DefaultAuthPath + target
	}
	resp, err := b.http.Get(target)
	require.NoError(b.t, err)
	loc, _ := resp.Location()
	return b.decode(resp, out), loc
}

func (b *browser) decode(resp *http.Response, out any) int {
	b.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	if out != nil && len(data) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(b.t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

func signUp(t *testing.T, baseURL, email string) *browser {
	t.Helper()
	b := newBrowser(t, baseURL)
	status := b.post("/sign-up/email", map[string]any{"name": "Ada Lovelace", "email": email, "password": userPassword}, nil)
	require.Equal(t, http.StatusOK, status)
	return b
}

type registeredClient struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// registerClient registers an OAuth client owned by the signed-in user.
func registerClient(t *testing.T, owner *browser, grants []string, scope string) registeredClient {
	t.Helper()
	var out registeredClient
	status := owner.post("/oauth2/register", map[string]any{
		"client_name":   "Analytical Engine",
		"redirect_uris": []string{redirectURI},
		"grant_types":   grants,
		"scope":         scope,
	}, &out)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, out.ClientSecret)
	return out
}

// assertHealthy verifies a health check response is OK.
func assertHealthy(t *testing.T, health *authsdk.HealthResponse, err error) {
	t.Helper()
	require.NoError(t, err)
	require.NotNil(t, health)
	require.Equal(t, "ok", health.Status)
}

// assertTokenResponse verifies a token response has all required fields.
func assertTokenResponse(t *testing.T, resp *authsdk.TokenResponse) {
	t.Helper()
	require.NotNil(t, resp)
	require.NotEmpty(t, resp.AccessToken, "Access token should not be empty")
	require.NotEmpty(t, resp.IDToken, "ID token should not be empty")
	require.Equal(t, "Bearer", resp.TokenType, "Token type should be Bearer")
	require.NotEmpty(t, resp.Scope, "Scope should not be empty")
}
