package app

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, dir string) Config {
	t.Helper()
	return Config{
		Service:              "gatehouse-test",
		Env:                  "test",
		LogLevel:             "error",
		LogFormat:            "text",
		Addr:                 "127.0.0.1:0",
		ShutdownGracePeriod:  time.Second,
		MaxBodyBytes:         1 << 20,
		BaseURL:              "http://localhost:8080",
		BasePath:             "/api/auth",
		SecretFile:           filepath.Join(dir, "secret"),
		PasswordPepperFile:   filepath.Join(dir, "pepper"),
		CookiePrefix:         "gatehouse",
		CookieSameSite:       "lax",
		MaxDeviceSessions:    5,
		MinPasswordLength:    8,
		DatabaseDSN:          "file:" + filepath.Join(dir, "auth.db"),
		KeyAlgorithm:         "ES256",
		NumKeys:              1,
		HousekeepingInterval: time.Hour,
		RateLimits:           RateLimitConfig{Credentials: 100, Token: 100, Polling: 100, Public: 1000},
	}
}

func newTestApp(t *testing.T, cfg Config) *Application {
	t.Helper()
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func do(h http.Handler, method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApplication_SignUpAndSession(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	mr := miniredis.RunT(t)
	cfg.RedisURL = "redis://" + mr.Addr()

	a := newTestApp(t, cfg)
	h := a.Handler()

	rec := do(h, http.MethodPost, "/api/auth/sign-up/email", `{"name":"Ada","email":"ada@example.com","password":"correct-horse-battery"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	rec = do(h, http.MethodGet, "/api/auth/session", "", cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "ada@example.com", env.User.Email)

	rec = do(h, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"cache":"ok"`)

	require.FileExists(t, cfg.SecretFile)
	require.FileExists(t, cfg.PasswordPepperFile)
}

func TestApplication_Routes(t *testing.T) {
	a := newTestApp(t, testConfig(t, t.TempDir()))

	routes := a.Routes()
	for _, want := range []string{
		"POST /sign-in/email",
		"POST /two-factor/verify-totp",
		"POST /multi-session/set-active",
		"GET /oauth2/authorize",
		"POST /oauth2/bc-authorize",
		"GET /callback/:providerId",
	} {
		require.Contains(t, routes, want)
	}
	require.Zero(t, a.Cleanup(t.Context()))
}

func TestApplication_PersistentKeysSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	masterPath := filepath.Join(dir, "master.key")
	require.NoError(t, os.WriteFile(masterPath, master, 0o600))

	cfg := testConfig(t, dir)
	cfg.PersistentKeys = true
	cfg.MasterKeyPath = masterPath

	jwks := func() string {
		a, err := New(t.Context(), cfg)
		require.NoError(t, err)
		defer a.Close()
		rec := do(a.Handler(), http.MethodGet, "/api/auth/jwks", "")
		require.Equal(t, http.StatusOK, rec.Code)
		return rec.Body.String()
	}

	first := jwks()
	require.Contains(t, first, `"kid"`)
	require.JSONEq(t, first, jwks())
}

func TestApplication_RotateKeys(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master.key")
	require.NoError(t, os.WriteFile(masterPath, []byte(strings.Repeat("k", 32)), 0o600))

	cfg := testConfig(t, dir)
	cfg.PersistentKeys = true
	cfg.MasterKeyPath = masterPath
	cfg.KeyGracePeriod = time.Millisecond

	a, err := New(t.Context(), cfg)
	require.NoError(t, err)
	before, err := a.SigningKeys(t.Context())
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.Error(t, a.RetireKey(t.Context(), before[0].Kid), "the only active key stays")

	rotated, err := a.RotateKeys(t.Context(), true)
	require.NoError(t, err)
	require.Equal(t, 1, rotated.ActiveKeys)
	require.Len(t, rotated.RetiredKeys, 1)
	require.Equal(t, before[0].Kid, rotated.RetiredKeys[0].Kid)

	keys, err := a.SigningKeys(t.Context())
	require.NoError(t, err)
	require.Len(t, keys, 2)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, a.Cleanup(t.Context()), "the retired key is pruned after its grace period")
	require.NoError(t, a.Close())

	restarted, err := New(t.Context(), cfg)
	require.NoError(t, err)
	defer restarted.Close()
	keys, err = restarted.SigningKeys(t.Context())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, rotated.NewKey.Kid, keys[0].Kid)
	require.True(t, keys[0].Active)
}

func TestMigrate(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	require.NoError(t, Migrate(cfg))
	// Applying again is a no-op.
	require.NoError(t, Migrate(cfg))
}
