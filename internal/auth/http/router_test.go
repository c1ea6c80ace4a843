package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	authhttp "github.com/aussiebroadwan/gatehouse/internal/auth/http"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/engine"
	"github.com/aussiebroadwan/gatehouse/internal/auth/engine/enginetest"
	"github.com/aussiebroadwan/gatehouse/internal/auth/oidcprovider"
	"github.com/aussiebroadwan/gatehouse/internal/auth/service"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/pkg/authsdk"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type signer bool

func (s signer) IsReady() bool { return bool(s) }

func newRouter(t *testing.T, mutate func(*authhttp.Options)) *authhttp.Router {
	t.Helper()
	clock := &enginetest.Clock{T: time.Now()}
	auth := enginetest.NewAuth(oidcprovider.Schema(), clock)

	hasher, err := cryptox.NewPasswordHasher("pepper", cryptox.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1, KeyLength: 32, SaltLength: 16})
	require.NoError(t, err)
	keys, err := jwtx.NewEphemeralKeyManager(jwtx.KeyManagerOptions{Algorithm: jwtx.AlgorithmES256, Issuer: auth.URL("")})
	require.NoError(t, err)

	sessions := session.NewManager(auth, session.Config{})
	creds := &service.CredentialService{Repo: auth.Repo, Sessions: sessions, Hasher: hasher}
	provider := oidcprovider.New(auth, sessions, keys, oidcprovider.Config{})

	endpoints := append(sessions.Endpoints(), creds.Endpoints()...)
	endpoints = append(endpoints, endpoint.Endpoint{
		Path:    "/broken",
		Methods: []string{http.MethodGet},
		Handler: func(*endpoint.Context) (*endpoint.Response, error) {
			return nil, errors.New("database on fire")
		},
	})
	e, err := engine.New(auth, engine.Options{
		Endpoints: endpoints,
		Plugins:   []endpoint.Plugin{provider.Plugin()},
	})
	require.NoError(t, err)

	opts := authhttp.Options{
		Engine:   e,
		Database: pinger{},
		Keys:     keys,
		Version:  "test",
		Logger:   slogx.Discard(),
		Limits:   authhttp.DefaultRateLimits(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r := authhttp.NewRouter(opts)
	r.ApplyRoutes()
	return r
}

func serve(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestLivez(t *testing.T) {
	t.Parallel()
	rec := serve(newRouter(t, nil), http.MethodGet, "/livez", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health authsdk.HealthResponse
	decode(t, rec, &health)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "test", health.Version)
	require.NotEmpty(t, rec.Header().Get(slogx.RequestIDHeader))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*authhttp.Options)
		status   int
		database string
		signer   string
		cache    string
	}{
		{"ready", nil, http.StatusOK, "ok", "ok", ""},
		{"database down", func(o *authhttp.Options) { o.Database = pinger{errors.New("closed")} }, http.StatusServiceUnavailable, "error: closed", "ok", ""},
		{"no keys", func(o *authhttp.Options) { o.Keys = signer(false) }, http.StatusServiceUnavailable, "ok", "error: no keys loaded", ""},
		{"cache ok", func(o *authhttp.Options) { o.Cache = pinger{} }, http.StatusOK, "ok", "ok", "ok"},
		{"cache down", func(o *authhttp.Options) { o.Cache = pinger{errors.New("refused")} }, http.StatusServiceUnavailable, "ok", "ok", "error: refused"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(newRouter(t, tc.mutate), http.MethodGet, "/readyz", "")
			require.Equal(t, tc.status, rec.Code)

			var health authsdk.HealthResponse
			decode(t, rec, &health)
			require.NotNil(t, health.Checks)
			require.Equal(t, tc.database, health.Checks.Database)
			require.Equal(t, tc.signer, health.Checks.Signer)
			require.Equal(t, tc.cache, health.Checks.Cache)
		})
	}
}

func TestEngineMounted(t *testing.T) {
	t.Parallel()
	r := newRouter(t, nil)

	rec := serve(r, http.MethodPost, "/api/auth/sign-up/email", `{"name":"Ada","email":"ada@example.com","password":"correct-horse-battery"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Values("Set-Cookie"))

	rec = serve(r, http.MethodGet, "/api/auth/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(r, http.MethodGet, "/api/auth/sign-in/email", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEngineErrorsAreOpaque(t *testing.T) {
	t.Parallel()
	rec := serve(newRouter(t, nil), http.MethodGet, "/api/auth/broken", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "fire")

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	decode(t, rec, &body)
	require.Equal(t, "INTERNAL_SERVER_ERROR", body.Code)
	require.Equal(t, "internal server error", body.Message)
}

func TestDiscoveryAtRoot(t *testing.T) {
	t.Parallel()
	r := newRouter(t, nil)

	root := serve(r, http.MethodGet, "/.well-known/openid-configuration", "")
	require.Equal(t, http.StatusOK, root.Code)
	mounted := serve(r, http.MethodGet, "/api/auth/.well-known/openid-configuration", "")
	require.Equal(t, http.StatusOK, mounted.Code)
	require.JSONEq(t, mounted.Body.String(), root.Body.String())

	var doc oidcprovider.Discovery
	decode(t, root, &doc)
	require.Equal(t, enginetest.BaseURL+enginetest.BasePath, doc.Issuer)
	require.Equal(t, enginetest.BaseURL+enginetest.BasePath+"/oauth2/token", doc.TokenEndpoint)
}

func TestCredentialRateLimit(t *testing.T) {
	t.Parallel()
	r := newRouter(t, func(o *authhttp.Options) {
		o.Limits.Credentials = httpx.RateLimitConfig{RequestsPerWindow: 2, Window: time.Minute, Burst: 2}
	})

	body := `{"email":"nobody@example.com","password":"wrong password"}`
	for range 2 {
		rec := serve(r, http.MethodPost, "/api/auth/sign-in/email", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := serve(r, http.MethodPost, "/api/auth/sign-in/email", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other endpoints keep their own budget.
	rec = serve(r, http.MethodGet, "/api/auth/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()
	r := newRouter(t, func(o *authhttp.Options) { o.MaxBodyBytes = 16 })

	rec := serve(r, http.MethodPost, "/api/auth/sign-in/email", `{"email":"ada@example.com","password":"correct-horse-battery"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Code string `json:"code"`
	}
	decode(t, rec, &body)
	require.Equal(t, "REQUEST_TOO_LARGE", body.Code)
}

func TestSwagger(t *testing.T) {
	t.Parallel()
	off := serve(newRouter(t, nil), http.MethodGet, "/swagger/doc.json", "")
	require.Equal(t, http.StatusNotFound, off.Code)

	on := serve(newRouter(t, func(o *authhttp.Options) { o.Swagger = true }), http.MethodGet, "/swagger/doc.json", "")
	require.Equal(t, http.StatusOK, on.Code)
	require.Contains(t, on.Body.String(), "/oauth2/token")
}
