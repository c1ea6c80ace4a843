package authsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	*httptest.Server
	mu    sync.Mutex
	forms []url.Values
	auth  []string
}

func newFakeServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int)) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.forms = append(f.forms, r.PostForm)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		n := len(f.forms)
		f.mu.Unlock()
		handler(w, r, n)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) form(i int) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[i]
}

func (f *fakeServer) header(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth[i]
}

func (f *fakeServer) allForms() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.forms...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: code, ErrorDescription: code})
}

func testClient(baseURL string, sleeps *[]time.Duration) *Client {
	c := NewClient(baseURL, "client/1", "s3cr:t")
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return c
}

func TestPollToken_SlowDownDoublesInterval(t *testing.T) {
	t.Parallel()
	answers := []string{ErrorCodeAuthorizationPending, ErrorCodeSlowDown, ErrorCodeAuthorizationPending}
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		require.Equal(t, "/api/auth/oauth2/token", r.URL.Path)
		if n <= len(answers) {
			oauthError(w, answers[n-1])
			return
		}
		writeJSON(w, http.StatusOK, TokenResponse{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 900})
	})

	var sleeps []time.Duration
	c := testClient(srv.URL, &sleeps)
	tok, err := c.PollToken(t.Context(), "req-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "at", tok.AccessToken)
	require.Equal(t, []time.Duration{time.Second, time.Second, 2 * time.Second, 2 * time.Second}, sleeps)

	for _, form := range srv.allForms() {
		require.Equal(t, GrantTypeCIBA, form.Get("grant_type"))
		require.Equal(t, "req-1", form.Get("auth_req_id"))
	}
}

func TestPollToken_TerminalErrors(t *testing.T) {
	t.Parallel()
	for _, code := range []string{ErrorCodeAccessDenied, ErrorCodeExpiredToken, ErrorCodeInvalidGrant} {
		t.Run(code, func(t *testing.T) {
			t.Parallel()
			srv := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, _ int) { oauthError(w, code) })

			var sleeps []time.Duration
			_, err := testClient(srv.URL, &sleeps).PollToken(t.Context(), "req-1", 0)
			require.True(t, IsOAuth2Error(err, code), err)
			require.Equal(t, []time.Duration{DefaultPollInterval}, sleeps)

			var oe *OAuth2Error
			require.ErrorAs(t, err, &oe)
			require.Equal(t, http.StatusBadRequest, oe.StatusCode)
		})
	}
}

func TestPollToken_ContextCancelled(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		oauthError(w, ErrorCodeAuthorizationPending)
	})
	c := NewClient(srv.URL, "client", "secret")

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := c.PollToken(ctx, "req-1", 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackchannelAuthorize(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		require.Equal(t, "/api/auth/oauth2/bc-authorize", r.URL.Path)
		writeJSON(w, http.StatusOK, BackchannelResponse{AuthReqID: "req-1", ExpiresIn: 300, Interval: 5})
	})

	var sleeps []time.Duration
	c := testClient(srv.URL, &sleeps)
	resp, err := c.BackchannelAuthorize(t.Context(), BackchannelRequest{
		LoginHint:       "ada@example.com",
		Scopes:          []string{"openid", "email"},
		BindingMessage:  "W4SCT",
		RequestedExpiry: 2 * time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, "req-1", resp.AuthReqID)
	require.EqualValues(t, 5, resp.Interval)

	form := srv.form(0)
	require.Equal(t, "openid email", form.Get("scope"))
	require.Equal(t, "ada@example.com", form.Get("login_hint"))
	require.Equal(t, "W4SCT", form.Get("binding_message"))
	require.Equal(t, "120", form.Get("requested_expiry"))
	require.Empty(t, form.Get("client_secret"))

	// Credentials are form-encoded before Basic encoding.
	req := http.Request{Header: http.Header{"Authorization": {srv.header(0)}}}
	id, secret, ok := req.BasicAuth()
	require.True(t, ok)
	require.Equal(t, url.QueryEscape("client/1"), id)
	require.Equal(t, url.QueryEscape("s3cr:t"), secret)
}

func TestClientAuthentication(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusOK, TokenResponse{AccessToken: "at"})
	})

	post := NewClient(srv.URL, "client", "secret")
	post.PostAuth = true
	_, err := post.RefreshGrant(t.Context(), "rt", "openid")
	require.NoError(t, err)
	require.Empty(t, srv.header(0))
	require.Equal(t, "client", srv.form(0).Get("client_id"))
	require.Equal(t, "secret", srv.form(0).Get("client_secret"))
	require.Equal(t, "openid", srv.form(0).Get("scope"))

	public := NewClient(srv.URL, "spa", "")
	_, err = public.ExchangeCode(t.Context(), "code", "https://app/cb", "verifier")
	require.NoError(t, err)
	require.Empty(t, srv.header(1))
	require.Equal(t, "spa", srv.form(1).Get("client_id"))
	require.Equal(t, "verifier", srv.form(1).Get("code_verifier"))
	require.False(t, srv.form(1).Has("client_secret"))
}

func TestParseErrorResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"oauth", http.StatusUnauthorized, `{"error":"invalid_client","error_description":"client authentication failed"}`,
			&OAuth2Error{StatusCode: 401, Code: "invalid_client", Description: "client authentication failed"}},
		{"api", http.StatusForbidden, `{"code":"FORBIDDEN","message":"nope"}`,
			&APIError{StatusCode: 403, Code: "FORBIDDEN", Message: "nope"}},
		{"opaque", http.StatusBadGateway, `<html>`,
			&APIError{StatusCode: 502, Code: "HTTP_ERROR", Message: "Bad Gateway"}},
		{"success", http.StatusOK, `{}`, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := parseErrorResponse(&http.Response{StatusCode: tc.status}, []byte(tc.body))
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.Equal(t, tc.want, err)
		})
	}
}

func TestRevokeAndUserInfo(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		switch r.URL.Path {
		case "/api/auth/oauth2/revoke":
			w.WriteHeader(http.StatusOK)
		case "/api/auth/oauth2/userinfo":
			if r.Header.Get("Authorization") != "Bearer good" {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrorCodeInvalidToken})
				return
			}
			writeJSON(w, http.StatusOK, UserInfo{Subject: "user-1", Email: "ada@example.com"})
		}
	})
	c := NewClient(srv.URL, "client", "secret")

	require.NoError(t, c.RevokeToken(t.Context(), "rt", "refresh_token"))
	require.Equal(t, "refresh_token", srv.form(0).Get("token_type_hint"))

	info, err := c.GetUserInfo(t.Context(), "good")
	require.NoError(t, err)
	require.Equal(t, "user-1", info.Subject)

	_, err = c.GetUserInfo(t.Context(), "bad")
	require.True(t, IsOAuth2Error(err, ErrorCodeInvalidToken))
}

func TestDiscover_IssuerMismatch(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusOK, Discovery{Issuer: "https://elsewhere.example.com"})
	})
	_, err := NewClient(srv.URL, "client", "").Discover(t.Context())
	require.ErrorContains(t, err, "issuer mismatch")
}

func TestOAuth2Config(t *testing.T) {
	t.Parallel()
	var issuer string
	srv := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusOK, Discovery{
			Issuer:                issuer,
			AuthorizationEndpoint: issuer + "/oauth2/authorize",
			TokenEndpoint:         issuer + "/oauth2/token",
		})
	})
	issuer = srv.URL + DefaultAuthPath

	c := NewClient(srv.URL, "client", "secret")
	cfg, err := c.OAuth2Config(t.Context(), "https://app/cb", "openid")
	require.NoError(t, err)
	require.Equal(t, issuer+"/oauth2/token", cfg.Endpoint.TokenURL)
	require.Equal(t, []string{"openid"}, cfg.Scopes)

	// Discovery is cached.
	_, err = c.Discover(t.Context())
	require.NoError(t, err)
	require.Len(t, srv.allForms(), 1)
}
