package oauth2client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

const (
	idpClientID     = "gatehouse"
	idpClientSecret = "s3cret"
)

type idpGrant struct {
	challenge   string
	nonce       string
	redirectURI string
}

// fakeIdP is an OpenID provider serving discovery, JWKS, token and userinfo.
type fakeIdP struct {
	t      *testing.T
	srv    *httptest.Server
	signer jwtx.Signer

	mu          sync.Mutex
	grants      map[string]idpGrant
	issued      map[string]bool
	tokenCalls  int
	authMethods []string

	Subject       string
	Email         string
	EmailVerified bool
	// NonceOverride replaces the nonce put into ID tokens.
	NonceOverride string
	// RotateRefresh issues a new refresh token on refresh.
	RotateRefresh bool
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	pemKey, err := jwtx.GenerateKey(jwtx.AlgorithmES256, 0)
	require.NoError(t, err)
	signer, err := jwtx.NewSigner(jwtx.AlgorithmES256, "idp-key-1", pemKey)
	require.NoError(t, err)

	idp := &fakeIdP{
		t:             t,
		signer:        signer,
		grants:        map[string]idpGrant{},
		issued:        map[string]bool{},
		Subject:       "idp-user-42",
		Email:         "grace@example.com",
		EmailVerified: true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", idp.discovery)
	mux.HandleFunc("GET /jwks", idp.jwks)
	mux.HandleFunc("POST /token", idp.token)
	mux.HandleFunc("GET /userinfo", idp.userinfo)
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (p *fakeIdP) URL() string { return p.srv.URL }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (p *fakeIdP) discovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.URL(),
		"authorization_endpoint":                p.URL() + "/authorize",
		"token_endpoint":                        p.URL() + "/token",
		"userinfo_endpoint":                     p.URL() + "/userinfo",
		"jwks_uri":                              p.URL() + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"ES256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (p *fakeIdP) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jwtx.JWKS{Keys: []jwtx.JWK{p.signer.PublicJWK()}})
}

// Authorize plays the user consenting at the provider: it reads the
// authorization URL and returns a code for it.
func (p *fakeIdP) Authorize(authURL string) (code, state string) {
	p.t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(p.t, err)
	q := u.Query()
	require.Equal(p.t, "code", q.Get("response_type"))
	require.Equal(p.t, idpClientID, q.Get("client_id"))

	code = cryptox.MustGenerateToken(cryptox.TokenSize128)
	p.mu.Lock()
	p.grants[code] = idpGrant{challenge: q.Get("code_challenge"), nonce: q.Get("nonce"), redirectURI: q.Get("redirect_uri")}
	p.mu.Unlock()
	return code, q.Get("state")
}

func (p *fakeIdP) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

func (p *fakeIdP) AuthMethods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.authMethods...)
}

func (p *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCalls++

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	id, secret, basic := r.BasicAuth()
	if basic {
		p.authMethods = append(p.authMethods, "basic")
	} else {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
		p.authMethods = append(p.authMethods, "post")
	}
	if id != idpClientID || secret != idpClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		g, ok := p.grants[code]
		delete(p.grants, code)
		if !ok || g.redirectURI != r.PostForm.Get("redirect_uri") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		if !cryptox.VerifyCodeChallenge(g.challenge, cryptox.PKCEMethodS256, r.PostForm.Get("code_verifier")) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce"})
			return
		}
		nonce := g.nonce
		if p.NonceOverride != "" {
			nonce = p.NonceOverride
		}
		p.writeTokens(w, "rt-1", nonce)
	case "refresh_token":
		if !p.issued[r.PostForm.Get("refresh_token")] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		rt := ""
		if p.RotateRefresh {
			rt = "rt-" + strconv.Itoa(p.tokenCalls)
		}
		p.writeTokens(w, rt, "")
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (p *fakeIdP) writeTokens(w http.ResponseWriter, refresh, nonce string) {
	access := "at-" + strconv.Itoa(p.tokenCalls)
	p.issued[access] = true
	if refresh != "" {
		p.issued[refresh] = true
	}

	claims := jwtx.NewIDTokenClaims(p.URL(), p.Subject, idpClientID, time.Now(), time.Hour)
	claims.Nonce = nonce
	claims.Email = p.Email
	idToken, err := p.signer.Sign(&claims)
	require.NoError(p.t, err)

	body := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
		"scope":        "openid profile email",
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	writeJSON(w, http.StatusOK, body)
}

func (p *fakeIdP) userinfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token := r.Header.Get("Authorization")
	if len(token) < 8 || !p.issued[token[len("Bearer "):]] {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":            p.Subject,
		"email":          p.Email,
		"email_verified": p.EmailVerified,
		"name":           "Grace Hopper",
		"picture":        "https://example.com/grace.png",
	})
}
