// Package enginetest drives an engine like a browser would: it keeps a cookie
// jar and follows nothing on its own.
package enginetest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/engine"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store/drivers/memory"
)

const (
	BaseURL  = "http://localhost:3000"
	BasePath = "/api/auth"
)

// Clock is a settable engine clock.
type Clock struct{ T time.Time }

func (c *Clock) Now() time.Time           { return c.T }
func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// NewAuth builds an engine context over a memory adapter for schema.
func NewAuth(schema store.Schema, clock *Clock) *endpoint.AuthContext {
	adapter := memory.New(store.CoreSchema().Merge(schema))
	return &endpoint.AuthContext{
		BaseURL:  BaseURL,
		BasePath: BasePath,
		Secret:   []byte("enginetest-secret-0123456789abcdef"),
		Adapter:  adapter,
		Repo:     store.NewRepo(adapter, clock.Now),
		Cookies:  cookies.NewSettings(BaseURL, cookies.Options{}),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    clock.Now,
	}
}

// Client is one browser.
type Client struct {
	t      *testing.T
	engine *engine.Engine
	Jar    map[string]string
	Header http.Header
}

func NewClient(t *testing.T, e *engine.Engine) *Client {
	return &Client{t: t, engine: e, Jar: map[string]string{}, Header: http.Header{}}
}

// Do sends one request. target is relative to the base path and may carry a
// query. A url.Values body is form encoded, anything else is JSON.
func (c *Client) Do(method, target string, body any) *endpoint.Response {
	c.t.Helper()
	u, err := url.Parse(BasePath + target)
	require.NoError(c.t, err)

	req := &endpoint.Request{Method: method, URL: u, Header: c.Header.Clone(), RemoteAddr: "198.51.100.4:40000"}
	switch b := body.(type) {
	case nil:
	case url.Values:
		req.Body = []byte(b.Encode())
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	default:
		raw, err := json.Marshal(b)
		require.NoError(c.t, err)
		req.Body = raw
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie := c.CookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.engine.Handle(context.Background(), req)
	require.NoError(c.t, err)
	c.store(resp)
	return resp
}

func (c *Client) Get(target string) *endpoint.Response { return c.Do(http.MethodGet, target, nil) }

func (c *Client) Post(target string, body any) *endpoint.Response {
	return c.Do(http.MethodPost, target, body)
}

// CookieHeader renders the jar as a Cookie header.
func (c *Client) CookieHeader() string {
	pairs := make([]string, 0, len(c.Jar))
	for name, value := range c.Jar {
		pairs = append(pairs, (&http.Cookie{Name: name, Value: value}).String())
	}
	return strings.Join(pairs, "; ")
}

func (c *Client) store(resp *endpoint.Response) {
	for _, line := range resp.Header.Values("Set-Cookie") {
		ck, err := http.ParseSetCookie(line)
		require.NoError(c.t, err)
		if ck.MaxAge < 0 {
			delete(c.Jar, ck.Name)
			continue
		}
		c.Jar[ck.Name] = ck.Value
	}
}

// Location parses the redirect target of resp.
func Location(t *testing.T, resp *endpoint.Response) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.Status)
	u, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return u
}

// Decode round-trips a response body through JSON into v.
func Decode(t *testing.T, resp *endpoint.Response, v any) {
	t.Helper()
	raw, err := json.Marshal(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}
