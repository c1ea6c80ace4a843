package engine_test

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/engine"
	"github.com/aussiebroadwan/gatehouse/internal/auth/engine/enginetest"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

func echo(name string) endpoint.Handler {
	return func(c *endpoint.Context) (*endpoint.Response, error) {
		return c.OK(map[string]any{"route": name, "params": c.Params})
	}
}

func body(t *testing.T, resp *endpoint.Response) map[string]any {
	var out map[string]any
	enginetest.Decode(t, resp, &out)
	return out
}

func TestEngine_Routing(t *testing.T) {
	t.Parallel()
	auth := enginetest.NewAuth(nil, &enginetest.Clock{T: time.Now()})
	e, err := engine.New(auth, engine.Options{Endpoints: []endpoint.Endpoint{
		{Path: "/callback/:providerId", Methods: []string{http.MethodGet, http.MethodPost}, Handler: echo("callback")},
		{Path: "/callback/special", Methods: []string{http.MethodGet}, Handler: echo("special")},
		{Path: "/files/*", Methods: []string{http.MethodGet}, Handler: echo("files")},
		{Path: "/session", Methods: []string{http.MethodGet}, Handler: echo("session")},
	}})
	require.NoError(t, err)
	c := enginetest.NewClient(t, e)

	got := body(t, c.Get("/callback/github?code=x"))
	require.Equal(t, "callback", got["route"])
	require.Equal(t, "github", got["params"].(map[string]any)["providerId"])

	require.Equal(t, "special", body(t, c.Get("/callback/special"))["route"])

	got = body(t, c.Get("/files/a/b/c"))
	require.Equal(t, "files", got["route"])
	require.Equal(t, "a/b/c", got["params"].(map[string]any)["*"])

	require.Equal(t, http.StatusNotFound, c.Get("/nope").Status)
	require.Equal(t, http.StatusMethodNotAllowed, c.Post("/session", nil).Status)

	resp, err := e.Handle(t.Context(), &endpoint.Request{Method: http.MethodGet, URL: mustURL(t, "/elsewhere/session")})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.Status)

	require.Contains(t, e.Routes(), "GET /session")
}

func TestEngine_PluginHooksRunInOrder(t *testing.T) {
	t.Parallel()
	auth := enginetest.NewAuth(nil, &enginetest.Clock{T: time.Now()})

	var order []string
	hook := func(name string) endpoint.BeforeHook {
		return endpoint.BeforeHook{Handler: func(*endpoint.Context) (*endpoint.HookResult, error) {
			order = append(order, name)
			return nil, nil
		}}
	}
	e, err := engine.New(auth, engine.Options{
		Endpoints: []endpoint.Endpoint{{Path: "/ping", Methods: []string{http.MethodGet}, Handler: echo("ping")}},
		Before:    []endpoint.BeforeHook{hook("global")},
		Plugins: []endpoint.Plugin{
			{ID: "first", Before: []endpoint.BeforeHook{hook("first")}},
			{ID: "second", Before: []endpoint.BeforeHook{hook("second")}, Schema: store.Schema{"widget": {"id": {Type: store.String}}}},
		},
	})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, enginetest.NewClient(t, e).Get("/ping").Status)
	require.Equal(t, []string{"global", "first", "second"}, order)
	require.Contains(t, e.Schema(), "widget")
}

func TestEngine_RejectsConflicts(t *testing.T) {
	t.Parallel()
	auth := enginetest.NewAuth(nil, &enginetest.Clock{T: time.Now()})

	_, err := engine.New(auth, engine.Options{Endpoints: []endpoint.Endpoint{
		{Path: "/callback/:a", Methods: []string{http.MethodGet}, Handler: echo("a")},
		{Path: "/callback/:b", Methods: []string{http.MethodGet}, Handler: echo("b")},
	}})
	require.Error(t, err)

	_, err = engine.New(auth, engine.Options{Plugins: []endpoint.Plugin{{ID: "x"}, {ID: "x"}}})
	require.Error(t, err)
}

func TestEngine_PluginErrorsBecomeResponses(t *testing.T) {
	t.Parallel()
	auth := enginetest.NewAuth(nil, &enginetest.Clock{T: time.Now()})
	e, err := engine.New(auth, engine.Options{Endpoints: []endpoint.Endpoint{{
		Path:    "/forbidden",
		Methods: []string{http.MethodGet},
		Handler: func(*endpoint.Context) (*endpoint.Response, error) {
			return nil, apierr.Forbidden("NOPE", "nope")
		},
	}}})
	require.NoError(t, err)

	resp := enginetest.NewClient(t, e).Get("/forbidden")
	require.Equal(t, http.StatusForbidden, resp.Status)
	require.Equal(t, apierr.Body{Code: "NOPE", Message: "nope"}, resp.Body)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
