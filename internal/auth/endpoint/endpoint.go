// Package endpoint composes engine endpoints with plugin hooks.
//
// Every endpoint runs inside a Pipeline: before-hooks may patch the call or
// short-circuit it with a response, the endpoint (and its Use middleware)
// runs, and after-hooks may rewrite the body or add headers. apierr.Error is
// the only error a pipeline recovers from; anything else is returned to the
// caller untouched.
package endpoint

import (
	"net/http"
	"net/url"
	"strings"
)

// Request is a framework-neutral inbound call.
type Request struct {
	Method     string
	URL        *url.URL
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// Response is a framework-neutral result. Body is encoded as JSON by the
// binding; a nil Body sends no content.
type Response struct {
	Status int
	Header http.Header
	Body   any
}

// Handler is an endpoint body.
type Handler func(c *Context) (*Response, error)

// Middleware runs after the before-hooks and before the Handler. It reports
// failure with an apierr.Error and may stash values on the Context.
type Middleware func(c *Context) error

// Endpoint is a routable handler. Path may contain ":name" segments and a
// trailing "*" wildcard.
type Endpoint struct {
	Path    string
	Methods []string
	Use     []Middleware
	Handler Handler
}

// AllowsMethod reports whether m is one of the endpoint's methods.
func (e Endpoint) AllowsMethod(m string) bool {
	for _, em := range e.Methods {
		if strings.EqualFold(em, m) {
			return true
		}
	}
	return false
}

// Matcher selects the calls a hook applies to.
type Matcher func(c *Context) bool

// HookResult is what a before-hook returns. A non-nil Response ends the
// pipeline; otherwise Patch, when set, is merged into the Context.
type HookResult struct {
	Patch    *Patch
	Response *Response
}

// Patch mutates the call seen by later hooks and the endpoint. Cookie headers
// merge cookie by cookie, other headers and query keys are replaced.
type Patch struct {
	Header http.Header
	Query  url.Values
	Values map[string]any
}

// BeforeHook runs ahead of the endpoint.
type BeforeHook struct {
	Match   Matcher
	Handler func(c *Context) (*HookResult, error)
}

// AfterHook runs once the endpoint (or an earlier after-hook) produced a
// response, visible through Context.Returned. A returned Response with a
// non-nil Body replaces the body, a non-zero Status replaces the status, and
// its headers are merged.
type AfterHook struct {
	Match   Matcher
	Handler func(c *Context) (*Response, error)
}

// MatchPaths matches calls to any of the endpoint paths.
func MatchPaths(paths ...string) Matcher {
	return func(c *Context) bool {
		for _, p := range paths {
			if c.Path == p {
				return true
			}
		}
		return false
	}
}

// MatchPrefix matches calls whose endpoint path starts with prefix.
func MatchPrefix(prefix string) Matcher {
	return func(c *Context) bool {
		return strings.HasPrefix(c.Path, prefix)
	}
}

// MatchAll matches every call.
func MatchAll() Matcher {
	return func(*Context) bool { return true }
}

// MergeHeader copies src into dst. Set-Cookie values are appended, every
// other header is replaced.
func MergeHeader(dst, src http.Header) http.Header {
	if dst == nil {
		dst = http.Header{}
	}
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if ck == "Set-Cookie" {
			dst[ck] = append(dst[ck], vs...)
			continue
		}
		dst[ck] = append([]string(nil), vs...)
	}
	return dst
}
