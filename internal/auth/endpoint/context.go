package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"
)

// Context is the per-call state handed to hooks, middleware and handlers.
// A fresh Context is built for every call.
type Context struct {
	ctx context.Context

	Auth    *AuthContext
	Request *Request
	// Path is the matched endpoint path, e.g. "/callback/:providerId".
	Path   string
	Params map[string]string
	Values map[string]any

	query    url.Values
	form     url.Values
	header   http.Header
	returned *Response
}

// NewContext builds a Context for one call.
func NewContext(ctx context.Context, auth *AuthContext, req *Request, path string, params map[string]string) *Context {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.URL == nil {
		req.URL = &url.URL{Path: path}
	}
	if params == nil {
		params = map[string]string{}
	}
	return &Context{
		ctx:     ctx,
		Auth:    auth,
		Request: req,
		Path:    path,
		Params:  params,
		Values:  map[string]any{},
		query:   req.URL.Query(),
		header:  http.Header{},
	}
}

// Context returns the call's context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// Logger returns the request-scoped logger, falling back to the engine
// logger.
func (c *Context) Logger() *slog.Logger {
	l := slogx.FromContext(c.ctx)
	if l == slog.Default() && c.Auth.Logger != nil {
		return c.Auth.Logger
	}
	return l
}

// Now returns the engine clock.
func (c *Context) Now() time.Time { return c.Auth.Now() }

// Param returns a path parameter.
func (c *Context) Param(name string) string { return c.Params[name] }

// Query returns the (possibly patched) query string.
func (c *Context) Query() url.Values { return c.query }

// Header returns a request header.
func (c *Context) Header(key string) string { return c.Request.Header.Get(key) }

// ResponseHeader is where handlers and hooks add headers (cookies
// included) for the response being built.
func (c *Context) ResponseHeader() http.Header { return c.header }

// Returned is the response produced so far. It is nil until the endpoint
// has run.
func (c *Context) Returned() *Response { return c.returned }

// Form returns the call parameters. GET and HEAD calls read the query
// string. Other methods read only a url-encoded body, so credentials placed
// in the request URI are never seen.
func (c *Context) Form() url.Values {
	if c.form != nil {
		return c.form
	}
	switch {
	case c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead:
		c.form = c.query
	case isForm(c.Request.Header.Get("Content-Type")):
		body, err := url.ParseQuery(string(c.Request.Body))
		if err != nil {
			body = url.Values{}
		}
		c.form = body
	default:
		c.form = url.Values{}
	}
	return c.form
}

// Bind decodes the call input into v. JSON bodies are decoded directly; the
// values from Form are decoded field by field as strings.
func (c *Context) Bind(v any) error {
	ct := c.Request.Header.Get("Content-Type")
	if len(c.Request.Body) > 0 && !isForm(ct) {
		if err := json.Unmarshal(c.Request.Body, v); err != nil {
			return apierr.BadRequest("INVALID_REQUEST_BODY", "request body is not valid JSON")
		}
		return nil
	}

	flat := map[string]string{}
	for k, vs := range c.Form() {
		if len(vs) > 0 {
			flat[k] = vs[0]
		}
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return apierr.BadRequest("INVALID_REQUEST_BODY", "invalid value for "+typeErr.Field)
		}
		return apierr.BadRequest("INVALID_REQUEST_BODY", "invalid request")
	}
	return nil
}

// Cookie returns the value of the engine cookie with the given base name.
func (c *Context) Cookie(base string) (string, bool) {
	return c.RawCookie(c.Auth.Cookies.Name(base))
}

// RawCookie returns a request cookie by full name.
func (c *Context) RawCookie(name string) (string, bool) {
	v, ok := cookies.Parse(c.Request.Header.Get("Cookie"))[name]
	return v, ok
}

// SignedCookie returns the verified value of a signed engine cookie.
func (c *Context) SignedCookie(base string) (string, bool) {
	raw, ok := c.Cookie(base)
	if !ok {
		return "", false
	}
	v, err := cryptox.VerifySignedValue(c.Auth.Secret, base, raw)
	if err != nil {
		return "", false
	}
	return v, true
}

// SetCookie adds a Set-Cookie header to the response.
func (c *Context) SetCookie(ck *http.Cookie) {
	if s := ck.String(); s != "" {
		c.header.Add("Set-Cookie", s)
	}
}

// SetSignedCookie sets an engine cookie whose value is HMAC signed.
func (c *Context) SetSignedCookie(base, value string, maxAge time.Duration) {
	c.SetCookie(c.Auth.Cookies.Cookie(base, cryptox.SignValue(c.Auth.Secret, base, value), maxAge))
}

// ExpireCookie deletes an engine cookie.
func (c *Context) ExpireCookie(base string) {
	c.SetCookie(c.Auth.Cookies.Expire(base))
}

// JSON builds a response with status and body.
func (c *Context) JSON(status int, body any) (*Response, error) {
	return &Response{Status: status, Header: http.Header{"Content-Type": {"application/json"}}, Body: body}, nil
}

// OK is JSON with status 200.
func (c *Context) OK(body any) (*Response, error) {
	return c.JSON(http.StatusOK, body)
}

// Redirect builds a 302 to location.
func (c *Context) Redirect(location string) (*Response, error) {
	return &Response{Status: http.StatusFound, Header: http.Header{"Location": {location}}}, nil
}

func isForm(contentType string) bool {
	mt, _, _ := mime.ParseMediaType(contentType)
	return mt == "application/x-www-form-urlencoded"
}
