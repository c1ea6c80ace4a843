package endpoint

import (
	"context"
	"maps"
	"net/http"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
)

// Pipeline is an Endpoint bound to the hooks that may apply to it. Hook
// order is fixed when the Pipeline is built.
type Pipeline struct {
	Endpoint Endpoint
	before   []BeforeHook
	after    []AfterHook
}

// Compose binds ep to hooks. Callers pass global hooks ahead of plugin hooks,
// plugins in registration order.
func Compose(ep Endpoint, before []BeforeHook, after []AfterHook) *Pipeline {
	return &Pipeline{
		Endpoint: ep,
		before:   append([]BeforeHook(nil), before...),
		after:    append([]AfterHook(nil), after...),
	}
}

// Run executes one call. The returned error is never an *apierr.Error: those
// become the response. Any other error aborts the call.
func (p *Pipeline) Run(ctx context.Context, auth *AuthContext, req *Request, params map[string]string) (*Response, error) {
	c := NewContext(ctx, auth, req, p.Endpoint.Path, params)

	for _, h := range p.before {
		if h.Match != nil && !h.Match(c) {
			continue
		}
		res, err := h.Handler(c)
		if err != nil {
			return c.fail(err)
		}
		if res == nil {
			continue
		}
		if res.Response != nil {
			return c.finish(res.Response), nil
		}
		if res.Patch != nil {
			c.apply(res.Patch)
		}
	}

	resp, err := p.endpoint(c)
	if err != nil {
		e, ok := apierr.As(err)
		if !ok {
			return nil, err
		}
		resp = errorResponse(e)
	}
	c.returned = c.finish(resp)

	for _, h := range p.after {
		if h.Match != nil && !h.Match(c) {
			continue
		}
		res, err := h.Handler(c)
		if err != nil {
			e, ok := apierr.As(err)
			if !ok {
				return nil, err
			}
			// Headers already applied by earlier after-hooks survive.
			prev := c.returned.Header
			next := errorResponse(e)
			next.Header = MergeHeader(prev, next.Header)
			c.returned = c.finish(next)
			continue
		}
		c.returned = c.finish(c.returned)
		if res == nil {
			continue
		}
		if res.Body != nil {
			c.returned.Body = res.Body
		}
		if res.Status != 0 {
			c.returned.Status = res.Status
		}
		c.returned.Header = MergeHeader(c.returned.Header, res.Header)
	}
	return c.returned, nil
}

func (p *Pipeline) endpoint(c *Context) (*Response, error) {
	for _, mw := range p.Endpoint.Use {
		if err := mw(c); err != nil {
			return nil, err
		}
	}
	return p.Endpoint.Handler(c)
}

// fail turns a before-hook error into the final response.
func (c *Context) fail(err error) (*Response, error) {
	e, ok := apierr.As(err)
	if !ok {
		return nil, err
	}
	return c.finish(errorResponse(e)), nil
}

// finish folds headers accumulated on the Context into resp.
func (c *Context) finish(resp *Response) *Response {
	if resp == nil {
		resp = &Response{Status: http.StatusOK}
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	resp.Header = MergeHeader(resp.Header, c.header)
	c.header = http.Header{}
	return resp
}

func (c *Context) apply(p *Patch) {
	for k, vs := range p.Header {
		ck := http.CanonicalHeaderKey(k)
		if ck == "Cookie" && len(vs) > 0 {
			c.Request.Header.Set("Cookie", cookies.Merge(c.Request.Header.Get("Cookie"), vs[0]))
			continue
		}
		c.Request.Header[ck] = append([]string(nil), vs...)
	}
	for k, vs := range p.Query {
		c.query[k] = vs
	}
	if p.Query != nil {
		c.form = nil
	}
	maps.Copy(c.Values, p.Values)
}

func errorResponse(e *apierr.Error) *Response {
	return &Response{
		Status: e.HTTPStatus(),
		Header: MergeHeader(nil, e.Header),
		Body:   e.Body(),
	}
}
