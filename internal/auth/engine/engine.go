// Package engine resolves endpoints and plugins into pipelines once and
// routes framework-neutral requests to them.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

// Options lists what the engine serves. Global hooks run ahead of plugin
// hooks; plugins contribute in slice order.
type Options struct {
	Endpoints []endpoint.Endpoint
	Plugins   []endpoint.Plugin
	Before    []endpoint.BeforeHook
	After     []endpoint.AfterHook
}

type route struct {
	segments []string
	pipeline *endpoint.Pipeline
}

// Engine is immutable once built and safe for concurrent use.
type Engine struct {
	auth   *endpoint.AuthContext
	routes []route
	schema store.Schema
}

func New(auth *endpoint.AuthContext, opts Options) (*Engine, error) {
	before := slices.Clone(opts.Before)
	after := slices.Clone(opts.After)
	endpoints := slices.Clone(opts.Endpoints)
	schema := store.Schema{}

	seen := map[string]bool{}
	for _, p := range opts.Plugins {
		if p.ID == "" {
			return nil, fmt.Errorf("engine: plugin without id")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("engine: plugin %q registered twice", p.ID)
		}
		seen[p.ID] = true
		endpoints = append(endpoints, p.Endpoints...)
		before = append(before, p.Before...)
		after = append(after, p.After...)
		schema = schema.Merge(p.Schema)
	}

	e := &Engine{auth: auth, schema: schema}
	bound := map[string]bool{}
	for _, ep := range endpoints {
		key := normalizePattern(ep.Path)
		methods := ep.Methods
		if len(methods) == 0 {
			methods = []string{"*"}
		}
		for _, m := range methods {
			if bound[m+" "+key] || bound["* "+key] {
				return nil, fmt.Errorf("engine: %s %s registered twice", m, ep.Path)
			}
			bound[m+" "+key] = true
		}
		e.routes = append(e.routes, route{
			segments: split(ep.Path),
			pipeline: endpoint.Compose(ep, before, after),
		})
	}

	// Static segments win over parameters, parameters over wildcards.
	slices.SortStableFunc(e.routes, func(a, b route) int {
		return specificity(b.segments) - specificity(a.segments)
	})
	return e, nil
}

// Schema returns the models contributed by plugins.
func (e *Engine) Schema() store.Schema { return e.schema }

// Auth returns the engine context.
func (e *Engine) Auth() *endpoint.AuthContext { return e.auth }

// Routes lists "METHOD path" for every endpoint.
func (e *Engine) Routes() []string {
	var out []string
	for _, r := range e.routes {
		ep := r.pipeline.Endpoint
		for _, m := range ep.Methods {
			out = append(out, m+" "+ep.Path)
		}
	}
	slices.Sort(out)
	return out
}

// Handle routes req by its path relative to the base path. The error is
// non-nil only for failures that are not API errors.
func (e *Engine) Handle(ctx context.Context, req *endpoint.Request) (*endpoint.Response, error) {
	path := req.URL.Path
	if e.auth.BasePath != "" {
		if path != e.auth.BasePath && !strings.HasPrefix(path, e.auth.BasePath+"/") {
			return notFound(), nil
		}
		path = strings.TrimPrefix(path, e.auth.BasePath)
	}
	parts := split(path)

	var pathMatched bool
	for _, r := range e.routes {
		params, ok := match(r.segments, parts)
		if !ok {
			continue
		}
		ep := r.pipeline.Endpoint
		if len(ep.Methods) > 0 && !ep.AllowsMethod(req.Method) {
			pathMatched = true
			continue
		}
		return r.pipeline.Run(ctx, e.auth, req, params)
	}
	if pathMatched {
		return &endpoint.Response{
			Status: http.StatusMethodNotAllowed,
			Body:   apierr.Body{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed"},
		}, nil
	}
	return notFound(), nil
}

func notFound() *endpoint.Response {
	return &endpoint.Response{
		Status: http.StatusNotFound,
		Body:   apierr.Body{Code: "NOT_FOUND", Message: "not found"},
	}
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func normalizePattern(path string) string {
	segs := split(path)
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			segs[i] = ":"
		}
	}
	return "/" + strings.Join(segs, "/")
}

func specificity(segs []string) int {
	score := 0
	for _, s := range segs {
		switch {
		case s == "*":
		case strings.HasPrefix(s, ":"):
			score += 1
		default:
			score += 3
		}
	}
	return score*2 + len(segs)
}

// match binds pattern against path. A trailing "*" captures the rest of the
// path under the "*" key.
func match(pattern, path []string) (map[string]string, bool) {
	params := map[string]string{}
	for i, seg := range pattern {
		if seg == "*" && i == len(pattern)-1 {
			params["*"] = strings.Join(path[min(i, len(path)):], "/")
			return params, true
		}
		if i >= len(path) {
			return nil, false
		}
		switch {
		case strings.HasPrefix(seg, ":"):
			params[seg[1:]] = path[i]
		case seg != path[i]:
			return nil, false
		}
	}
	if len(pattern) != len(path) {
		return nil, false
	}
	return params, true
}
