package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/engine"
	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"

	_ "github.com/aussiebroadwan/gatehouse/internal/auth/http/docs" // Swagger docs
	httpSwagger "github.com/swaggo/http-swagger"
)

// DefaultMaxBodyBytes caps engine request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Signer reports whether signing keys are loaded.
type Signer interface {
	IsReady() bool
}

// RateLimits assigns a profile to each class of engine endpoint.
type RateLimits struct {
	// Credentials covers password and second-factor submissions, keyed by
	// client address and path.
	Credentials httpx.RateLimitConfig
	// Token covers the token, registration, revocation and backchannel
	// endpoints.
	Token httpx.RateLimitConfig
	// Polling covers the CIBA token alias.
	Polling httpx.RateLimitConfig
	// Public covers everything else.
	Public httpx.RateLimitConfig
}

// DefaultRateLimits returns the httpx profiles.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Credentials: httpx.StrictLimit,
		Token:       httpx.ModerateLimit,
		Polling:     httpx.LenientLimit,
		Public:      httpx.PublicLimit,
	}
}

type Options struct {
	Engine   *engine.Engine
	Database Pinger
	// Cache is optional.
	Cache        Pinger
	Keys         Signer
	Version      string
	Logger       *slog.Logger
	Limits       RateLimits
	MaxBodyBytes int64
	Swagger      bool
}

// Router mounts the engine under its base path next to the health probes.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	engine    *engine.Engine
	basePath  string
	database  Pinger
	cache     Pinger
	keys      Signer
	version   string
	startTime time.Time
	logger    *slog.Logger
	limits    RateLimits
	maxBody   int64
	swagger   bool
}

func NewRouter(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	r := &Router{
		Mux:       http.NewServeMux(),
		engine:    opts.Engine,
		basePath:  opts.Engine.Auth().BasePath,
		database:  opts.Database,
		cache:     opts.Cache,
		keys:      opts.Keys,
		version:   opts.Version,
		startTime: time.Now(),
		logger:    opts.Logger,
		limits:    opts.Limits,
		maxBody:   opts.MaxBodyBytes,
		swagger:   opts.Swagger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}
	return r
}

func (r *Router) ApplyRoutes() {
	r.registerEngine()
	r.registerSystem()

	if r.swagger {
		r.Mux.Handle("GET /swagger/", httpSwagger.Handler())
	}
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
//
//	@title						Gatehouse Authentication API
//	@version					0.1.0
//	@description				Session based authentication with social sign-in, an OAuth 2.0 / OpenID Connect provider and CIBA.
//
//	@contact.name				AussieBroadWAN Team
//	@contact.url				https://github.com/aussiebroadwan/gatehouse
//
//	@license.name				MIT
//	@license.url				https://opensource.org/licenses/MIT
//
//	@host						localhost:8080
//	@BasePath					/api/auth
//
//	@schemes					http https
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Opaque access token issued by /oauth2/token. Format: "Bearer {token}".
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerEngine() {
	h := httpx.Chain(EngineHandler(r.engine), httpx.MaxBody(r.maxBody))
	base := r.basePath

	credentials := httpx.RateLimitByIPAndPath(r.limits.Credentials)
	for _, p := range []string{
		"/sign-in/email",
		"/sign-up/email",
		"/two-factor/enable",
		"/two-factor/verify-totp",
		"/two-factor/disable",
	} {
		r.Mux.Handle("POST "+base+p, httpx.Chain(h, credentials))
	}

	// Token-class endpoints share one budget per address.
	token := httpx.RateLimitByIP(r.limits.Token)
	for _, p := range []string{
		"/oauth2/token",
		"/oauth2/register",
		"/oauth2/revoke",
		"/oauth2/bc-authorize",
	} {
		r.Mux.Handle("POST "+base+p, httpx.Chain(h, token))
	}

	r.Mux.Handle("POST "+base+"/oauth2/ciba-token", httpx.Chain(h, httpx.RateLimitByIP(r.limits.Polling)))

	public := httpx.Chain(h, httpx.RateLimitByIP(r.limits.Public))
	r.Mux.Handle(base+"/", public)

	// Discovery is also published at the origin root for clients that
	// derive it from the issuer host.
	r.Mux.Handle("GET /.well-known/openid-configuration", httpx.Chain(
		rewrite(base+"/.well-known/openid-configuration", h),
		httpx.RateLimitByIP(r.limits.Public),
	))
}

func (r *Router) registerSystem() {
	// Monitoring systems may poll frequently.
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.version),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.version, r.database, r.cache, r.keys),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
}

// rewrite serves h as if the request had been made to path.
func rewrite(path string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req2 := req.Clone(req.Context())
		req2.URL.Path = path
		req2.URL.RawPath = ""
		h.ServeHTTP(w, req2)
	})
}
