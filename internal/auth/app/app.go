package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/cookies"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/engine"
	httpapi "github.com/aussiebroadwan/gatehouse/internal/auth/http"
	"github.com/aussiebroadwan/gatehouse/internal/auth/oauth2client"
	"github.com/aussiebroadwan/gatehouse/internal/auth/oidcprovider"
	"github.com/aussiebroadwan/gatehouse/internal/auth/plugins/twofactor"
	"github.com/aussiebroadwan/gatehouse/internal/auth/service"
	"github.com/aussiebroadwan/gatehouse/internal/auth/session"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store/drivers/redis"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application owns every long-lived dependency of the auth service.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db    *sqlite.Store
	cache *redis.Storage // nil without AUTH_REDIS_URL
	keys  *service.KeyRotationService

	engine       *engine.Engine
	housekeeping *service.HousekeepingService

	server *http.Server
	router *httpapi.Router
}

// Schema is every model the service stores.
func Schema() store.Schema {
	return store.CoreSchema().Merge(oidcprovider.Schema(), twofactor.Schema())
}

// New opens storage, loads secrets and keys, and builds the engine and HTTP
// server. Nothing is served until Run.
func New(ctx context.Context, cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: cfg.Service,
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initCache(ctx); err != nil {
		app.closeStores()
		return nil, err
	}
	if err := app.initEngine(ctx); err != nil {
		app.closeStores()
		return nil, err
	}
	app.initHTTP()
	return app, nil
}

// Migrate applies the embedded schema migrations to the configured database.
func Migrate(cfg Config) error {
	db, err := sqlite.NewStore(cfg.DatabaseDSN, Schema())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.ApplyMigrations(); err != nil {
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}
	return nil
}

// Handler returns the root HTTP handler.
func (app *Application) Handler() http.Handler { return app.router }

// Routes lists every engine route as "METHOD /path".
func (app *Application) Routes() []string { return app.engine.Routes() }

// Cleanup runs a single housekeeping pass without starting the worker.
func (app *Application) Cleanup(ctx context.Context) int { return app.housekeeping.Cleanup(ctx) }

// RotateKeys adds a signing key and optionally retires the active ones.
func (app *Application) RotateKeys(ctx context.Context, retireExisting bool) (*service.RotateKeyResponse, error) {
	return app.keys.RotateKey(ctx, service.RotateKeyRequest{RetireExisting: retireExisting})
}

// RetireKey stops kid from signing.
func (app *Application) RetireKey(ctx context.Context, kid string) error {
	return app.keys.RetireKey(ctx, kid)
}

// SigningKeys lists the published signing keys.
func (app *Application) SigningKeys(ctx context.Context) ([]service.SigningKeyView, error) {
	return app.keys.ListSigningKeys(ctx)
}

// Close releases storage for an application that was never Run.
func (app *Application) Close() error { return app.closeStores() }

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.housekeeping.Start()

	app.logger.Info("auth service starting", "addr", app.cfg.Addr, "version", BuildVersion,
		"base_url", app.cfg.BaseURL, "base_path", app.cfg.BasePath)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		app.housekeeping.Stop()
		app.closeStores()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down auth service...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeeping.Stop()

	if err := app.closeStores(); err != nil {
		return err
	}
	app.logger.Info("auth service stopped")
	return nil
}

func (app *Application) closeStores() error {
	var errs []error
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			app.logger.Error("error closing redis", "error", err)
			errs = append(errs, err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (app *Application) initDatabase() error {
	db, err := sqlite.NewStore(app.cfg.DatabaseDSN, Schema())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}
	app.logger.Info("database migrations applied successfully")
	return nil
}

func (app *Application) initCache(ctx context.Context) error {
	if app.cfg.RedisURL == "" {
		return nil
	}
	cache, err := redis.New(ctx, app.cfg.RedisURL, app.cfg.Service+":")
	if err != nil {
		return err
	}
	app.cache = cache
	app.logger.Info("session cache enabled", "backend", "redis")
	return nil
}

func (app *Application) authContext() (*endpoint.AuthContext, error) {
	secret, err := cryptox.LoadSecret(app.cfg.SecretFile)
	if err != nil {
		return nil, err
	}
	sameSite, err := app.cfg.SameSite()
	if err != nil {
		return nil, err
	}
	auth := &endpoint.AuthContext{
		BaseURL:        app.cfg.BaseURL,
		BasePath:       app.cfg.BasePath,
		Secret:         []byte(secret),
		Adapter:        app.db,
		Repo:           store.NewRepo(app.db, time.Now),
		Cookies:        cookies.NewSettings(app.cfg.BaseURL, cookies.Options{Prefix: app.cfg.CookiePrefix, SameSite: sameSite}),
		Logger:         app.logger,
		TrustedOrigins: app.cfg.TrustedOrigins,
		Clock:          time.Now,
	}
	if app.cache != nil {
		auth.Secondary = app.cache
	}
	return auth, nil
}

func (app *Application) initEngine(ctx context.Context) error {
	auth, err := app.authContext()
	if err != nil {
		return err
	}

	pepper, err := cryptox.LoadSecret(app.cfg.PasswordPepperFile)
	if err != nil {
		return err
	}
	hasher, err := cryptox.NewPasswordHasher(pepper, cryptox.Argon2Params{})
	if err != nil {
		return err
	}

	app.keys, err = InitSigningKeys(ctx, app.cfg, auth.URL(""), app.db, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	providers, err := app.providers(ctx)
	if err != nil {
		return err
	}

	sessions := session.NewManager(auth, session.Config{
		MaxAge:    app.cfg.SessionMaxAge,
		UpdateAge: app.cfg.SessionUpdateAge,
	})
	creds := &service.CredentialService{
		Repo:                  auth.Repo,
		Sessions:              sessions,
		Hasher:                hasher,
		MinPasswordLength:     app.cfg.MinPasswordLength,
		EnumerationSafeSignUp: app.cfg.EnumerationSafeSignUp,
	}
	flow := oauth2client.NewFlow(sessions, oauth2client.FlowConfig{
		TrustedProviders: app.cfg.TrustedProviders,
		DisableSignUp:    app.cfg.DisableSocialSignUp,
	}, providers...)
	tf, err := twofactor.New(auth, sessions, creds, twofactor.Config{Issuer: app.cfg.TwoFactorIssuer})
	if err != nil {
		return err
	}
	provider := oidcprovider.New(auth, sessions, app.keys.Keys, oidcprovider.Config{
		LoginPage:                app.cfg.OIDCLoginPage,
		ConsentPage:              app.cfg.OIDCConsentPage,
		CodeTTL:                  app.cfg.OIDCCodeTTL,
		AccessTokenTTL:           app.cfg.OIDCAccessTokenTTL,
		RefreshTokenTTL:          app.cfg.OIDCRefreshTokenTTL,
		RotateRefreshTokens:      app.cfg.OIDCRotateRefresh,
		AllowDynamicRegistration: app.cfg.OIDCDynamicRegistration,
		CIBAInterval:             app.cfg.CIBAInterval,
		CIBATTL:                  app.cfg.CIBATTL,
		NotifyCIBA:               app.notifyCIBA,
	})

	endpoints := sessions.Endpoints()
	endpoints = append(endpoints, creds.Endpoints()...)
	endpoints = append(endpoints, flow.Endpoints()...)

	// The second factor must see a new session before anything that reacts
	// to it.
	app.engine, err = engine.New(auth, engine.Options{
		Endpoints: endpoints,
		Plugins: []endpoint.Plugin{
			tf.Plugin(),
			session.NewMultiSession(sessions, app.cfg.MaxDeviceSessions).Plugin(),
			provider.Plugin(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	targets := append(service.CoreExpiryTargets(), oidcprovider.ExpiryTargets()...)
	app.housekeeping = service.NewHousekeepingService(app.db, app.logger, app.cfg.HousekeepingInterval, targets...)
	return nil
}

func (app *Application) providers(ctx context.Context) ([]oauth2client.Provider, error) {
	cfgs, err := app.cfg.Providers()
	if err != nil {
		return nil, err
	}
	out := make([]oauth2client.Provider, 0, len(cfgs))
	for _, pc := range cfgs {
		var (
			p   oauth2client.Provider
			err error
		)
		if pc.Issuer != "" {
			p, err = oauth2client.NewOIDCProvider(ctx, oauth2client.OIDCConfig{
				ID:           pc.ID,
				Issuer:       pc.Issuer,
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Scopes:       pc.Scopes,
				PKCE:         pc.PKCE,
				AuthStyle:    pc.AuthStyle,
			})
		} else {
			p, err = oauth2client.NewGenericProvider(oauth2client.Config{
				ID:           pc.ID,
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				AuthURL:      pc.AuthURL,
				TokenURL:     pc.TokenURL,
				UserInfoURL:  pc.UserInfoURL,
				Scopes:       pc.Scopes,
				PKCE:         pc.PKCE,
				AuthStyle:    pc.AuthStyle,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.ID, err)
		}
		app.logger.Info("identity provider configured", "provider_id", pc.ID, "oidc", pc.Issuer != "")
		out = append(out, p)
	}
	return out, nil
}

// notifyCIBA stands in for an out-of-band channel by logging where the user
// can approve the request.
func (app *Application) notifyCIBA(ctx context.Context, n oidcprovider.CIBANotification) error {
	slogx.FromContext(ctx).Info("backchannel authentication pending",
		slog.String("auth_req_id", n.AuthReqID),
		slog.String("client_id", n.ClientID),
		slog.String("user_id", n.UserID),
		slog.String("verify_url", n.VerifyURL),
	)
	return nil
}

func (app *Application) initHTTP() {
	limits := httpapi.RateLimits{
		Credentials: perMinute(app.cfg.RateLimits.Credentials),
		Token:       perMinute(app.cfg.RateLimits.Token),
		Polling:     perMinute(app.cfg.RateLimits.Polling),
		Public:      perMinute(app.cfg.RateLimits.Public),
	}
	opts := httpapi.Options{
		Engine:       app.engine,
		Database:     app.db,
		Keys:         app.keys.Keys,
		Version:      BuildVersion,
		Logger:       app.logger,
		Limits:       limits,
		MaxBodyBytes: app.cfg.MaxBodyBytes,
		Swagger:      app.cfg.Swagger,
	}
	if app.cache != nil {
		opts.Cache = app.cache
	}
	app.router = httpapi.NewRouter(opts)
	app.router.ApplyRoutes()

	app.server = &http.Server{
		Addr:              app.cfg.Addr,
		Handler:           app.router,
		ReadHeaderTimeout: app.cfg.ReadHeaderTimeout,
	}
}

func perMinute(n int) httpx.RateLimitConfig {
	return httpx.RateLimitConfig{RequestsPerWindow: n, Window: time.Minute, Burst: n}
}
