package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"licensegate/internal/config"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	customMiddleware "licensegate/internal/middleware"
	"licensegate/internal/ratelimit"
	"licensegate/internal/services"
	"licensegate/internal/store"
	"licensegate/internal/token"
	handlers "licensegate/internal/transport/http"
)

// Application is the composed server: configuration, storage, services, and
// the HTTP stack.
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Store         store.Store
	Limiter       *ratelimit.Limiter
	Issuer        *token.Issuer
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	activation services.ActivationService
	validation services.ValidationService
	provision  services.ProvisionService
}

// NewApplication creates a new application instance with dependency injection.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig wires an application from an already validated
// configuration. Tests use this to inject their own.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", infrastructure.ServiceName),
		slog.String("version", infrastructure.ServiceVersion))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices builds the storage, limiter, token issuer, and the
// license services.
func (a *Application) initializeServices() error {
	if dsn := a.Config.Database.DSN; dsn != "" {
		st, err := store.OpenPostgres(dsn)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		a.Store = st
	} else {
		a.Logger.Warn("no database DSN configured, using in-memory store; all state is lost on restart")
		a.Store = store.NewMemory()
	}

	issuer, err := token.NewIssuer(a.Config.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}
	a.Issuer = issuer

	a.Limiter = ratelimit.New(ratelimit.Config{
		Window:          a.Config.RateLimit.Window,
		Limit:           a.Config.RateLimit.Limit,
		MaxEntries:      a.Config.RateLimit.MaxEntries,
		TTL:             a.Config.RateLimit.TTL,
		CleanupInterval: a.Config.RateLimit.CleanupInterval,
	}, a.Logger)

	a.activation = services.NewActivationService(a.Store, a.Issuer, a.Logger)
	a.validation = services.NewValidationService(a.Store, a.Issuer, a.Limiter, a.Logger)
	a.provision = services.NewProvisionService(a.Store, license.RandomCodeGenerator{}, a.Config.Auth.AdminSecret, a.Logger)

	return nil
}

// setupRouter configures the HTTP router. Middleware ordering follows
// RequestID, RealIP, OTel, Logger, Recoverer, then the policy layers.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	var metrics *infrastructure.BusinessMetrics
	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		a.Logger.Error("failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
	} else {
		r.Use(otelMiddleware.Handler)
		metrics = otelMiddleware.Metrics()
	}

	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)

	if a.Config.Security.EnableCORS {
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins: a.Config.Security.AllowedOrigins,
		}))
	}

	if a.Config.RateLimit.GlobalRPS > 0 {
		r.Use(customMiddleware.NewRateLimiter(
			a.Config.RateLimit.GlobalRPS,
			a.Config.RateLimit.GlobalBurst,
			a.Logger,
		).Handler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout))

		licenseHandler := handlers.NewLicenseHandler(
			a.activation, a.validation, a.provision, a.Issuer, metrics, a.Logger)
		r.Mount("/license", licenseHandler.Routes())

		healthHandler := handlers.NewHealthHandler(a.Store, a.Logger)
		r.Mount("/health", healthHandler.Routes())
	})

	// Prometheus endpoint stays outside the middleware group.
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// createServer creates the HTTP server.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Migrate applies database migrations when a DSN is configured.
func (a *Application) Migrate() error {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn("migrate requested without a database DSN, nothing to do")
		return nil
	}
	return store.Migrate(a.Config.Database.DSN)
}

// Run starts the server and blocks until interrupted or the listener fails.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("server listening",
			slog.Int("port", a.Config.Server.Port))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop gracefully stops the application.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	a.Limiter.Close()

	if err := a.Store.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "error closing store", slog.String("error", err.Error()))
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return nil
}
