package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"keygate/internal/config"
	apierrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/lookup"
	customMiddleware "keygate/internal/middleware"
	"keygate/internal/services"
	"keygate/internal/sheets"
	handlers "keygate/internal/transport/http"
	ws "keygate/internal/websocket"
)

// rateLimiterIdle is how long a client's bucket survives without traffic
const rateLimiterIdle = 10 * time.Minute

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Store         *license.Store
	KeyService    services.KeyService
	HealthService *services.HealthService
	Classifier    *lookup.Classifier
	WebSocketHub  *ws.Hub
	RateLimiter   *customMiddleware.RateLimiter
	ErrorHandler  *apierrors.ErrorHandler

	gateway lookup.Gateway
	mirror  services.KeyMirror
	closers []io.Closer
}

// Option customizes application wiring
type Option func(*Application)

// WithGateway replaces the Discord gateway
func WithGateway(g lookup.Gateway) Option {
	return func(a *Application) { a.gateway = g }
}

// WithMirror replaces the Google Sheets issuance mirror
func WithMirror(m services.KeyMirror) Option {
	return func(a *Application) { a.mirror = m }
}

// NewApplication wires every component from cfg. Keys are loaded from the
// configured store before it returns.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	a := &Application{
		Config: cfg,
		Logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}

	logger.InfoContext(ctx, "application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion))

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}
	cfg.LogPathResolution(logger)

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTelProviders = otelProviders

	if err := a.initializeServices(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	a.setupRouter()
	a.createServer()

	return a, nil
}

func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.Config
	logger := a.Logger
	meter := a.OTelProviders.Meter

	persister, err := a.newPersister(ctx)
	if err != nil {
		return err
	}
	a.Store = license.NewStore(persister, logger)
	loaded := a.Store.Load(ctx)
	logger.InfoContext(ctx, "key store loaded",
		slog.String("driver", cfg.Store.Driver),
		slog.Int("keys", loaded))

	catalog, err := license.NewCatalog(cfg.Entitlements.Limits, cfg.Entitlements.Strict)
	if err != nil {
		return fmt.Errorf("invalid entitlement catalog: %w", err)
	}

	licenseMetrics, err := license.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create key metrics: %w", err)
	}

	if a.gateway == nil {
		if cfg.Lookup.BotToken == "" {
			logger.WarnContext(ctx, "lookup bot token is not set, scans will fail upstream")
		}
		a.gateway = lookup.NewDiscordGateway(lookup.DiscordConfig{
			BaseURL:   cfg.Lookup.BaseURL,
			BotToken:  cfg.Lookup.BotToken,
			Timeout:   cfg.Lookup.Timeout,
			RPS:       cfg.Lookup.RPS,
			Burst:     cfg.Lookup.Burst,
			UserAgent: cfg.Lookup.UserAgent,
		}, nil, logger)
	}

	a.Classifier = lookup.NewClassifier(
		lookup.NewStaticSet(cfg.Flags.FlaggedIDs...),
		lookup.NewStaticSet(cfg.Flags.SecondaryIDs...),
		lookup.Counts{Flagged: cfg.Flags.FlaggedCount, Secondary: cfg.Flags.SecondaryCount},
	)
	if cfg.Paths.FlagsFile != "" {
		if err := a.Classifier.ReloadFile(cfg.Paths.FlagsFile); err != nil {
			logger.WarnContext(ctx, "flag sets file not loaded, using configured sets",
				slog.String("path", cfg.Paths.FlagsFile),
				slog.String("error", err.Error()))
		}
	}

	deps := services.KeyServiceDeps{
		Catalog:    catalog,
		Store:      a.Store,
		Guard:      license.NewGuard(a.Store, licenseMetrics, logger),
		Gateway:    a.gateway,
		Classifier: a.Classifier,
		Metrics:    licenseMetrics,
		Logger:     logger,
	}

	var clients services.ClientCounter
	if cfg.WebSocket.Enabled {
		wsMetrics, err := ws.NewMetrics(meter)
		if err != nil {
			return fmt.Errorf("failed to create websocket metrics: %w", err)
		}
		a.WebSocketHub = ws.NewHub(wsMetrics, logger)
		deps.Events = a.WebSocketHub
		clients = a.WebSocketHub
	}

	if a.mirror == nil && cfg.Sheets.Enabled {
		mirror, err := sheets.NewMirror(ctx, cfg.Sheets, logger)
		if err != nil {
			return fmt.Errorf("failed to create sheets mirror: %w", err)
		}
		a.mirror = mirror
	}
	if a.mirror != nil {
		deps.Mirror = a.mirror
	}

	a.KeyService = services.NewKeyService(deps)
	a.HealthService = services.NewHealthService(services.HealthDeps{
		Version:          config.AppVersion,
		StoreDriver:      cfg.Store.Driver,
		LookupConfigured: cfg.Lookup.BotToken != "",
		Keys:             a.KeyService,
		Classifier:       a.Classifier,
		Clients:          clients,
		Logger:           logger,
	})

	return nil
}

func (a *Application) newPersister(ctx context.Context) (license.Persister, error) {
	switch a.Config.Store.Driver {
	case config.StoreDriverSQLite:
		p, err := license.NewSQLitePersister(ctx, a.Config.Store.SQLitePath, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open key database: %w", err)
		}
		a.closers = append(a.closers, p)
		return p, nil
	default:
		return license.NewFilePersister(a.Config.Paths.KeysFile, a.Logger), nil
	}
}

// setupRouter configures the Chi router with all routes and middleware
func (a *Application) setupRouter() {
	r := chi.NewRouter()
	a.ErrorHandler = apierrors.NewErrorHandler(a.Logger, false)

	r.Use(customMiddleware.RequestID)
	r.Use(middleware.RealIP)

	// the event feed upgrades the connection and must bypass the timeout
	if a.WebSocketHub != nil {
		r.Handle(config.WebSocketEndpoint, ws.NewHandler(a.WebSocketHub, a.Config.WebSocket,
			a.Config.Security.AllowedOrigins, a.Logger))
	}

	if a.OTelProviders.PrometheusHTTP != nil {
		metricsPath := a.Config.Telemetry.MetricsPath
		if metricsPath == "" {
			metricsPath = config.MetricsEndpoint
		}
		r.Handle(metricsPath, a.OTelProviders.PrometheusHTTP)
	}

	r.Group(func(r chi.Router) {
		if otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders); err == nil {
			r.Use(otelMiddleware.Handler)
		} else {
			a.Logger.Warn("HTTP telemetry disabled", slog.String("error", err.Error()))
		}
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.ErrorHandler))
		r.Use(customMiddleware.SecurityHeaders)

		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
				AllowedOrigins: a.Config.Security.AllowedOrigins,
				ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
				Logger:         a.Logger,
			}))
		}

		if a.Config.Security.RateLimit.Enabled {
			a.RateLimiter = customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.ErrorHandler,
				a.Logger,
			)
			r.Use(a.RateLimiter.Handler)
		}

		r.Route("/api", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout))
			r.Use(customMiddleware.ContentTypeJSON(a.ErrorHandler))
			a.setupAPIRoutes(r)
		})

		if a.Config.WebDirExists() {
			a.Logger.Info("serving static files", slog.String("web_dir", a.Config.Paths.WebDir))
			r.Handle("/*", http.FileServer(http.Dir(a.Config.Paths.WebDir)))
		}
	})

	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	a.Router = r
}

// setupAPIRoutes mounts the /api endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	handlers.NewHealthHandler(a.HealthService, a.Logger).Routes(r)
	handlers.NewKeyHandler(a.KeyService, a.Logger, a.ErrorHandler).Routes(r)

	if a.Config.Security.AdminTokenHash == "" {
		a.Logger.Info("admin routes disabled, no admin token hash configured")
		return
	}
	admin := handlers.NewAdminHandler(a.KeyService, a.Config.Paths.FlagsFile, a.Logger, a.ErrorHandler)
	r.Route("/admin", func(r chi.Router) {
		r.Use(customMiddleware.AdminAuth(a.Config.Security.AdminTokenHash, a.ErrorHandler, a.Logger))
		r.Mount("/", admin.Routes())
	})
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Server.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully. SIGHUP reloads the flag sets file.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if a.WebSocketHub != nil {
		g.Go(func() error { return a.WebSocketHub.Run(gctx) })
	}

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "HTTP server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if a.RateLimiter != nil {
		g.Go(func() error {
			a.sweepRateLimiter(gctx)
			return nil
		})
	}

	g.Go(func() error {
		a.watchReload(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.InfoContext(ctx, "shutdown requested")
		return a.Stop(context.Background())
	})

	return g.Wait()
}

func (a *Application) sweepRateLimiter(ctx context.Context) {
	ticker := time.NewTicker(rateLimiterIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.RateLimiter.Sweep(rateLimiterIdle); n > 0 {
				a.Logger.DebugContext(ctx, "rate limiter swept", slog.Int("removed", n))
			}
		}
	}
}

func (a *Application) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if a.Config.Paths.FlagsFile == "" {
				a.Logger.WarnContext(ctx, "SIGHUP ignored, no flags file configured")
				continue
			}
			// errors are logged by the service
			_ = a.KeyService.ReloadFlags(ctx, a.Config.Paths.FlagsFile)
		}
	}
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	a.closeAll()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) closeAll() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Logger.Error("failed to close resource", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}
