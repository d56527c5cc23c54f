// Package tradepost assembles the checkout engine for standalone serving or
// for embedding in another chi router.
package tradepost

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tradepost/checkout/internal/callbacks"
	"github.com/tradepost/checkout/internal/chain"
	"github.com/tradepost/checkout/internal/checkout"
	"github.com/tradepost/checkout/internal/circuitbreaker"
	"github.com/tradepost/checkout/internal/config"
	"github.com/tradepost/checkout/internal/dbpool"
	"github.com/tradepost/checkout/internal/flutterwave"
	"github.com/tradepost/checkout/internal/httphandlers"
	"github.com/tradepost/checkout/internal/httpserver"
	"github.com/tradepost/checkout/internal/idempotency"
	"github.com/tradepost/checkout/internal/lifecycle"
	"github.com/tradepost/checkout/internal/logger"
	"github.com/tradepost/checkout/internal/metrics"
	"github.com/tradepost/checkout/internal/outbox"
	"github.com/tradepost/checkout/internal/reconcile"
	"github.com/tradepost/checkout/internal/storage"
	"github.com/tradepost/checkout/internal/stripe"
)

// App wires the checkout components.
type App struct {
	Config     *config.Config
	Store      storage.Store
	Notifier   callbacks.Notifier
	Checkout   *checkout.Service
	Reconciler *reconcile.Service
	Outbox     *outbox.Worker
	Logger     zerolog.Logger

	router          chi.Router
	dlq             callbacks.DLQStore // Nil when the notifier was injected
	resourceManager *lifecycle.Manager
	metrics         *metrics.Metrics
	started         bool
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store      storage.Store
	notifier   callbacks.Notifier
	router     chi.Router
	registerer prometheus.Registerer
	logger     *zerolog.Logger
}

// WithStore sets a custom storage backend. The caller keeps ownership.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithNotifier injects an order event notifier.
func WithNotifier(notifier callbacks.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithRouter registers routes onto an existing chi.Router.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithLogger overrides the logger built from config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// NewApp assembles the engine. Close must be called to release what it opened.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("tradepost: config required")
	}

	optState := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "tradepost-checkout",
		Environment: cfg.Logging.Environment,
	})
	if optState.logger != nil {
		appLogger = *optState.logger
	}

	app := &App{
		Config:          cfg,
		Logger:          appLogger,
		resourceManager: lifecycle.NewManager(appLogger),
		metrics:         metrics.New(optState.registerer),
	}

	if err := app.initStore(ctx, optState.store); err != nil {
		_ = app.Close()
		return nil, err
	}

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	if optState.notifier != nil {
		app.Notifier = optState.notifier
	} else if err := app.initNotifier(breakers); err != nil {
		_ = app.Close()
		return nil, err
	}

	guard, err := app.initGuard(ctx)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	providers, stripeSource, flutterwaveSource := app.initProviders(breakers)

	app.Checkout = checkout.NewService(checkout.Config{
		VerifyTimeout:     cfg.Checkout.VerifyTimeout.Duration,
		OutboxMaxAttempts: cfg.Checkout.OutboxMaxAttempts,
		StorageBackend:    cfg.Storage.Backend,
	}, app.Store, guard, providers, app.Notifier, app.metrics)

	app.Reconciler = reconcile.NewService(app.Store, stripeSource, flutterwaveSource, app.Notifier, app.metrics, cfg.Checkout.VerifyTimeout.Duration)

	app.Outbox = outbox.NewWorker(outbox.Options{
		Store: app.Store,
		Handlers: map[string]outbox.Handler{
			storage.OutboxKindCreateOrder: app.Checkout.DeliverOrder,
		},
		Logger:      appLogger.With().Str("component", "outbox").Logger(),
		Metrics:     app.metrics,
		Interval:    cfg.Checkout.OutboxInterval.Duration,
		BatchSize:   cfg.Checkout.OutboxBatchSize,
		BaseBackoff: cfg.Checkout.OutboxBaseBackoff.Duration,
	})

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	admin := httphandlers.NewAdminHandler(app.Store, app.dlq)
	httpserver.ConfigureRouter(app.router, cfg, app.Checkout, app.Reconciler, app.Store, admin, app.metrics, appLogger)

	return app, nil
}

func (a *App) initStore(ctx context.Context, injected storage.Store) error {
	if injected != nil {
		a.Store = injected
		return nil
	}

	cfg := a.Config.Storage
	var db *sql.DB
	if cfg.Backend == "postgres" {
		pool, err := dbpool.NewSharedPool(ctx, cfg.PostgresURL, cfg.PostgresPool)
		if err != nil {
			return fmt.Errorf("init postgres pool: %w", err)
		}
		a.resourceManager.Register("postgres-pool", pool)
		db = pool.DB()
	}

	store, err := storage.NewStore(storage.StoreConfig{
		Backend:         cfg.Backend,
		MongoDBURL:      cfg.MongoDBURL,
		MongoDBDatabase: cfg.MongoDBDatabase,
		CleanupInterval: cfg.CleanupInterval.Duration,
		Tables:          storage.TableNames(cfg.Tables),
	}, db)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	a.Store = store
	a.resourceManager.Register("storage", store)

	if cfg.Backend == "" || cfg.Backend == "memory" {
		a.Logger.Warn().Msg("storage.memory_backend: orders and stock are lost on restart")
	}
	return nil
}

func (a *App) initNotifier(breakers *circuitbreaker.Manager) error {
	dlqStore, err := callbacks.NewDLQStore(a.Config.Callbacks.DLQPath)
	if err != nil {
		return fmt.Errorf("init callback DLQ: %w", err)
	}
	a.dlq = dlqStore

	notifier := callbacks.NewRetryableClient(a.Config.Callbacks,
		callbacks.WithRetryLogger(a.Logger.With().Str("component", "callbacks").Logger()),
		callbacks.WithDLQStore(dlqStore),
		callbacks.WithMetrics(a.metrics),
		callbacks.WithBreaker(breakers),
	)
	a.Notifier = notifier

	if rc, ok := notifier.(*callbacks.RetryableClient); ok {
		a.resourceManager.RegisterContextFunc("callbacks", rc.Wait)
	}
	return nil
}

func (a *App) initGuard(ctx context.Context) (*idempotency.Guard, error) {
	cfg := a.Config.Idempotency

	var store idempotency.Store
	switch cfg.Backend {
	case "redis":
		redisStore, err := idempotency.NewRedisStore(ctx, cfg.RedisURL, cfg.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("init idempotency redis: %w", err)
		}
		a.resourceManager.Register("idempotency-redis", redisStore)
		store = redisStore
	default:
		memStore := idempotency.NewMemoryStoreWithSize(cfg.MaxEntries)
		a.resourceManager.Register("idempotency-memory", memStore)
		store = memStore
	}

	guard, err := idempotency.NewGuard(store, cfg.BucketWidth.Duration, cfg.TTL.Duration)
	if err != nil {
		return nil, fmt.Errorf("init idempotency guard: %w", err)
	}
	return guard, nil
}

// initProviders leaves unconfigured rails as nil interfaces so checkout and
// the reconciler report them as not configured.
func (a *App) initProviders(breakers *circuitbreaker.Manager) (checkout.Providers, reconcile.StripeSource, reconcile.FlutterwaveSource) {
	var (
		providers         checkout.Providers
		stripeSource      reconcile.StripeSource
		flutterwaveSource reconcile.FlutterwaveSource
	)

	if a.Config.StripeEnabled() {
		client := stripe.NewClient(a.Config.Stripe, nil, breakers, a.metrics)
		providers.Stripe = client
		providers.StripeIntents = client
		stripeSource = client
	}
	if a.Config.FlutterwaveEnabled() {
		client := flutterwave.NewClient(a.Config.Flutterwave, breakers, a.metrics)
		providers.Flutterwave = client
		providers.FlutterwaveHosted = client
		flutterwaveSource = client
	}
	if chainClient := chain.NewClient(a.Config.Chain, breakers, a.metrics); chainClient.Configured() {
		providers.Chain = chainClient
	}

	a.Logger.Info().
		Bool("stripe", providers.Stripe != nil).
		Bool("flutterwave", providers.Flutterwave != nil).
		Bool("chain", providers.Chain != nil).
		Msg("checkout.providers_configured")

	return providers, stripeSource, flutterwaveSource
}

// Start launches background workers. It is safe to call once.
func (a *App) Start(ctx context.Context) {
	if a.started {
		return
	}
	a.started = true
	a.Outbox.Start(ctx)
	a.resourceManager.RegisterFunc("outbox-worker", func() error {
		a.Outbox.Stop()
		return nil
	})
}

// Router returns the chi router with checkout routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Shutdown stops workers and releases resources within ctx's deadline.
func (a *App) Shutdown(ctx context.Context) error {
	return a.resourceManager.Shutdown(ctx)
}

// Close releases resources without a deadline.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the engine.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
