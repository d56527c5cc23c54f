package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tradepost/checkout/internal/checkout"
	"github.com/tradepost/checkout/internal/config"
	"github.com/tradepost/checkout/internal/httphandlers"
	"github.com/tradepost/checkout/internal/logger"
	"github.com/tradepost/checkout/internal/metrics"
	"github.com/tradepost/checkout/internal/ratelimit"
	"github.com/tradepost/checkout/internal/reconcile"
	"github.com/tradepost/checkout/internal/storage"
)

var (
	serverStartTime = time.Now()
)

// Server owns the listening http.Server for a configured router.
type Server struct {
	httpServer *http.Server
}

type handlers struct {
	cfg         *config.Config
	checkoutSvc *checkout.Service   // Orchestrator and payment sessions
	reconciler  *reconcile.Service  // Provider webhooks
	store       storage.OutboxStore // Checked by health
	logger      zerolog.Logger
}

// New wraps handler, usually a router from ConfigureRouter, with the
// configured server timeouts.
func New(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// ConfigureRouter attaches checkout routes to an existing router. The admin
// routes are mounted only when admin is non-nil and an admin key is set.
func ConfigureRouter(router chi.Router, cfg *config.Config, checkoutSvc *checkout.Service, reconciler *reconcile.Service, store storage.OutboxStore, admin *httphandlers.AdminHandler, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := &handlers{
		cfg:         cfg,
		checkoutSvc: checkoutSvc,
		reconciler:  reconciler,
		store:       store,
		logger:      appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-Request-ID", cfg.Server.IdentityHeader},
			ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging before RequestID so the request-scoped logger is in context
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.FromConfig(cfg.RateLimit, cfg.Server.IdentityHeader, metricsCollector)
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with 5s timeout
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", handler.health)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	if admin != nil && cfg.Server.AdminMetricsAPIKey != "" {
		router.Route(prefix+"/admin", func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))
			r.Use(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey))
			admin.Routes(r)
		})
	}

	timeout := cfg.Server.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	// Provider-facing and checkout endpoints (verification calls, refunds)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		// Webhooks are unversioned so provider dashboards keep stable URLs
		r.Post(prefix+"/webhooks/stripe", handler.stripeWebhook)
		r.Post(prefix+"/webhooks/flutterwave", handler.flutterwaveWebhook)

		r.Group(func(r chi.Router) {
			r.Use(identityMiddleware(cfg.Server.IdentityHeader))
			r.Use(ratelimit.UserLimiter(rateLimitCfg))

			r.Post(prefix+"/v1/checkout", handler.createCheckout)
			r.Post(prefix+"/v1/payments/stripe/intent", handler.createStripeIntent)
			r.Post(prefix+"/v1/payments/flutterwave/initialize", handler.initializeFlutterwave)
			r.Get(prefix+"/v1/orders/{id}", handler.getOrder)
		})
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
