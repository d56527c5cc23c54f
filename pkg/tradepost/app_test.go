package tradepost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tradepost/checkout/internal/storage"
)

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	opts = append([]Option{
		WithRegisterer(prometheus.NewRegistry()),
		WithLogger(zerolog.Nop()),
	}, opts...)

	app, err := NewApp(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func serve(h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewApp_RequiresConfig(t *testing.T) {
	if _, err := NewApp(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewApp_MemoryDefaults(t *testing.T) {
	app := newTestApp(t)

	if app.Checkout == nil || app.Reconciler == nil || app.Outbox == nil || app.Store == nil || app.Notifier == nil {
		t.Fatalf("app not fully assembled: %+v", app)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       string
		wantStatus int
	}{
		{name: "health", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusOK},
		{name: "metrics open without key", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{name: "admin hidden without key", method: http.MethodGet, path: "/admin/outbox", wantStatus: http.StatusNotFound},
		{name: "checkout needs identity", method: http.MethodPost, path: "/v1/checkout", body: `{}`, wantStatus: http.StatusUnauthorized},
		{name: "stripe not configured", method: http.MethodPost, path: "/v1/payments/stripe/intent", user: "user-1", body: `{"currency":"USD"}`, wantStatus: http.StatusServiceUnavailable},
		{name: "flutterwave webhook not configured", method: http.MethodPost, path: "/webhooks/flutterwave", body: `{}`, wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(app.Handler(), tt.method, tt.path, tt.user, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s status = %d, want %d: %s", tt.method, tt.path, rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestNewApp_EmbedsIntoRouter(t *testing.T) {
	router := chi.NewRouter()
	store := storage.NewMemoryStore()
	t.Cleanup(store.Stop)

	app := newTestApp(t, WithRouter(router), WithStore(store))
	if app.Router() != router {
		t.Fatal("app should register onto the supplied router")
	}
	if app.Store != store {
		t.Fatal("app should use the injected store")
	}
	if rec := serve(router, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestApp_StartAndShutdown(t *testing.T) {
	app := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.Start(ctx)
	app.Start(ctx) // second call is a no-op

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := app.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := app.Close(); err != nil {
		t.Errorf("Close() after Shutdown error = %v", err)
	}
}
