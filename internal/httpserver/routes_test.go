package httpserver

import (
	"net/http"
	"testing"
	"time"

	"github.com/tradepost/checkout/internal/config"
)

// TestRoutePrefix verifies every route moves under the configured prefix.
func TestRoutePrefix(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RoutePrefix = "/api"
	})

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		wantStatus int
	}{
		{name: "prefixed health", method: http.MethodGet, path: "/api/healthz", wantStatus: http.StatusOK},
		{name: "bare health", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusNotFound},
		{name: "prefixed order", method: http.MethodGet, path: "/api/v1/orders/ord_missing", user: testUser, wantStatus: http.StatusNotFound},
		{name: "bare checkout", method: http.MethodPost, path: "/v1/checkout", user: testUser, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.user, "", nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestMetricsEndpoint_AdminKey(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		auth       string
		wantStatus int
	}{
		{name: "open without key", wantStatus: http.StatusOK},
		{name: "missing bearer", key: "secret", wantStatus: http.StatusUnauthorized},
		{name: "wrong bearer", key: "secret", auth: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "valid bearer", key: "secret", auth: "Bearer secret", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(cfg *config.Config) {
				cfg.Server.AdminMetricsAPIKey = tt.key
			})
			headers := map[string]string{}
			if tt.auth != "" {
				headers["Authorization"] = tt.auth
			}
			rec := s.do(http.MethodGet, "/metrics", "", "", headers)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodGet, "/healthz", "", "", nil)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS should only be sent over TLS")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID to be echoed")
	}
}

func TestPerUserRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{
			PerUserEnabled: true,
			PerUserLimit:   2,
			PerUserWindow:  config.Duration{Duration: time.Minute},
		}
	})

	for i := 0; i < 2; i++ {
		if rec := s.do(http.MethodGet, "/v1/orders/ord_missing", testUser, "", nil); rec.Code != http.StatusNotFound {
			t.Fatalf("request %d status = %d, want 404", i, rec.Code)
		}
	}
	rec := s.do(http.MethodGet, "/v1/orders/ord_missing", testUser, "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Health checks are not behind the per-user limiter.
	if rec := s.do(http.MethodGet, "/healthz", testUser, "", nil); rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	t.Run("not mounted without key", func(t *testing.T) {
		s := newTestServer(t, nil)
		if rec := s.do(http.MethodGet, "/admin/outbox", "", "", nil); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AdminMetricsAPIKey = "secret"
	})
	bearer := map[string]string{"Authorization": "Bearer secret"}

	tests := []struct {
		name       string
		method     string
		path       string
		headers    map[string]string
		wantStatus int
	}{
		{name: "outbox requires key", method: http.MethodGet, path: "/admin/outbox", wantStatus: http.StatusUnauthorized},
		{name: "outbox", method: http.MethodGet, path: "/admin/outbox?status=failed", headers: bearer, wantStatus: http.StatusOK},
		{name: "compensations", method: http.MethodGet, path: "/admin/compensations", headers: bearer, wantStatus: http.StatusOK},
		{name: "failed callbacks", method: http.MethodGet, path: "/admin/callbacks/failed", headers: bearer, wantStatus: http.StatusOK},
		{name: "delete callback", method: http.MethodDelete, path: "/admin/callbacks/failed/cb-1", headers: bearer, wantStatus: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, "", "", tt.headers)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}
