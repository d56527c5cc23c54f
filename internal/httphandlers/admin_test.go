package httphandlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradepost/checkout/internal/callbacks"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/storage"
)

func newAdminRouter(t *testing.T) (http.Handler, *storage.MemoryStore, *callbacks.MemoryDLQStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(store.Stop)
	dlq := callbacks.NewMemoryDLQStore()

	router := chi.NewRouter()
	router.Route("/admin", NewAdminHandler(store, dlq).Routes)
	return router, store, dlq
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestListOutbox(t *testing.T) {
	router, store, _ := newAdminRouter(t)
	ctx := context.Background()
	for _, agg := range []string{"ord_1", "ord_2"} {
		if _, err := store.EnqueueOutbox(ctx, storage.OutboxEntry{
			Kind:        storage.OutboxKindCreateOrder,
			AggregateID: agg,
			Payload:     json.RawMessage(`{}`),
			MaxAttempts: 3,
		}); err != nil {
			t.Fatalf("EnqueueOutbox() error = %v", err)
		}
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
		wantCode   apierrors.ErrorCode
	}{
		{name: "all", wantStatus: http.StatusOK, wantCount: 2},
		{name: "pending", query: "?status=pending", wantStatus: http.StatusOK, wantCount: 2},
		{name: "failed", query: "?status=failed", wantStatus: http.StatusOK, wantCount: 0},
		{name: "limited", query: "?limit=1", wantStatus: http.StatusOK, wantCount: 1},
		{name: "unknown status", query: "?status=lost", wantStatus: http.StatusBadRequest, wantCode: apierrors.ErrCodeInvalidField},
		{name: "limit too large", query: "?limit=5000", wantStatus: http.StatusBadRequest, wantCode: apierrors.ErrCodeInvalidField},
		{name: "limit not a number", query: "?limit=ten", wantStatus: http.StatusBadRequest, wantCode: apierrors.ErrCodeInvalidField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, http.MethodGet, "/admin/outbox"+tt.query)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				var resp apierrors.ErrorResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("decode error response: %v", err)
				}
				if resp.Error.Code != tt.wantCode {
					t.Errorf("code = %s, want %s", resp.Error.Code, tt.wantCode)
				}
				return
			}
			var resp struct {
				Entries []storage.OutboxEntry `json:"entries"`
				Count   int                   `json:"count"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Count != tt.wantCount || len(resp.Entries) != tt.wantCount {
				t.Errorf("count = %d (%d entries), want %d", resp.Count, len(resp.Entries), tt.wantCount)
			}
		})
	}
}

func TestListCompensations_FiltersByOrder(t *testing.T) {
	router, store, _ := newAdminRouter(t)
	ctx := context.Background()
	for _, intent := range []storage.CompensationIntent{
		{OrderID: "ord_1", Provider: storage.ProviderStripe, Reference: "pi_1", Currency: "USD", Amount: 500, Status: storage.CompensationFailed},
		{OrderID: "ord_2", Provider: storage.ProviderStripe, Reference: "pi_2", Currency: "USD", Amount: 700, Status: storage.CompensationSubmitted},
	} {
		if err := store.SaveCompensation(ctx, intent); err != nil {
			t.Fatalf("SaveCompensation() error = %v", err)
		}
	}

	rec := serve(router, http.MethodGet, "/admin/compensations?orderId=ord_1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Compensations []storage.CompensationIntent `json:"compensations"`
		Count         int                          `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || resp.Compensations[0].Reference != "pi_1" {
		t.Errorf("compensations = %+v, want only pi_1", resp.Compensations)
	}
}

func TestFailedCallbacks_ListAndDelete(t *testing.T) {
	router, _, dlq := newAdminRouter(t)
	ctx := context.Background()
	if err := dlq.SaveFailedCallback(ctx, callbacks.FailedCallback{
		ID:        "cb-1",
		EventID:   "evt-1",
		EventType: "order.created",
		URL:       "https://merchant.example/hooks",
		Payload:   json.RawMessage(`{"orderId":"ord_1"}`),
		Attempts:  5,
		LastError: "HTTP 500",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("SaveFailedCallback() error = %v", err)
	}

	rec := serve(router, http.MethodGet, "/admin/callbacks/failed")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}

	if rec := serve(router, http.MethodDelete, "/admin/callbacks/failed/cb-1"); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	remaining, err := dlq.ListFailedCallbacks(ctx, 10)
	if err != nil {
		t.Fatalf("ListFailedCallbacks() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("remaining = %d, want 0", len(remaining))
	}
}

func TestNewAdminHandler_NilDLQ(t *testing.T) {
	store := storage.NewMemoryStore()
	t.Cleanup(store.Stop)
	router := chi.NewRouter()
	router.Route("/admin", NewAdminHandler(store, nil).Routes)

	if rec := serve(router, http.MethodGet, "/admin/callbacks/failed"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
