package httphandlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tradepost/checkout/internal/callbacks"
	"github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/storage"
	"github.com/tradepost/checkout/pkg/responders"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// AdminStore is the slice of storage the operator endpoints read.
type AdminStore interface {
	ListOutbox(ctx context.Context, status storage.OutboxStatus, limit int) ([]storage.OutboxEntry, error)
	ListCompensations(ctx context.Context, orderID string) ([]storage.CompensationIntent, error)
}

// AdminHandler exposes the delivery queues an operator needs when an order
// lands in manual review: the order outbox, refund intents and dead-lettered
// callbacks.
type AdminHandler struct {
	store AdminStore
	dlq   callbacks.DLQStore
}

// NewAdminHandler creates the operator handler. A nil dlq disables the
// callback endpoints' data, not the routes.
func NewAdminHandler(store AdminStore, dlq callbacks.DLQStore) *AdminHandler {
	if dlq == nil {
		dlq = callbacks.NoopDLQStore{}
	}
	return &AdminHandler{
		store: store,
		dlq:   dlq,
	}
}

// Routes mounts the handler's endpoints onto r.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/outbox", h.ListOutbox)
	r.Get("/compensations", h.ListCompensations)
	r.Get("/callbacks/failed", h.ListFailedCallbacks)
	r.Delete("/callbacks/failed/{id}", h.DeleteFailedCallback)
}

// ListOutbox returns outbox entries with an optional status filter.
// GET /admin/outbox?status=failed&limit=100
func (h *AdminHandler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	var status storage.OutboxStatus
	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status = storage.OutboxStatus(statusStr)
		switch status {
		case storage.OutboxPending, storage.OutboxProcessing, storage.OutboxFailed, storage.OutboxDone:
		default:
			errors.WriteSimpleError(w, errors.ErrCodeInvalidField, "Invalid status parameter. Must be: pending, processing, failed, or done")
			return
		}
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := h.store.ListOutbox(r.Context(), status, limit)
	if err != nil {
		errors.WriteErrorWithDetail(w, errors.ErrCodeDatabaseError, "Failed to list outbox", "error", err.Error())
		return
	}

	responders.List(w, "entries", entries)
}

// ListCompensations returns refund intents, optionally for one order.
// GET /admin/compensations?orderId=ord_123
func (h *AdminHandler) ListCompensations(w http.ResponseWriter, r *http.Request) {
	intents, err := h.store.ListCompensations(r.Context(), r.URL.Query().Get("orderId"))
	if err != nil {
		errors.WriteErrorWithDetail(w, errors.ErrCodeDatabaseError, "Failed to list compensations", "error", err.Error())
		return
	}

	responders.List(w, "compensations", intents)
}

// ListFailedCallbacks returns dead-lettered order event callbacks.
// GET /admin/callbacks/failed?limit=100
func (h *AdminHandler) ListFailedCallbacks(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	failed, err := h.dlq.ListFailedCallbacks(r.Context(), limit)
	if err != nil {
		errors.WriteErrorWithDetail(w, errors.ErrCodeDatabaseError, "Failed to list failed callbacks", "error", err.Error())
		return
	}

	responders.List(w, "callbacks", failed)
}

// DeleteFailedCallback drops a dead-lettered callback once it has been handled.
// DELETE /admin/callbacks/failed/{id}
func (h *AdminHandler) DeleteFailedCallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		errors.WriteSimpleError(w, errors.ErrCodeMissingField, "Callback ID is required")
		return
	}

	if err := h.dlq.DeleteFailedCallback(r.Context(), id); err != nil {
		errors.WriteErrorWithDetail(w, errors.ErrCodeDatabaseError, "Failed to delete callback", "error", err.Error())
		return
	}

	responders.NoContent(w)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 || limit > maxListLimit {
		errors.WriteSimpleError(w, errors.ErrCodeInvalidField, "Invalid limit parameter. Must be between 1 and 1000")
		return 0, false
	}
	return limit, true
}
