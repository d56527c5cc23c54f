package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradepost/checkout/internal/checkout"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/storage"
	"github.com/tradepost/checkout/pkg/responders"
)

// createCheckout verifies payment evidence and converts the user's cart into
// an order. Partial fulfillment is still a 200; the body says what failed.
func (h *handlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if !decodeRequest(w, r, &req) {
		return
	}
	req.UserID = userIDFromContext(r.Context())

	result, err := h.checkoutSvc.Checkout(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, result)
}

// createStripeIntent opens a card payment for one currency group of the cart.
func (h *handlers) createStripeIntent(w http.ResponseWriter, r *http.Request) {
	h.paymentSession(w, r, h.checkoutSvc.CreateStripeIntent)
}

// initializeFlutterwave opens a hosted gateway payment for one currency group.
func (h *handlers) initializeFlutterwave(w http.ResponseWriter, r *http.Request) {
	h.paymentSession(w, r, h.checkoutSvc.InitializeFlutterwave)
}

func (h *handlers) paymentSession(w http.ResponseWriter, r *http.Request, create func(context.Context, checkout.SessionRequest) (checkout.PaymentSession, error)) {
	var req checkout.SessionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.UserID = userIDFromContext(r.Context())

	session, err := create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusCreated, session)
}

// getOrder returns an order owned by the caller.
func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "order id is required")
		return
	}
	order, err := h.checkoutSvc.GetOrder(r.Context(), userIDFromContext(r.Context()), orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, order)
}

// health reports liveness plus a store check. A store that cannot answer
// marks the service degraded.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	status := "ok"
	statusCode := http.StatusOK
	storeHealthy := true
	if h.store != nil {
		if _, err := h.store.ListOutbox(ctx, storage.OutboxFailed, 1); err != nil {
			storeHealthy = false
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			h.logger.Warn().Err(err).Msg("health.store_unreachable")
		}
	}

	response := map[string]any{
		"status":       status,
		"uptime":       now.Sub(serverStartTime).String(),
		"timestamp":    now.UTC(),
		"storeHealthy": storeHealthy,
	}
	if h.cfg != nil && h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}
	responders.JSON(w, statusCode, response)
}
