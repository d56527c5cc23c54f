package httpserver

import (
	"net/http"

	"github.com/tradepost/checkout/pkg/responders"
)

// stripeWebhook acknowledges card-rail events. Duplicates are acknowledged
// too so Stripe stops retrying them; a bad signature is a 400.
func (h *handlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, maxWebhookBody)
	if !ok {
		return
	}
	ack, err := h.reconciler.HandleStripe(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, ack)
}

// flutterwaveWebhook acknowledges gateway events after checking verif-hash or
// the HMAC signature header.
func (h *handlers) flutterwaveWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, maxWebhookBody)
	if !ok {
		return
	}
	ack, err := h.reconciler.HandleFlutterwave(r.Context(), r.Header, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, ack)
}
