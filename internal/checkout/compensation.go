package checkout

import (
	"context"

	"github.com/tradepost/checkout/internal/callbacks"
	"github.com/tradepost/checkout/internal/logger"
	"github.com/tradepost/checkout/internal/money"
	"github.com/tradepost/checkout/internal/payments"
	"github.com/tradepost/checkout/internal/storage"
)

const refundReasonPartialFulfillment = "partial_fulfillment"

// compensate refunds the failed lines of one currency group, capped at what
// the provider captured. The intent is persisted before the provider call and
// its id doubles as the provider idempotency key.
func (s *Service) compensate(ctx context.Context, order storage.Order, st settlement, failed []Line) Refund {
	log := logger.FromContext(ctx).With().
		Str("order_id", order.ID).
		Str("provider", string(st.provider)).
		Str("currency", st.group.Asset.Code).
		Logger()

	failedTotal := money.Zero(st.group.Asset)
	for _, line := range failed {
		// Lines are a subset of a subtotal that already fit in int64.
		failedTotal, _ = failedTotal.Add(line.Total)
	}
	captured := money.New(st.group.Asset, st.verification.ObservedAmount)
	amount := money.Min(failedTotal, captured)

	intent := storage.CompensationIntent{
		ID:        storage.NewID("cmp"),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Provider:  st.provider,
		Reference: st.lookupRef(),
		Currency:  st.group.Asset.Code,
		Amount:    amount.Minor,
		Status:    storage.CompensationPending,
	}
	refund := Refund{
		IntentID:  intent.ID,
		Provider:  intent.Provider,
		Currency:  intent.Currency,
		Reference: intent.Reference,
		Amount:    intent.Amount,
		Status:    storage.CompensationPending,
	}

	if !amount.IsPositive() {
		refund.Status = storage.CompensationFailed
		refund.Error = "nothing captured to refund"
		log.Error().Int64("failed_total", failedTotal.Minor).Msg("checkout.compensation.nothing_captured")
		s.finishRefund(ctx, order, refund)
		return refund
	}

	if err := s.store.SaveCompensation(ctx, intent); err != nil {
		// Without a durable intent a crash could lose track of the refund.
		refund.Status = storage.CompensationFailed
		refund.Error = "compensation intent not persisted"
		log.Error().Err(err).Str("intent_id", intent.ID).Msg("checkout.compensation.persist_failed")
		s.finishRefund(ctx, order, refund)
		return refund
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	res, err := st.rail.Refund(rctx, payments.RefundRequest{
		Reference:      intent.Reference,
		Amount:         amount,
		Reason:         refundReasonPartialFulfillment,
		IdempotencyKey: intent.ID,
	})
	cancel()

	if err != nil {
		refund.Status = storage.CompensationFailed
		refund.Error = err.Error()
		log.Error().
			Err(err).
			Str("intent_id", intent.ID).
			Int64("amount", amount.Minor).
			Msg("checkout.compensation.refund_failed")
	} else {
		refund.Status = storage.CompensationSubmitted
		refund.RefundID = res.RefundID
		log.Info().
			Str("intent_id", intent.ID).
			Str("refund_id", res.RefundID).
			Int64("amount", amount.Minor).
			Msg("checkout.compensation.refund_submitted")
	}

	if upErr := s.store.UpdateCompensation(ctx, intent.ID, refund.Status, refund.RefundID, refund.Error); upErr != nil {
		log.Error().Err(upErr).Str("intent_id", intent.ID).Msg("checkout.compensation.update_failed")
	}
	s.finishRefund(ctx, order, refund)
	return refund
}

// finishRefund records metrics and broadcasts the outcome.
func (s *Service) finishRefund(ctx context.Context, order storage.Order, refund Refund) {
	s.metrics.ObserveRefund(string(refund.Provider), string(refund.Status), refund.Currency, refund.Amount)

	eventType := callbacks.EventRefundSubmitted
	if refund.Status != storage.CompensationSubmitted {
		eventType = callbacks.EventRefundFailed
	}
	s.notifier.Notify(ctx, callbacks.Event{
		EventType: eventType,
		OrderID:   order.ID,
		UserID:    order.UserID,
		CartID:    order.CartID,
		Provider:  string(refund.Provider),
		Currency:  refund.Currency,
		Reference: refund.Reference,
		Amount:    refund.Amount,
		RefundID:  refund.RefundID,
		Reason:    refund.Error,
		Metadata:  map[string]string{"intent_id": refund.IntentID},
	})
}
