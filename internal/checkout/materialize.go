package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tradepost/checkout/internal/callbacks"
	"github.com/tradepost/checkout/internal/logger"
	"github.com/tradepost/checkout/internal/metrics"
	"github.com/tradepost/checkout/internal/storage"
)

// materialize writes the order. Inventory is already committed at this point,
// so a failed write is queued for the outbox worker instead of rolled back.
// It reports whether the order is still pending.
func (s *Service) materialize(ctx context.Context, order storage.Order) bool {
	log := logger.FromContext(ctx).With().Str("order_id", order.ID).Logger()

	done := metrics.MeasureDBQuery(s.metrics, "create_order", s.cfg.StorageBackend)
	err := s.store.CreateOrder(ctx, order)
	done()
	if err == nil || errors.Is(err, storage.ErrDuplicateOrder) {
		return false
	}

	log.Error().Err(err).Msg("checkout.order.create_failed")

	entryID, enqueueErr := s.enqueueOrder(ctx, order)
	if enqueueErr != nil {
		log.Error().Err(enqueueErr).Msg("checkout.order.outbox_enqueue_failed")
	} else {
		log.Warn().Str("outbox_id", entryID).Msg("checkout.order.queued")
	}

	reason := err.Error()
	if enqueueErr != nil {
		reason = fmt.Sprintf("%s; outbox: %s", reason, enqueueErr)
	}
	s.notifier.Notify(ctx, callbacks.Event{
		EventType: callbacks.EventOrderMaterializationFailed,
		OrderID:   order.ID,
		UserID:    order.UserID,
		CartID:    order.CartID,
		Reason:    reason,
		Metadata:  map[string]string{"outbox_id": entryID},
	})
	return true
}

func (s *Service) enqueueOrder(ctx context.Context, order storage.Order) (string, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return "", fmt.Errorf("checkout: marshal order: %w", err)
	}
	return s.store.EnqueueOutbox(ctx, storage.OutboxEntry{
		Kind:        storage.OutboxKindCreateOrder,
		AggregateID: order.ID,
		Payload:     payload,
		MaxAttempts: s.cfg.OutboxMaxAttempts,
	})
}

// DeliverOrder retries a queued order write. An order that already exists
// counts as delivered.
func (s *Service) DeliverOrder(ctx context.Context, entry storage.OutboxEntry) error {
	var order storage.Order
	if err := json.Unmarshal(entry.Payload, &order); err != nil {
		return fmt.Errorf("checkout: decode queued order %s: %w", entry.AggregateID, err)
	}

	err := s.store.CreateOrder(ctx, order)
	if err != nil && !errors.Is(err, storage.ErrDuplicateOrder) {
		return fmt.Errorf("checkout: create queued order %s: %w", order.ID, err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("order_id", order.ID).
		Int("attempts", entry.Attempts).
		Msg("checkout.order.materialized")
	s.notifier.Notify(ctx, callbacks.Event{
		EventType: callbacks.EventOrderMaterialized,
		OrderID:   order.ID,
		UserID:    order.UserID,
		CartID:    order.CartID,
	})
	return nil
}
