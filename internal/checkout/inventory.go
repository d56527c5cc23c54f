package checkout

import (
	"context"

	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/logger"
	"github.com/tradepost/checkout/internal/metrics"
	"github.com/tradepost/checkout/internal/storage"
)

const (
	decrementKindStock = "stock"
	decrementKindAsset = "unique_asset"
)

// lineOutcome is the result of one conditional inventory update.
type lineOutcome struct {
	Line Line
	OK   bool
	// Code explains a failure: insufficient_stock when the precondition did
	// not hold, database_error when the outcome is unknown.
	Code apierrors.ErrorCode
}

// inventory applies per-line conditional updates. Each line is independent;
// a failed line never stops the others.
type inventory struct {
	store   storage.ProductStore
	backend string // Metrics label for the storage backend
	metrics *metrics.Metrics
}

// decrement runs DecrementStock for a fiat line.
func (inv inventory) decrement(ctx context.Context, line Line) lineOutcome {
	done := metrics.MeasureDBQuery(inv.metrics, "decrement_stock", inv.backend)
	ok, err := inv.store.DecrementStock(ctx, line.Item.ProductID, line.Item.Quantity)
	done()
	return inv.outcome(ctx, line, decrementKindStock, ok, err)
}

// markSold runs MarkAssetSold for a unique-asset line.
func (inv inventory) markSold(ctx context.Context, line Line) lineOutcome {
	done := metrics.MeasureDBQuery(inv.metrics, "mark_asset_sold", inv.backend)
	ok, err := inv.store.MarkAssetSold(ctx, line.Item.ProductID)
	done()
	return inv.outcome(ctx, line, decrementKindAsset, ok, err)
}

func (inv inventory) outcome(ctx context.Context, line Line, kind string, ok bool, err error) lineOutcome {
	log := logger.FromContext(ctx)
	switch {
	case err != nil:
		inv.metrics.ObserveDecrement(kind, false)
		log.Error().
			Err(err).
			Str("product_id", line.Item.ProductID).
			Str("kind", kind).
			Msg("checkout.inventory.update_failed")
		return lineOutcome{Line: line, Code: apierrors.ErrCodeDatabaseError}
	case !ok:
		inv.metrics.ObserveDecrement(kind, false)
		log.Info().
			Str("product_id", line.Item.ProductID).
			Int64("quantity", line.Item.Quantity).
			Str("kind", kind).
			Msg("checkout.inventory.precondition_failed")
		return lineOutcome{Line: line, Code: apierrors.ErrCodeInsufficientStock}
	default:
		inv.metrics.ObserveDecrement(kind, true)
		return lineOutcome{Line: line, OK: true}
	}
}
