package checkout

import (
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/storage"
)

// Result is the outcome of a checkout that reached inventory. Rejections
// before that point are returned as errors instead.
type Result struct {
	OrderID        string              `json:"orderId"`
	Status         storage.OrderStatus `json:"status"`
	ProcessedItems []LineResult        `json:"processedItems"`
	FailedItems    []LineResult        `json:"failedItems"`
	Refunds        []Refund            `json:"refunds,omitempty"`
	// ManualReview is set when a compensation or inventory outcome needs an
	// operator. It is never retried automatically.
	ManualReview bool `json:"manualReview,omitempty"`
	// OrderPending is set when the order write failed and was queued.
	OrderPending bool `json:"orderPending,omitempty"`
}

// LineResult describes one cart line in a Result.
type LineResult struct {
	ProductID string              `json:"productId"`
	Quantity  int64               `json:"quantity"`
	Currency  string              `json:"currency"`
	Amount    int64               `json:"amount"` // Catalog price x quantity, minor units
	Reason    apierrors.ErrorCode `json:"reason,omitempty"`
}

// Refund reports one compensation attempt.
type Refund struct {
	IntentID  string                     `json:"intentId"`
	Provider  storage.Provider           `json:"provider"`
	Currency  string                     `json:"currency"`
	Reference string                     `json:"reference"`
	Amount    int64                      `json:"amount"`
	Status    storage.CompensationStatus `json:"status"`
	RefundID  string                     `json:"refundId,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

func lineResults(outcomes []lineOutcome) []LineResult {
	out := make([]LineResult, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, LineResult{
			ProductID: o.Line.Item.ProductID,
			Quantity:  o.Line.Item.Quantity,
			Currency:  o.Line.Total.Asset.Code,
			Amount:    o.Line.Total.Minor,
			Reason:    o.Code,
		})
	}
	return out
}
