package idempotency

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/tradepost/checkout/internal/errors"
)

// ErrDuplicateRequest is returned by Guard.Claim when the key is already held.
var ErrDuplicateRequest = apierrors.New(apierrors.ErrCodeDuplicateRequest, "an identical checkout is already being processed")

// CheckoutKey identifies one checkout submission within a time bucket.
type CheckoutKey struct {
	UserID        string
	Method        string
	Discriminator string
	Bucket        int64
}

// String renders the key in a stable, store-safe form.
func (k CheckoutKey) String() string {
	return strings.Join([]string{"checkout", k.UserID, k.Method, k.Discriminator, strconv.FormatInt(k.Bucket, 10)}, "|")
}

// IntentDiscriminator joins card-rail intent ids in sorted order.
func IntentDiscriminator(intentIDs []string) string {
	ids := append([]string(nil), intentIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// GatewayDiscriminator joins "txRef:txID" pairs in sorted order.
func GatewayDiscriminator(pairs [][2]string) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p[0]+":"+p[1])
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Guard rejects repeated checkout submissions inside one bucket.
type Guard struct {
	store       Store
	bucketWidth time.Duration
	ttl         time.Duration
	now         func() time.Time
}

// NewGuard builds a Guard. ttl must exceed bucketWidth so a key outlives the
// bucket that produced it.
func NewGuard(store Store, bucketWidth, ttl time.Duration) (*Guard, error) {
	if bucketWidth < time.Second {
		return nil, fmt.Errorf("idempotency: bucket width must be at least one second")
	}
	if ttl <= bucketWidth {
		return nil, fmt.Errorf("idempotency: ttl %s must exceed bucket width %s", ttl, bucketWidth)
	}
	return &Guard{store: store, bucketWidth: bucketWidth, ttl: ttl, now: time.Now}, nil
}

// Key builds the CheckoutKey for the current bucket.
func (g *Guard) Key(userID, method, discriminator string) CheckoutKey {
	return CheckoutKey{
		UserID:        userID,
		Method:        method,
		Discriminator: discriminator,
		Bucket:        g.now().Unix() / int64(g.bucketWidth/time.Second),
	}
}

// Claim records key or returns ErrDuplicateRequest.
func (g *Guard) Claim(ctx context.Context, key CheckoutKey) error {
	ok, err := g.store.Claim(ctx, key.String(), g.ttl)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternalError, "idempotency store unavailable", err)
	}
	if !ok {
		return ErrDuplicateRequest
	}
	return nil
}

// Release frees key after a rejection that made no changes, so the client
// can retry immediately.
func (g *Guard) Release(ctx context.Context, key CheckoutKey) error {
	return g.store.Release(ctx, key.String())
}
