package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested entity is missing from the store.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateEvent is returned by ClaimWebhookEvent when (source, event id)
	// has already been processed. Callers treat it as "already handled".
	ErrDuplicateEvent = errors.New("storage: duplicate webhook event")

	// ErrEventInProgress is returned by ClaimWebhookEvent while another
	// delivery holds a fresh claim on the same event.
	ErrEventInProgress = errors.New("storage: webhook event in progress")

	// ErrPaymentConsumed is returned by ConsumePayment when another order has
	// already been settled with the same payment reference.
	ErrPaymentConsumed = errors.New("storage: payment reference already consumed")

	// ErrDuplicateOrder is returned when an order with the same id already exists.
	ErrDuplicateOrder = errors.New("storage: order already exists")
)

// DefaultQueryTimeout bounds every database round-trip that arrives without a deadline.
const DefaultQueryTimeout = 5 * time.Second

// CartStore is the cart-items collaborator. Item CRUD belongs to the cart
// service; checkout only reads items, maintains payment records and clears
// processed lines.
type CartStore interface {
	SaveCart(ctx context.Context, cart Cart) error
	GetCart(ctx context.Context, cartID string) (Cart, error)
	GetCartByUser(ctx context.Context, userID string) (Cart, error)

	// UpsertPaymentRecord replaces the record for (provider, currency) in place,
	// keeping at most one per pair.
	UpsertPaymentRecord(ctx context.Context, cartID string, rec PaymentRecord) error
	// FindCartByPaymentReference locates the cart holding a provider reference.
	FindCartByPaymentReference(ctx context.Context, provider Provider, reference string) (Cart, error)
	// SetPaymentRecordStatus updates the record matching (provider, reference) in a cart.
	SetPaymentRecordStatus(ctx context.Context, cartID string, provider Provider, reference string, status PaymentStatus) error
	// RemoveCartItems drops the given product lines; an empty list is a no-op.
	RemoveCartItems(ctx context.Context, cartID string, productIDs []string) error
	// ClearCartItems empties the cart. Payment records are kept.
	ClearCartItems(ctx context.Context, cartID string) error
}

// ProductStore is the catalog collaborator. Only stock, sales and availability
// are ever written by checkout, and only through conditional updates.
type ProductStore interface {
	SaveProduct(ctx context.Context, product Product) error
	GetProducts(ctx context.Context, productIDs []string) (map[string]Product, error)

	// DecrementStock applies qty in one conditional update. It returns false,
	// with no side effects, when the product is inactive, not available, or
	// has tracked stock below qty.
	DecrementStock(ctx context.Context, productID string, qty int64) (bool, error)
	// MarkAssetSold flips an available unique asset to sold.
	MarkAssetSold(ctx context.Context, productID string) (bool, error)
}

// OrderStore is the order ledger.
type OrderStore interface {
	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	// MarkOrdersPaid confirms the payment detail matching (provider, reference)
	// on every order that references it and returns how many orders changed.
	MarkOrdersPaid(ctx context.Context, provider Provider, reference string) (int, error)
}

// LedgerStore is the durable webhook dedup ledger. An event is claimed before
// processing and completed after; a released or stale claim lets redelivery
// process it again.
type LedgerStore interface {
	// ClaimWebhookEvent returns ErrDuplicateEvent for done events and
	// ErrEventInProgress for processing claims younger than staleAfter.
	ClaimWebhookEvent(ctx context.Context, event WebhookEvent, staleAfter time.Duration) error
	CompleteWebhookEvent(ctx context.Context, source, eventID string) error
	ReleaseWebhookEvent(ctx context.Context, source, eventID string) error
}

// PaymentLedgerStore binds each verified payment reference to the one order it
// paid for. The (provider, reference) key is unique.
type PaymentLedgerStore interface {
	// ConsumePayment returns ErrPaymentConsumed when a different order holds
	// the reference. Consuming again for the same order succeeds.
	ConsumePayment(ctx context.Context, claim ConsumedPayment) error
	// ReleasePayments drops every reference held by orderID.
	ReleasePayments(ctx context.Context, orderID string) error
}

// CompensationStore persists refund intents ahead of the provider call.
type CompensationStore interface {
	SaveCompensation(ctx context.Context, intent CompensationIntent) error
	UpdateCompensation(ctx context.Context, id string, status CompensationStatus, refundID, lastError string) error
	ListCompensations(ctx context.Context, orderID string) ([]CompensationIntent, error)
}

// OutboxStore queues order materializations that failed after inventory was
// already committed.
type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, entry OutboxEntry) (string, error)
	// DequeueOutbox returns pending entries whose next attempt is due, earliest first.
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkOutboxProcessing(ctx context.Context, id string) error
	MarkOutboxDone(ctx context.Context, id string) error
	// MarkOutboxFailed schedules a retry, or parks the entry as failed once
	// attempts reach MaxAttempts.
	MarkOutboxFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error
	ListOutbox(ctx context.Context, status OutboxStatus, limit int) ([]OutboxEntry, error)
}

// Store captures every persistence requirement of the checkout engine.
type Store interface {
	CartStore
	ProductStore
	OrderStore
	LedgerStore
	PaymentLedgerStore
	CompensationStore
	OutboxStore

	Close() error
}

// TableNames overrides default table/collection names.
type TableNames struct {
	Carts            string
	Products         string
	Orders           string
	WebhookEvents    string
	ConsumedPayments string
	Compensations    string
	Outbox           string
}

func (t TableNames) withDefaults() TableNames {
	if t.Carts == "" {
		t.Carts = "carts"
	}
	if t.Products == "" {
		t.Products = "products"
	}
	if t.Orders == "" {
		t.Orders = "orders"
	}
	if t.WebhookEvents == "" {
		t.WebhookEvents = "webhook_events"
	}
	if t.ConsumedPayments == "" {
		t.ConsumedPayments = "consumed_payments"
	}
	if t.Compensations == "" {
		t.Compensations = "compensation_intents"
	}
	if t.Outbox == "" {
		t.Outbox = "order_outbox"
	}
	return t
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres" or "mongodb"
	MongoDBURL      string
	MongoDBDatabase string
	CleanupInterval time.Duration
	Tables          TableNames
}

// NewStore creates a Store for the configured backend. Postgres stores share
// the pool passed in db so the caller controls its lifecycle.
func NewStore(cfg StoreConfig, db *sql.DB) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStoreWithCleanup(cfg.CleanupInterval), nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("storage: postgres backend requires a database pool")
		}
		return NewPostgresStore(db, cfg.Tables)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("storage: mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("storage: mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.Tables)
	default:
		return nil, fmt.Errorf("storage: unknown backend: %s", cfg.Backend)
	}
}

// NewID returns a prefixed random identifier such as "ord_3f2c...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// withQueryTimeout adds DefaultQueryTimeout unless the caller already set a deadline.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

// MemoryStore is an in-memory Store for tests and single-instance development.
// The webhook ledger it keeps does not survive restarts.
type MemoryStore struct {
	mu            sync.RWMutex
	carts         map[string]Cart   // cartID -> cart
	cartsByUser   map[string]string // userID -> cartID
	products      map[string]Product
	orders        map[string]Order
	events        map[string]WebhookEvent    // source|eventID -> event
	consumed      map[string]ConsumedPayment // provider|reference -> claim
	compensations map[string]CompensationIntent
	outbox        map[string]OutboxEntry
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopOnce      sync.Once
}

// NewMemoryStore constructs a MemoryStore and starts background cleanup.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(time.Hour)
}

// NewMemoryStoreWithCleanup is NewMemoryStore with a custom sweep interval for
// delivered outbox entries.
func NewMemoryStoreWithCleanup(interval time.Duration) *MemoryStore {
	if interval <= 0 {
		interval = time.Hour
	}
	m := &MemoryStore{
		carts:         make(map[string]Cart),
		cartsByUser:   make(map[string]string),
		products:      make(map[string]Product),
		orders:        make(map[string]Order),
		events:        make(map[string]WebhookEvent),
		consumed:      make(map[string]ConsumedPayment),
		compensations: make(map[string]CompensationIntent),
		outbox:        make(map[string]OutboxEntry),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}
	go m.cleanupLoop(interval)
	return m
}

func (m *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(m.cleanupDone)

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.removeDeliveredOutbox(time.Now().Add(-interval))
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (m *MemoryStore) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
		<-m.cleanupDone
	})
}

// Close implements the Store interface by calling Stop.
func (m *MemoryStore) Close() error {
	m.Stop()
	return nil
}
