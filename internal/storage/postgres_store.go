package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. The *sql.DB is shared and
// owned by the caller, so Close does not close it.
type PostgresStore struct {
	db     *sql.DB
	tables TableNames
}

// NewPostgresStore creates the schema if needed and returns a store over db.
func NewPostgresStore(db *sql.DB, tables TableNames) (*PostgresStore, error) {
	store := &PostgresStore{db: db, tables: tables.withDefaults()}
	if err := store.createPostgresTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createPostgresTables() error {
	t := s.tables
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			items JSONB NOT NULL DEFAULT '[]',
			payments JSONB NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_payments ON %[1]s USING GIN (payments jsonb_path_ops);

		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			price BIGINT NOT NULL,
			currency TEXT NOT NULL,
			availability TEXT NOT NULL DEFAULT 'available',
			stock BIGINT CHECK (stock IS NULL OR stock >= 0),
			sales BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			is_unique_asset BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			cart_id TEXT NOT NULL,
			items JSONB NOT NULL,
			totals JSONB NOT NULL,
			payment_method TEXT NOT NULL,
			payment_details JSONB NOT NULL,
			status TEXT NOT NULL,
			payment_confirmed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_user ON %[3]s(user_id);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_details ON %[3]s USING GIN (payment_details jsonb_path_ops);

		CREATE TABLE IF NOT EXISTS %[4]s (
			source TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'done',
			received_at TIMESTAMPTZ NOT NULL,
			claimed_at TIMESTAMPTZ,
			PRIMARY KEY (source, event_id)
		);
		ALTER TABLE %[4]s ADD COLUMN IF NOT EXISTS status TEXT NOT NULL DEFAULT 'done';
		ALTER TABLE %[4]s ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ;

		CREATE TABLE IF NOT EXISTS %[5]s (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			reference TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			refund_id TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[5]s_order ON %[5]s(order_id, created_at);

		CREATE TABLE IF NOT EXISTS %[6]s (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			aggregate_id TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			last_attempt_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_%[6]s_due ON %[6]s(status, next_attempt_at);

		CREATE TABLE IF NOT EXISTS %[7]s (
			provider TEXT NOT NULL,
			reference TEXT NOT NULL,
			order_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			cart_id TEXT NOT NULL DEFAULT '',
			consumed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (provider, reference)
		);
		CREATE INDEX IF NOT EXISTS idx_%[7]s_order ON %[7]s(order_id);
	`, t.Carts, t.Products, t.Orders, t.WebhookEvents, t.Compensations, t.Outbox, t.ConsumedPayments)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create postgres tables: %w", err)
	}
	return nil
}

// Close is a no-op; the shared pool is closed by its owner.
func (s *PostgresStore) Close() error {
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

// ---- carts ----

const cartColumns = "id, user_id, items, payments, updated_at"

func scanCart(row interface{ Scan(...any) error }) (Cart, error) {
	var (
		cart     Cart
		items    []byte
		payments []byte
	)
	if err := row.Scan(&cart.ID, &cart.UserID, &items, &payments, &cart.UpdatedAt); err != nil {
		return Cart{}, err
	}
	if err := json.Unmarshal(items, &cart.Items); err != nil {
		return Cart{}, fmt.Errorf("decode cart items: %w", err)
	}
	if err := json.Unmarshal(payments, &cart.Payments); err != nil {
		return Cart{}, fmt.Errorf("decode cart payments: %w", err)
	}
	return cart, nil
}

func (s *PostgresStore) SaveCart(ctx context.Context, cart Cart) error {
	if err := validateCart(&cart); err != nil {
		return err
	}
	if cart.Payments == nil {
		cart.Payments = []PaymentRecord{}
	}
	items, err := json.Marshal(cart.Items)
	if err != nil {
		return fmt.Errorf("marshal cart items: %w", err)
	}
	payments, err := json.Marshal(cart.Payments)
	if err != nil {
		return fmt.Errorf("marshal cart payments: %w", err)
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			items = EXCLUDED.items,
			payments = EXCLUDED.payments,
			updated_at = EXCLUDED.updated_at
	`, s.tables.Carts, cartColumns)
	_, err = s.db.ExecContext(ctx, query, cart.ID, cart.UserID, items, payments, cart.UpdatedAt)
	return err
}

func (s *PostgresStore) queryCart(ctx context.Context, where string, args ...any) (Cart, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s LIMIT 1`, cartColumns, s.tables.Carts, where)
	cart, err := scanCart(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return Cart{}, ErrNotFound
	}
	return cart, err
}

func (s *PostgresStore) GetCart(ctx context.Context, cartID string) (Cart, error) {
	return s.queryCart(ctx, "id = $1", cartID)
}

func (s *PostgresStore) GetCartByUser(ctx context.Context, userID string) (Cart, error) {
	return s.queryCart(ctx, "user_id = $1", userID)
}

func (s *PostgresStore) FindCartByPaymentReference(ctx context.Context, provider Provider, reference string) (Cart, error) {
	needle, err := json.Marshal([]map[string]string{{"provider": string(provider), "reference": reference}})
	if err != nil {
		return Cart{}, err
	}
	return s.queryCart(ctx, "payments @> $1::jsonb", string(needle))
}

// mutateCart runs fn against a row-locked cart and writes the result back.
func (s *PostgresStore) mutateCart(ctx context.Context, cartID string, fn func(*Cart) error) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cart tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, cartColumns, s.tables.Carts)
	cart, err := scanCart(tx.QueryRowContext(ctx, query, cartID))
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if err := fn(&cart); err != nil {
		return err
	}

	items, err := json.Marshal(cart.Items)
	if err != nil {
		return fmt.Errorf("marshal cart items: %w", err)
	}
	payments, err := json.Marshal(cart.Payments)
	if err != nil {
		return fmt.Errorf("marshal cart payments: %w", err)
	}
	update := fmt.Sprintf(`UPDATE %s SET items = $2, payments = $3, updated_at = $4 WHERE id = $1`, s.tables.Carts)
	if _, err := tx.ExecContext(ctx, update, cart.ID, items, payments, cart.UpdatedAt); err != nil {
		return fmt.Errorf("update cart: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) UpsertPaymentRecord(ctx context.Context, cartID string, rec PaymentRecord) error {
	if err := validatePaymentRecord(&rec); err != nil {
		return err
	}
	return s.mutateCart(ctx, cartID, func(c *Cart) error {
		c.upsertPayment(rec)
		c.UpdatedAt = rec.LastUpdated
		return nil
	})
}

func (s *PostgresStore) SetPaymentRecordStatus(ctx context.Context, cartID string, provider Provider, reference string, status PaymentStatus) error {
	return s.mutateCart(ctx, cartID, func(c *Cart) error {
		now := time.Now().UTC()
		if !c.setPaymentStatus(provider, reference, status, now) {
			return ErrNotFound
		}
		c.UpdatedAt = now
		return nil
	})
}

func (s *PostgresStore) RemoveCartItems(ctx context.Context, cartID string, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}
	return s.mutateCart(ctx, cartID, func(c *Cart) error {
		c.removeItems(productIDs)
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *PostgresStore) ClearCartItems(ctx context.Context, cartID string) error {
	return s.mutateCart(ctx, cartID, func(c *Cart) error {
		c.Items = []CartItem{}
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// ---- products ----

func (s *PostgresStore) SaveProduct(ctx context.Context, p Product) error {
	if err := validateProduct(&p); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var stock sql.NullInt64
	if p.Stock != nil {
		stock = sql.NullInt64{Int64: *p.Stock, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, price, currency, availability, stock, sales, active, is_unique_asset, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			availability = EXCLUDED.availability,
			stock = EXCLUDED.stock,
			sales = EXCLUDED.sales,
			active = EXCLUDED.active,
			is_unique_asset = EXCLUDED.is_unique_asset,
			updated_at = EXCLUDED.updated_at
	`, s.tables.Products)
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Price, p.Currency, p.Availability, stock, p.Sales, p.Active, p.IsUniqueAsset, p.UpdatedAt)
	return err
}

func (s *PostgresStore) GetProducts(ctx context.Context, productIDs []string) (map[string]Product, error) {
	out := make(map[string]Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, name, price, currency, availability, stock, sales, active, is_unique_asset, updated_at
		FROM %s WHERE id = ANY($1)
	`, s.tables.Products)
	rows, err := s.db.QueryContext(ctx, query, pq.Array(productIDs))
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p     Product
			stock sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.Availability, &stock,
			&p.Sales, &p.Active, &p.IsUniqueAsset, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if stock.Valid {
			p.Stock = Int64(stock.Int64)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// DecrementStock is one conditional UPDATE; SET expressions see the pre-update row.
func (s *PostgresStore) DecrementStock(ctx context.Context, productID string, qty int64) (bool, error) {
	if qty < 1 {
		return false, nil
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET
			stock = CASE WHEN stock IS NULL THEN NULL ELSE stock - $2 END,
			sales = sales + $2,
			availability = CASE
				WHEN is_unique_asset OR (stock IS NOT NULL AND stock - $2 = 0) THEN $4
				ELSE availability
			END,
			updated_at = NOW()
		WHERE id = $1
			AND active
			AND availability = $3
			AND (stock IS NULL OR stock >= $2)
	`, s.tables.Products)
	res, err := s.db.ExecContext(ctx, query, productID, qty, AvailabilityAvailable, AvailabilitySold)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) MarkAssetSold(ctx context.Context, productID string) (bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET
			availability = $3,
			stock = CASE WHEN stock IS NULL THEN NULL ELSE 0 END,
			sales = sales + 1,
			updated_at = NOW()
		WHERE id = $1 AND is_unique_asset AND active AND availability = $2
	`, s.tables.Products)
	res, err := s.db.ExecContext(ctx, query, productID, AvailabilityAvailable, AvailabilitySold)
	if err != nil {
		return false, fmt.Errorf("mark asset sold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---- orders ----

const orderColumns = "id, user_id, cart_id, items, totals, payment_method, payment_details, status, payment_confirmed_at, created_at, updated_at"

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var (
		o                      Order
		items, totals, details []byte
		confirmed              sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.CartID, &items, &totals, &o.PaymentMethod, &details,
		&o.Status, &confirmed, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("decode order items: %w", err)
	}
	if err := json.Unmarshal(totals, &o.Totals); err != nil {
		return Order{}, fmt.Errorf("decode order totals: %w", err)
	}
	if err := json.Unmarshal(details, &o.PaymentDetails); err != nil {
		return Order{}, fmt.Errorf("decode payment details: %w", err)
	}
	if confirmed.Valid {
		t := confirmed.Time
		o.PaymentConfirmedAt = &t
	}
	return o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o Order) error {
	if err := validateOrder(&o); err != nil {
		return err
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}
	totals, err := json.Marshal(o.Totals)
	if err != nil {
		return fmt.Errorf("marshal order totals: %w", err)
	}
	details, err := json.Marshal(o.PaymentDetails)
	if err != nil {
		return fmt.Errorf("marshal payment details: %w", err)
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, s.tables.Orders, orderColumns)
	res, err := s.db.ExecContext(ctx, query, o.ID, o.UserID, o.CartID, items, totals, o.PaymentMethod, details,
		o.Status, nullTimePtr(o.PaymentConfirmedAt), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateOrder
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, orderColumns, s.tables.Orders)
	o, err := scanOrder(s.db.QueryRowContext(ctx, query, orderID))
	if err == sql.ErrNoRows {
		return Order{}, ErrNotFound
	}
	return o, err
}

// MarkOrdersPaid locks every referencing order and applies the same
// confirmation rule as the in-memory store.
func (s *PostgresStore) MarkOrdersPaid(ctx context.Context, provider Provider, reference string) (int, error) {
	needle, err := json.Marshal([]map[string]string{{"provider": string(provider), "reference": reference}})
	if err != nil {
		return 0, err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin order tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE payment_details @> $1::jsonb FOR UPDATE`, orderColumns, s.tables.Orders)
	rows, err := tx.QueryContext(ctx, query, string(needle))
	if err != nil {
		return 0, fmt.Errorf("query orders: %w", err)
	}
	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	update := fmt.Sprintf(`
		UPDATE %s SET payment_details = $2, payment_confirmed_at = $3, updated_at = $4 WHERE id = $1
	`, s.tables.Orders)

	changed := 0
	for _, o := range orders {
		if !o.confirmPayment(provider, reference, now) {
			continue
		}
		details, err := json.Marshal(o.PaymentDetails)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, update, o.ID, details, nullTimePtr(o.PaymentConfirmedAt), o.UpdatedAt); err != nil {
			return 0, fmt.Errorf("update order %s: %w", o.ID, err)
		}
		changed++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return changed, nil
}

// ---- webhook ledger ----

// ClaimWebhookEvent inserts a processing row. A conflicting row is only
// updated when it is a processing claim older than staleAfter.
func (s *PostgresStore) ClaimWebhookEvent(ctx context.Context, event WebhookEvent, staleAfter time.Duration) error {
	if err := validateWebhookEvent(&event); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (source, event_id, event_type, reference, status, received_at, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source, event_id) DO UPDATE SET claimed_at = EXCLUDED.claimed_at
		WHERE %[1]s.status = $5 AND %[1]s.claimed_at < $8
	`, s.tables.WebhookEvents)
	res, err := s.db.ExecContext(ctx, query,
		event.Source, event.EventID, event.EventType, event.Reference,
		string(LedgerStatusProcessing), event.ReceivedAt, event.ClaimedAt,
		staleBefore(event.ClaimedAt, staleAfter),
	)
	if err != nil {
		return fmt.Errorf("claim webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT status FROM %s WHERE source = $1 AND event_id = $2`, s.tables.WebhookEvents),
		event.Source, event.EventID,
	).Scan(&status)
	if err != nil {
		return fmt.Errorf("read webhook claim: %w", err)
	}
	if LedgerStatus(status) == LedgerStatusProcessing {
		return ErrEventInProgress
	}
	return ErrDuplicateEvent
}

func (s *PostgresStore) CompleteWebhookEvent(ctx context.Context, source, eventID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET status = $3 WHERE source = $1 AND event_id = $2`, s.tables.WebhookEvents)
	res, err := s.db.ExecContext(ctx, query, source, eventID, string(LedgerStatusDone))
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReleaseWebhookEvent(ctx context.Context, source, eventID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE source = $1 AND event_id = $2 AND status = $3`, s.tables.WebhookEvents)
	if _, err := s.db.ExecContext(ctx, query, source, eventID, string(LedgerStatusProcessing)); err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// ---- consumed payments ----

// ConsumePayment inserts under the (provider, reference) primary key. The
// no-op update on conflict makes RETURNING report the holder either way.
func (s *PostgresStore) ConsumePayment(ctx context.Context, claim ConsumedPayment) error {
	if err := validateConsumedPayment(&claim); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (provider, reference, order_id, user_id, cart_id, consumed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, reference) DO UPDATE SET provider = EXCLUDED.provider
		RETURNING order_id
	`, s.tables.ConsumedPayments)
	var holder string
	err := s.db.QueryRowContext(ctx, query,
		string(claim.Provider), claim.Reference, claim.OrderID, claim.UserID, claim.CartID, claim.ConsumedAt,
	).Scan(&holder)
	if err != nil {
		return fmt.Errorf("consume payment: %w", err)
	}
	if holder != claim.OrderID {
		return ErrPaymentConsumed
	}
	return nil
}

func (s *PostgresStore) ReleasePayments(ctx context.Context, orderID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE order_id = $1`, s.tables.ConsumedPayments)
	if _, err := s.db.ExecContext(ctx, query, orderID); err != nil {
		return fmt.Errorf("release payments: %w", err)
	}
	return nil
}

// ---- compensations ----

func (s *PostgresStore) SaveCompensation(ctx context.Context, c CompensationIntent) error {
	if err := validateCompensation(&c); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, order_id, user_id, provider, reference, currency, amount, status, refund_id, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.tables.Compensations)
	_, err := s.db.ExecContext(ctx, query, c.ID, c.OrderID, c.UserID, c.Provider, c.Reference, c.Currency,
		c.Amount, c.Status, c.RefundID, c.LastError, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert compensation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCompensation(ctx context.Context, id string, status CompensationStatus, refundID, lastError string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, refund_id = $3, last_error = $4, updated_at = $5 WHERE id = $1
	`, s.tables.Compensations)
	res, err := s.db.ExecContext(ctx, query, id, status, refundID, lastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update compensation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListCompensations(ctx context.Context, orderID string) ([]CompensationIntent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, order_id, user_id, provider, reference, currency, amount, status, refund_id, last_error, created_at, updated_at
		FROM %s WHERE ($1 = '' OR order_id = $1) ORDER BY created_at ASC
	`, s.tables.Compensations)
	rows, err := s.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query compensations: %w", err)
	}
	defer rows.Close()

	var out []CompensationIntent
	for rows.Next() {
		var c CompensationIntent
		if err := rows.Scan(&c.ID, &c.OrderID, &c.UserID, &c.Provider, &c.Reference, &c.Currency,
			&c.Amount, &c.Status, &c.RefundID, &c.LastError, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan compensation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- outbox ----

const outboxColumns = "id, kind, aggregate_id, payload, status, attempts, max_attempts, last_error, last_attempt_at, next_attempt_at, created_at, completed_at"

func scanOutbox(rows *sql.Rows) (OutboxEntry, error) {
	var (
		e                     OutboxEntry
		payload               []byte
		lastAttempt, complete sql.NullTime
	)
	if err := rows.Scan(&e.ID, &e.Kind, &e.AggregateID, &payload, &e.Status, &e.Attempts, &e.MaxAttempts,
		&e.LastError, &lastAttempt, &e.NextAttemptAt, &e.CreatedAt, &complete); err != nil {
		return OutboxEntry{}, err
	}
	e.Payload = json.RawMessage(payload)
	if lastAttempt.Valid {
		e.LastAttemptAt = lastAttempt.Time
	}
	if complete.Valid {
		t := complete.Time
		e.CompletedAt = &t
	}
	return e, nil
}

func (s *PostgresStore) queryOutbox(ctx context.Context, query string, args ...any) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EnqueueOutbox(ctx context.Context, e OutboxEntry) (string, error) {
	prepareOutboxEntry(&e)
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.tables.Outbox, outboxColumns)
	_, err := s.db.ExecContext(ctx, query, e.ID, e.Kind, e.AggregateID, []byte(e.Payload), e.Status, e.Attempts,
		e.MaxAttempts, e.LastError, nullTime(e.LastAttemptAt), e.NextAttemptAt, e.CreatedAt, nullTimePtr(e.CompletedAt))
	if err != nil {
		return "", fmt.Errorf("enqueue outbox: %w", err)
	}
	return e.ID, nil
}

func (s *PostgresStore) DequeueOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC
		LIMIT $3
	`, outboxColumns, s.tables.Outbox)
	return s.queryOutbox(ctx, query, OutboxPending, time.Now().UTC(), limit)
}

func (s *PostgresStore) execOutbox(ctx context.Context, query string, args ...any) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkOutboxProcessing(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, attempts = attempts + 1, last_attempt_at = $3 WHERE id = $1
	`, s.tables.Outbox)
	return s.execOutbox(ctx, query, id, OutboxProcessing, time.Now().UTC())
}

func (s *PostgresStore) MarkOutboxDone(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, last_error = '', completed_at = $3 WHERE id = $1
	`, s.tables.Outbox)
	return s.execOutbox(ctx, query, id, OutboxDone, time.Now().UTC())
}

func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			last_error = $2,
			last_attempt_at = $3,
			status = CASE WHEN attempts >= max_attempts THEN $4 ELSE $5 END,
			next_attempt_at = CASE WHEN attempts >= max_attempts THEN next_attempt_at ELSE $6 END,
			completed_at = CASE WHEN attempts >= max_attempts THEN $3 ELSE NULL END
		WHERE id = $1
	`, s.tables.Outbox)
	now := time.Now().UTC()
	return s.execOutbox(ctx, query, id, lastError, now, OutboxFailed, OutboxPending, nextAttemptAt)
}

func (s *PostgresStore) ListOutbox(ctx context.Context, status OutboxStatus, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, outboxColumns, s.tables.Outbox)
	return s.queryOutbox(ctx, query, string(status), limit)
}
