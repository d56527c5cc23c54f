package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoCleanupInterval is how often delivered outbox entries are swept.
const mongoCleanupInterval = time.Hour

// MongoDBStore implements Store using MongoDB.
type MongoDBStore struct {
	client        *mongo.Client
	carts         *mongo.Collection
	products      *mongo.Collection
	orders        *mongo.Collection
	events        *mongo.Collection
	consumed      *mongo.Collection
	compensations *mongo.Collection
	outbox        *mongo.Collection
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
}

// NewMongoDBStore connects, ensures indexes and starts the outbox sweeper.
func NewMongoDBStore(connectionString, database string, tables TableNames) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	tables = tables.withDefaults()
	db := client.Database(database)

	store := &MongoDBStore{
		client:        client,
		carts:         db.Collection(tables.Carts),
		products:      db.Collection(tables.Products),
		orders:        db.Collection(tables.Orders),
		events:        db.Collection(tables.WebhookEvents),
		consumed:      db.Collection(tables.ConsumedPayments),
		compensations: db.Collection(tables.Compensations),
		outbox:        db.Collection(tables.Outbox),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	go store.cleanupDelivered()

	return store, nil
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.carts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "payments.provider", Value: 1}, {Key: "payments.reference", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create cart indexes: %w", err)
	}

	_, err = s.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "payment_details.provider", Value: 1}, {Key: "payment_details.reference", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create order indexes: %w", err)
	}

	// The unique (source, event_id) index is what makes the ledger insert-if-absent.
	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "source", Value: 1}, {Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "received_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create webhook event indexes: %w", err)
	}

	_, err = s.consumed.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "reference", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "order_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create consumed payment indexes: %w", err)
	}

	_, err = s.compensations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "order_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create compensation indexes: %w", err)
	}

	_, err = s.outbox.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		{Keys: bson.D{{Key: "completed_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create outbox indexes: %w", err)
	}

	return nil
}

func (s *MongoDBStore) cleanupDelivered() {
	ticker := time.NewTicker(mongoCleanupInterval)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
			cutoff := time.Now().Add(-mongoCleanupInterval)
			_, _ = s.outbox.DeleteMany(ctx, bson.M{"status": OutboxDone, "completed_at": bson.M{"$lt": cutoff}})
			cancel()
		}
	}
}

// Close stops the sweeper and disconnects.
func (s *MongoDBStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.client.Disconnect(ctx)
}

// ---- carts ----

func (s *MongoDBStore) SaveCart(ctx context.Context, cart Cart) error {
	if err := validateCart(&cart); err != nil {
		return err
	}
	if cart.Payments == nil {
		cart.Payments = []PaymentRecord{}
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.carts.ReplaceOne(ctx, bson.M{"_id": cart.ID}, cart, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoDBStore) findCart(ctx context.Context, filter bson.M) (Cart, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var cart Cart
	err := s.carts.FindOne(ctx, filter).Decode(&cart)
	if err == mongo.ErrNoDocuments {
		return Cart{}, ErrNotFound
	}
	if err != nil {
		return Cart{}, err
	}
	return cart, nil
}

func (s *MongoDBStore) GetCart(ctx context.Context, cartID string) (Cart, error) {
	return s.findCart(ctx, bson.M{"_id": cartID})
}

func (s *MongoDBStore) GetCartByUser(ctx context.Context, userID string) (Cart, error) {
	return s.findCart(ctx, bson.M{"user_id": userID})
}

// UpsertPaymentRecord replaces the matching array element in place, falling
// back to a guarded $push so two writers cannot both append.
func (s *MongoDBStore) UpsertPaymentRecord(ctx context.Context, cartID string, rec PaymentRecord) error {
	if err := validatePaymentRecord(&rec); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	match := bson.M{"provider": rec.Provider, "currency": rec.Currency}

	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.carts.UpdateOne(ctx,
			bson.M{"_id": cartID, "payments": bson.M{"$elemMatch": match}},
			bson.M{"$set": bson.M{"payments.$": rec, "updated_at": rec.LastUpdated}},
		)
		if err != nil {
			return fmt.Errorf("update payment record: %w", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}

		res, err = s.carts.UpdateOne(ctx,
			bson.M{"_id": cartID, "payments": bson.M{"$not": bson.M{"$elemMatch": match}}},
			bson.M{"$push": bson.M{"payments": rec}, "$set": bson.M{"updated_at": rec.LastUpdated}},
		)
		if err != nil {
			return fmt.Errorf("push payment record: %w", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}

		// Either the cart is missing or a concurrent writer pushed first.
		count, err := s.carts.CountDocuments(ctx, bson.M{"_id": cartID})
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return fmt.Errorf("upsert payment record: cart %s changed concurrently", cartID)
}

func (s *MongoDBStore) FindCartByPaymentReference(ctx context.Context, provider Provider, reference string) (Cart, error) {
	return s.findCart(ctx, bson.M{"payments": bson.M{"$elemMatch": bson.M{"provider": provider, "reference": reference}}})
}

func (s *MongoDBStore) SetPaymentRecordStatus(ctx context.Context, cartID string, provider Provider, reference string, status PaymentStatus) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.carts.UpdateOne(ctx,
		bson.M{"_id": cartID, "payments": bson.M{"$elemMatch": bson.M{"provider": provider, "reference": reference}}},
		bson.M{"$set": bson.M{
			"payments.$.status":       status,
			"payments.$.last_updated": now,
			"updated_at":              now,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) RemoveCartItems(ctx context.Context, cartID string, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.carts.UpdateOne(ctx,
		bson.M{"_id": cartID},
		bson.M{
			"$pull": bson.M{"items": bson.M{"product_id": bson.M{"$in": productIDs}}},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) ClearCartItems(ctx context.Context, cartID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.carts.UpdateOne(ctx,
		bson.M{"_id": cartID},
		bson.M{"$set": bson.M{"items": []CartItem{}, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- products ----

func (s *MongoDBStore) SaveProduct(ctx context.Context, product Product) error {
	if err := validateProduct(&product); err != nil {
		return err
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.products.ReplaceOne(ctx, bson.M{"_id": product.ID}, product, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoDBStore) GetProducts(ctx context.Context, productIDs []string) (map[string]Product, error) {
	out := make(map[string]Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	cursor, err := s.products.Find(ctx, bson.M{"_id": bson.M{"$in": productIDs}})
	if err != nil {
		return nil, fmt.Errorf("find products: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var p Product
		if err := cursor.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode product: %w", err)
		}
		out[p.ID] = p
	}
	return out, cursor.Err()
}

// stockIsNull matches both a missing and an explicit null stock.
var stockIsNull = bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{"$stock", nil}}, nil}}

// DecrementStock is a single conditional pipeline update: the filter carries
// every precondition, so at most qty units can ever be taken from stock.
func (s *MongoDBStore) DecrementStock(ctx context.Context, productID string, qty int64) (bool, error) {
	if qty < 1 {
		return false, nil
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"_id":          productID,
		"active":       true,
		"availability": AvailabilityAvailable,
		"$or": bson.A{
			bson.M{"stock": nil},
			bson.M{"stock": bson.M{"$gte": qty}},
		},
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"stock":      bson.M{"$cond": bson.A{stockIsNull, "$stock", bson.M{"$subtract": bson.A{"$stock", qty}}}},
			"sales":      bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$sales", 0}}, qty}},
			"updated_at": time.Now().UTC(),
		}}},
		{{Key: "$set", Value: bson.M{
			"availability": bson.M{"$cond": bson.A{
				bson.M{"$or": bson.A{
					bson.M{"$eq": bson.A{"$is_unique_asset", true}},
					bson.M{"$eq": bson.A{"$stock", 0}},
				}},
				AvailabilitySold,
				"$availability",
			}},
		}}},
	}

	res, err := s.products.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoDBStore) MarkAssetSold(ctx context.Context, productID string) (bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"_id":             productID,
		"is_unique_asset": true,
		"active":          true,
		"availability":    AvailabilityAvailable,
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"availability": AvailabilitySold,
			"stock":        bson.M{"$cond": bson.A{stockIsNull, "$stock", 0}},
			"sales":        bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$sales", 0}}, 1}},
			"updated_at":   time.Now().UTC(),
		}}},
	}

	res, err := s.products.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mark asset sold: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// ---- orders ----

func (s *MongoDBStore) CreateOrder(ctx context.Context, order Order) error {
	if err := validateOrder(&order); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.orders.InsertOne(ctx, order)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateOrder
	}
	return err
}

func (s *MongoDBStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var order Order
	err := s.orders.FindOne(ctx, bson.M{"_id": orderID}).Decode(&order)
	if err == mongo.ErrNoDocuments {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *MongoDBStore) MarkOrdersPaid(ctx context.Context, provider Provider, reference string) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	match := bson.M{"provider": provider, "reference": reference}

	res, err := s.orders.UpdateMany(ctx,
		bson.M{"payment_details": bson.M{"$elemMatch": bson.M{
			"provider":  provider,
			"reference": reference,
			"status":    bson.M{"$ne": PaymentStatusSucceeded},
		}}},
		bson.M{"$set": bson.M{"payment_details.$[d].status": PaymentStatusSucceeded, "updated_at": now}},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{"d.provider": provider, "d.reference": reference}},
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("mark orders paid: %w", err)
	}

	_, err = s.orders.UpdateMany(ctx,
		bson.M{"payment_details": bson.M{"$elemMatch": match}, "payment_confirmed_at": nil},
		bson.M{"$set": bson.M{"payment_confirmed_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("stamp payment confirmation: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// ---- webhook ledger ----

// ClaimWebhookEvent inserts a processing entry. On a key collision a stale
// processing claim is taken over with a conditional update.
func (s *MongoDBStore) ClaimWebhookEvent(ctx context.Context, event WebhookEvent, staleAfter time.Duration) error {
	if err := validateWebhookEvent(&event); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.events.InsertOne(ctx, event)
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}

	key := bson.M{"source": event.Source, "event_id": event.EventID}
	res, err := s.events.UpdateOne(ctx,
		bson.M{
			"source":     event.Source,
			"event_id":   event.EventID,
			"status":     LedgerStatusProcessing,
			"claimed_at": bson.M{"$lt": staleBefore(event.ClaimedAt, staleAfter)},
		},
		bson.M{"$set": bson.M{"claimed_at": event.ClaimedAt}},
	)
	if err != nil {
		return fmt.Errorf("take over webhook claim: %w", err)
	}
	if res.ModifiedCount == 1 {
		return nil
	}

	var existing WebhookEvent
	if err := s.events.FindOne(ctx, key).Decode(&existing); err != nil {
		return fmt.Errorf("read webhook claim: %w", err)
	}
	if existing.Status == LedgerStatusProcessing {
		return ErrEventInProgress
	}
	return ErrDuplicateEvent
}

func (s *MongoDBStore) CompleteWebhookEvent(ctx context.Context, source, eventID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.events.UpdateOne(ctx,
		bson.M{"source": source, "event_id": eventID},
		bson.M{"$set": bson.M{"status": LedgerStatusDone}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) ReleaseWebhookEvent(ctx context.Context, source, eventID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.events.DeleteOne(ctx, bson.M{"source": source, "event_id": eventID, "status": LedgerStatusProcessing})
	return err
}

// ---- consumed payments ----

// ConsumePayment relies on the unique (provider, reference) index.
func (s *MongoDBStore) ConsumePayment(ctx context.Context, claim ConsumedPayment) error {
	if err := validateConsumedPayment(&claim); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.consumed.InsertOne(ctx, claim)
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("consume payment: %w", err)
	}

	var existing ConsumedPayment
	if err := s.consumed.FindOne(ctx, bson.M{"provider": claim.Provider, "reference": claim.Reference}).Decode(&existing); err != nil {
		return fmt.Errorf("read consumed payment: %w", err)
	}
	if existing.OrderID == claim.OrderID {
		return nil
	}
	return ErrPaymentConsumed
}

func (s *MongoDBStore) ReleasePayments(ctx context.Context, orderID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.consumed.DeleteMany(ctx, bson.M{"order_id": orderID})
	return err
}

// ---- compensations ----

func (s *MongoDBStore) SaveCompensation(ctx context.Context, intent CompensationIntent) error {
	if err := validateCompensation(&intent); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.compensations.InsertOne(ctx, intent)
	return err
}

func (s *MongoDBStore) UpdateCompensation(ctx context.Context, id string, status CompensationStatus, refundID, lastError string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.compensations.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":     status,
			"refund_id":  refundID,
			"last_error": lastError,
			"updated_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) ListCompensations(ctx context.Context, orderID string) ([]CompensationIntent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if orderID != "" {
		filter["order_id"] = orderID
	}
	cursor, err := s.compensations.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list compensations: %w", err)
	}
	defer cursor.Close(ctx)

	var out []CompensationIntent
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode compensations: %w", err)
	}
	return out, nil
}

// ---- outbox ----

func (s *MongoDBStore) EnqueueOutbox(ctx context.Context, entry OutboxEntry) (string, error) {
	prepareOutboxEntry(&entry)
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.outbox.InsertOne(ctx, entry); err != nil {
		return "", fmt.Errorf("enqueue outbox: %w", err)
	}
	return entry.ID, nil
}

func (s *MongoDBStore) DequeueOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "next_attempt_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.outbox.Find(ctx, bson.M{
		"status":          OutboxPending,
		"next_attempt_at": bson.M{"$lte": time.Now().UTC()},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("dequeue outbox: %w", err)
	}
	defer cursor.Close(ctx)

	var out []OutboxEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	return out, nil
}

func (s *MongoDBStore) updateOutbox(ctx context.Context, id string, update interface{}) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.outbox.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) MarkOutboxProcessing(ctx context.Context, id string) error {
	return s.updateOutbox(ctx, id, bson.M{
		"$set": bson.M{"status": OutboxProcessing, "last_attempt_at": time.Now().UTC()},
		"$inc": bson.M{"attempts": 1},
	})
}

func (s *MongoDBStore) MarkOutboxDone(ctx context.Context, id string) error {
	return s.updateOutbox(ctx, id, bson.M{
		"$set": bson.M{"status": OutboxDone, "last_error": "", "completed_at": time.Now().UTC()},
	})
}

func (s *MongoDBStore) MarkOutboxFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	now := time.Now().UTC()
	exhausted := bson.M{"$gte": bson.A{"$attempts", "$max_attempts"}}
	return s.updateOutbox(ctx, id, mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"last_error":      lastError,
			"last_attempt_at": now,
			"status":          bson.M{"$cond": bson.A{exhausted, OutboxFailed, OutboxPending}},
			"next_attempt_at": bson.M{"$cond": bson.A{exhausted, "$next_attempt_at", nextAttemptAt}},
			"completed_at":    bson.M{"$cond": bson.A{exhausted, now, nil}},
		}}},
	})
}

func (s *MongoDBStore) ListOutbox(ctx context.Context, status OutboxStatus, limit int) ([]OutboxEntry, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.outbox.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer cursor.Close(ctx)

	var out []OutboxEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	return out, nil
}
