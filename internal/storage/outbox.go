package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// OutboxStatus represents the state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxFailed     OutboxStatus = "failed" // Attempts exhausted
	OutboxDone       OutboxStatus = "done"
)

// OutboxKindCreateOrder carries an Order that must still be written.
const OutboxKindCreateOrder = "order.create"

// DefaultOutboxMaxAttempts applies when an entry is enqueued without a limit.
const DefaultOutboxMaxAttempts = 8

// OutboxEntry is a unit of deferred work committed alongside inventory changes.
type OutboxEntry struct {
	ID            string          `json:"id" bson:"_id"`
	Kind          string          `json:"kind" bson:"kind"`
	AggregateID   string          `json:"aggregateId" bson:"aggregate_id"` // e.g. the order id
	Payload       json.RawMessage `json:"payload" bson:"payload"`
	Status        OutboxStatus    `json:"status" bson:"status"`
	Attempts      int             `json:"attempts" bson:"attempts"`
	MaxAttempts   int             `json:"maxAttempts" bson:"max_attempts"`
	LastError     string          `json:"lastError,omitempty" bson:"last_error,omitempty"`
	LastAttemptAt time.Time       `json:"lastAttemptAt,omitempty" bson:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt" bson:"next_attempt_at"`
	CreatedAt     time.Time       `json:"createdAt" bson:"created_at"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
}

func prepareOutboxEntry(entry *OutboxEntry) {
	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = NewID("obx")
	}
	if entry.Status == "" {
		entry.Status = OutboxPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.NextAttemptAt.IsZero() {
		entry.NextAttemptAt = now
	}
	if entry.MaxAttempts == 0 {
		entry.MaxAttempts = DefaultOutboxMaxAttempts
	}
}

// EnqueueOutbox adds an entry and returns its id.
func (m *MemoryStore) EnqueueOutbox(_ context.Context, entry OutboxEntry) (string, error) {
	prepareOutboxEntry(&entry)
	entry.Payload = append(json.RawMessage(nil), entry.Payload...)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.outbox[entry.ID] = entry
	return entry.ID, nil
}

// DequeueOutbox retrieves entries ready for another attempt.
func (m *MemoryStore) DequeueOutbox(_ context.Context, limit int) ([]OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var ready []OutboxEntry
	for _, entry := range m.outbox {
		if entry.Status == OutboxPending && !entry.NextAttemptAt.After(now) {
			ready = append(ready, entry)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// MarkOutboxProcessing claims an entry and counts the attempt.
func (m *MemoryStore) MarkOutboxProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	entry.Status = OutboxProcessing
	entry.LastAttemptAt = time.Now().UTC()
	entry.Attempts++
	m.outbox[id] = entry
	return nil
}

// MarkOutboxDone records success. The entry stays until the cleanup sweep.
func (m *MemoryStore) MarkOutboxDone(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	entry.Status = OutboxDone
	entry.LastError = ""
	entry.CompletedAt = &now
	m.outbox[id] = entry
	return nil
}

// MarkOutboxFailed records a failed attempt.
func (m *MemoryStore) MarkOutboxFailed(_ context.Context, id, lastError string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	entry.LastError = lastError
	entry.LastAttemptAt = time.Now().UTC()

	if entry.Attempts >= entry.MaxAttempts {
		now := time.Now().UTC()
		entry.Status = OutboxFailed
		entry.CompletedAt = &now
	} else {
		entry.Status = OutboxPending
		entry.NextAttemptAt = nextAttemptAt
	}
	m.outbox[id] = entry
	return nil
}

// ListOutbox lists entries newest first, optionally filtered by status.
func (m *MemoryStore) ListOutbox(_ context.Context, status OutboxStatus, limit int) ([]OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []OutboxEntry
	for _, entry := range m.outbox {
		if status == "" || entry.Status == status {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// removeDeliveredOutbox drops done entries completed before cutoff.
func (m *MemoryStore) removeDeliveredOutbox(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, entry := range m.outbox {
		if entry.Status == OutboxDone && entry.CompletedAt != nil && entry.CompletedAt.Before(cutoff) {
			delete(m.outbox, id)
			removed++
		}
	}
	return removed
}
