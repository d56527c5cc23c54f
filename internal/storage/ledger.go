package storage

import (
	"context"
	"fmt"
	"time"
)

// LedgerStatus tracks whether a claimed webhook finished processing.
type LedgerStatus string

const (
	LedgerStatusProcessing LedgerStatus = "processing"
	LedgerStatusDone       LedgerStatus = "done"
)

// WebhookEvent is an entry in the dedup ledger. Only done entries turn
// redeliveries into duplicates.
type WebhookEvent struct {
	Source     string       `json:"source" bson:"source"`
	EventID    string       `json:"eventId" bson:"event_id"`
	EventType  string       `json:"eventType" bson:"event_type"`
	Reference  string       `json:"reference" bson:"reference"` // Correlating provider reference
	Status     LedgerStatus `json:"status" bson:"status"`
	ReceivedAt time.Time    `json:"receivedAt" bson:"received_at"`
	ClaimedAt  time.Time    `json:"claimedAt" bson:"claimed_at"`
}

func validateWebhookEvent(ev *WebhookEvent) error {
	if ev.Source == "" || ev.EventID == "" {
		return fmt.Errorf("storage: webhook event requires source and event id")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	ev.Status = LedgerStatusProcessing
	if ev.ClaimedAt.IsZero() {
		ev.ClaimedAt = time.Now().UTC()
	}
	return nil
}

// staleBefore is the claim time a processing entry must predate to be taken
// over. A non-positive staleAfter never expires claims.
func staleBefore(now time.Time, staleAfter time.Duration) time.Time {
	if staleAfter <= 0 {
		return time.Time{}
	}
	return now.Add(-staleAfter)
}

func ledgerKey(source, eventID string) string {
	return source + "|" + eventID
}

// ClaimWebhookEvent records the event as processing.
func (m *MemoryStore) ClaimWebhookEvent(_ context.Context, event WebhookEvent, staleAfter time.Duration) error {
	if err := validateWebhookEvent(&event); err != nil {
		return err
	}

	key := ledgerKey(event.Source, event.EventID)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.events[key]
	if !exists {
		m.events[key] = event
		return nil
	}
	if existing.Status == LedgerStatusDone {
		return ErrDuplicateEvent
	}
	if !existing.ClaimedAt.Before(staleBefore(event.ClaimedAt, staleAfter)) {
		return ErrEventInProgress
	}
	existing.ClaimedAt = event.ClaimedAt
	m.events[key] = existing
	return nil
}

// CompleteWebhookEvent marks a claimed event done.
func (m *MemoryStore) CompleteWebhookEvent(_ context.Context, source, eventID string) error {
	key := ledgerKey(source, eventID)

	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[key]
	if !ok {
		return ErrNotFound
	}
	ev.Status = LedgerStatusDone
	m.events[key] = ev
	return nil
}

// ReleaseWebhookEvent drops a processing claim. Done entries are kept.
func (m *MemoryStore) ReleaseWebhookEvent(_ context.Context, source, eventID string) error {
	key := ledgerKey(source, eventID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if ev, ok := m.events[key]; ok && ev.Status == LedgerStatusProcessing {
		delete(m.events, key)
	}
	return nil
}
