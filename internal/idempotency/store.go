package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Store is an atomic insert-if-absent set with per-key expiry.
type Store interface {
	// Claim records key for ttl. It returns false, without extending the
	// existing entry, when key is already held.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops key so the same request may be retried.
	Release(ctx context.Context, key string) error
}

// MemoryStore is a process-local Store with LRU eviction. It is only correct
// for a single instance; use RedisStore when more than one process serves
// checkouts.
type MemoryStore struct {
	mu          sync.Mutex
	entries     map[string]*entry
	lru         *list.List
	maxSize     int
	now         func() time.Time
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

type entry struct {
	key       string
	expiresAt time.Time
	element   *list.Element
}

// NewMemoryStore creates a store holding at most 10,000 live keys.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000)
}

// NewMemoryStoreWithSize creates a store holding at most maxSize live keys.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	s := &MemoryStore{
		entries:     make(map[string]*entry),
		lru:         list.New(),
		maxSize:     maxSize,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[key]; exists {
		if now.Before(e.expiresAt) {
			return false, nil
		}
		s.remove(e)
	}

	// Evict before inserting so the map never exceeds maxSize.
	if len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	e := &entry{key: key, expiresAt: now.Add(ttl)}
	e.element = s.lru.PushFront(e)
	s.entries[key] = e
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[key]; exists {
		s.remove(e)
	}
	return nil
}

// Len reports the number of keys currently held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// caller holds mu
func (s *MemoryStore) remove(e *entry) {
	s.lru.Remove(e.element)
	delete(s.entries, e.key)
}

// caller holds mu
func (s *MemoryStore) evictOldest() {
	if back := s.lru.Back(); back != nil {
		s.remove(back.Value.(*entry))
	}
}

func (s *MemoryStore) sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*entry
	for _, e := range s.entries {
		if !now.Before(e.expiresAt) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		s.remove(e)
	}
	return len(expired)
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// Stop shuts down the cleanup goroutine. Safe to call more than once.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
}

// Close implements io.Closer for the lifecycle registry.
func (s *MemoryStore) Close() error {
	s.Stop()
	return nil
}
