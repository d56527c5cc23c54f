package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// NewDLQStore returns a file-backed store when path is set, else an
// in-memory one.
func NewDLQStore(path string) (DLQStore, error) {
	if path == "" {
		return NewMemoryDLQStore(), nil
	}
	return NewFileDLQStore(path)
}

// NoopDLQStore discards dead-lettered callbacks.
type NoopDLQStore struct{}

func (NoopDLQStore) SaveFailedCallback(context.Context, FailedCallback) error { return nil }
func (NoopDLQStore) ListFailedCallbacks(context.Context, int) ([]FailedCallback, error) {
	return []FailedCallback{}, nil
}
func (NoopDLQStore) DeleteFailedCallback(context.Context, string) error { return nil }

// MemoryDLQStore keeps dead-lettered callbacks in memory.
type MemoryDLQStore struct {
	mu        sync.RWMutex
	callbacks map[string]FailedCallback
}

// NewMemoryDLQStore creates an in-memory DLQ store.
func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{
		callbacks: make(map[string]FailedCallback),
	}
}

func (m *MemoryDLQStore) SaveFailedCallback(ctx context.Context, callback FailedCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[callback.ID] = callback
	return nil
}

func (m *MemoryDLQStore) ListFailedCallbacks(ctx context.Context, limit int) ([]FailedCallback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return oldestFirst(m.callbacks, limit), nil
}

func (m *MemoryDLQStore) DeleteFailedCallback(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, id)
	return nil
}

// FileDLQStore keeps dead-lettered callbacks in a JSON file that survives restarts.
type FileDLQStore struct {
	mu        sync.RWMutex
	filePath  string
	callbacks map[string]FailedCallback
}

// NewFileDLQStore creates a file-based DLQ store.
func NewFileDLQStore(filePath string) (*FileDLQStore, error) {
	store := &FileDLQStore{
		filePath:  filePath,
		callbacks: make(map[string]FailedCallback),
	}

	// Load existing data if file exists
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load DLQ file: %w", err)
	}

	return store, nil
}

func (f *FileDLQStore) SaveFailedCallback(ctx context.Context, callback FailedCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.callbacks[callback.ID] = callback
	return f.persist()
}

func (f *FileDLQStore) ListFailedCallbacks(ctx context.Context, limit int) ([]FailedCallback, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return oldestFirst(f.callbacks, limit), nil
}

func (f *FileDLQStore) DeleteFailedCallback(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.callbacks, id)
	return f.persist()
}

func oldestFirst(callbacks map[string]FailedCallback, limit int) []FailedCallback {
	result := make([]FailedCallback, 0, len(callbacks))
	for _, callback := range callbacks {
		result = append(result, callback)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (f *FileDLQStore) load() error {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}

	callbacks := make(map[string]FailedCallback)
	if err := json.Unmarshal(data, &callbacks); err != nil {
		return fmt.Errorf("unmarshal DLQ data: %w", err)
	}

	f.callbacks = callbacks
	return nil
}

func (f *FileDLQStore) persist() error {
	data, err := json.MarshalIndent(f.callbacks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal DLQ data: %w", err)
	}

	// Write to temp file first, then rename (atomic operation)
	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}

	if err := os.Rename(tmpPath, f.filePath); err != nil {
		os.Remove(tmpPath) // Clean up temp file on error
		return fmt.Errorf("rename DLQ file: %w", err)
	}

	return nil
}

// Close ensures all data is persisted (no-op for file store).
func (f *FileDLQStore) Close() error {
	return nil
}
