// Package lifecycle tears down process resources in reverse start order.
package lifecycle

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager closes registered resources LIFO and keeps going past failures.
type Manager struct {
	mu        sync.Mutex
	resources []resource
	logger    zerolog.Logger
	closed    bool
}

type resource struct {
	name  string
	close func(ctx context.Context) error
}

// NewManager creates a new resource lifecycle manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a resource to be closed when the manager shuts down.
func (m *Manager) Register(name string, closer io.Closer) {
	m.RegisterContextFunc(name, func(context.Context) error { return closer.Close() })
}

// RegisterFunc registers a cleanup function that ignores the deadline.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.RegisterContextFunc(name, func(context.Context) error { return fn() })
}

// RegisterContextFunc registers a cleanup that should respect the shutdown
// deadline, such as draining an HTTP server or in-flight callbacks.
func (m *Manager) RegisterContextFunc(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, close: fn})
}

// Shutdown closes everything in reverse registration order and returns the
// first error. Later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		start := time.Now()
		if err := res.close(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("resource", res.name).
				Msg("lifecycle.close_resource_failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.logger.Debug().
			Str("resource", res.name).
			Dur("duration", time.Since(start)).
			Msg("lifecycle.resource_closed")
	}
	return firstErr
}

// Close shuts down without a deadline.
func (m *Manager) Close() error {
	return m.Shutdown(context.Background())
}
