package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/tradepost/checkout/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

// SharedPool owns the single PostgreSQL pool that every store shares.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings the database, then applies pool limits.
func NewSharedPool(ctx context.Context, connectionString string, pool config.PostgresPool) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	applyPoolSettings(db, pool)

	return &SharedPool{db: db}, nil
}

// applyPoolSettings fills unset limits with defaults and caps idle at open.
func applyPoolSettings(db *sql.DB, pool config.PostgresPool) {
	maxOpen, maxIdle, lifetime := poolLimits(pool)
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
}

func poolLimits(pool config.PostgresPool) (maxOpen, maxIdle int, lifetime time.Duration) {
	maxOpen = pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle = pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	lifetime = pool.ConnMaxLifetime.Duration
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}
	return maxOpen, maxIdle, lifetime
}

// DB returns the underlying *sql.DB for use by stores.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close closes the pool. Call once at shutdown.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
