// Package database opens the storage engine behind an sqlx handle. Both
// engines are driven through database/sql; the store layer supplies the
// engine-specific SQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Options mirrors the backend section of the configuration.
type Options struct {
	Engine         string // "postgres" or "sqlite"
	URL            string
	MaxConnections int
	ConnectTimeout time.Duration
}

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, opts Options) (*sqlx.DB, error) {
	driver := opts.Engine
	switch opts.Engine {
	case "postgres":
	case "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database engine %q", opts.Engine)
	}
	db, err := sqlx.Open(driver, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Engine, err)
	}
	if opts.Engine == "sqlite" {
		// The embedded engine serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent requests.
		db.SetMaxOpenConns(1)
	} else {
		max := opts.MaxConnections
		if max <= 0 {
			max = 10
		}
		db.SetMaxOpenConns(max)
		db.SetMaxIdleConns(max / 2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Engine, err)
	}
	return db, nil
}
