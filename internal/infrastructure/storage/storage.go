// Package storage opens the configured watchlist and health journal store.
package storage

import (
	"fmt"
	"strings"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/infrastructure/storage/postgres"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/infrastructure/storage/sqlite"
)

// Open returns the store for driver ("sqlite" or "postgres"). An empty
// driver disables storage and returns nil.
func Open(driver, dsn string) (port.Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none":
		return nil, nil
	case "sqlite":
		r, err := sqlite.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
		}
		return r, nil
	case "postgres", "pgx":
		r, err := postgres.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}
