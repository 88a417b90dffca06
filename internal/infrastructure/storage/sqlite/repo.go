package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

// Repo stores the watchlist and the bridge health journal.
type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS watchlist (
  symbol TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS health_transitions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  from_state TEXT NOT NULL,
  to_state TEXT NOT NULL,
  reason TEXT NOT NULL,
  ts_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_ts ON health_transitions(ts_ms);
`)
	return err
}

func (r *Repo) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol FROM watchlist ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) AddSymbol(ctx context.Context, symbol, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO watchlist(symbol, name, created_at)
		VALUES(?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET name=excluded.name
	`, domain.NormalizeSymbol(symbol), name, time.Now().UnixMilli())
	return err
}

func (r *Repo) RemoveSymbol(ctx context.Context, symbol string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM watchlist WHERE symbol=?`, domain.NormalizeSymbol(symbol))
	return err
}

func (r *Repo) RecordTransition(ctx context.Context, t domain.HealthTransition) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO health_transitions(from_state, to_state, reason, ts_ms) VALUES(?, ?, ?, ?)`,
		string(t.From), string(t.To), t.Reason, t.At.UnixMilli())
	return err
}

// RecentTransitions returns up to limit transitions, newest first.
func (r *Repo) RecentTransitions(ctx context.Context, limit int) ([]domain.HealthTransition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT from_state, to_state, reason, ts_ms FROM health_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HealthTransition
	for rows.Next() {
		var from, to, reason string
		var ts int64
		if err := rows.Scan(&from, &to, &reason, &ts); err != nil {
			return nil, err
		}
		out = append(out, domain.HealthTransition{
			From:   domain.BridgeHealth(from),
			To:     domain.BridgeHealth(to),
			Reason: reason,
			At:     time.UnixMilli(ts).UTC(),
		})
	}
	return out, rows.Err()
}

var _ port.Store = (*Repo)(nil)
