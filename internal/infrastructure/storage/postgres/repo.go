package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS watchlist (
  symbol TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS health_transitions (
  id BIGSERIAL PRIMARY KEY,
  from_state TEXT NOT NULL,
  to_state TEXT NOT NULL,
  reason TEXT NOT NULL,
  ts_ms BIGINT NOT NULL
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
		INSERT INTO watchlist(symbol, name) VALUES($1, $2)
		ON CONFLICT(symbol) DO UPDATE SET name=EXCLUDED.name
	`, domain.NormalizeSymbol(symbol), name)
	return err
}

func (r *Repo) RemoveSymbol(ctx context.Context, symbol string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM watchlist WHERE symbol=$1`, domain.NormalizeSymbol(symbol))
	return err
}

func (r *Repo) RecordTransition(ctx context.Context, t domain.HealthTransition) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO health_transitions(from_state, to_state, reason, ts_ms) VALUES($1, $2, $3, $4)`,
		string(t.From), string(t.To), t.Reason, t.At.UnixMilli())
	return err
}

func (r *Repo) RecentTransitions(ctx context.Context, limit int) ([]domain.HealthTransition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT from_state, to_state, reason, ts_ms FROM health_transitions ORDER BY id DESC LIMIT $1`, limit)
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
