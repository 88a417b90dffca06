package port

import (
	"context"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

// Watchlist supplies symbols the bridge keeps subscribed.
type Watchlist interface {
	ListSymbols(ctx context.Context) ([]string, error)
}

// HealthJournal records bridge health transitions for operators.
type HealthJournal interface {
	RecordTransition(ctx context.Context, t domain.HealthTransition) error
}

// Store is implemented by every storage driver.
type Store interface {
	Watchlist
	HealthJournal
	AddSymbol(ctx context.Context, symbol, name string) error
	RemoveSymbol(ctx context.Context, symbol string) error
	RecentTransitions(ctx context.Context, limit int) ([]domain.HealthTransition, error)
	Close() error
}
