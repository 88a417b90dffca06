package sqlite

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

func newRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "data", "krfeed.db"))
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepoWatchlist(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	if err := repo.AddSymbol(ctx, " 005930 ", "Samsung Electronics"); err != nil {
		t.Fatalf("AddSymbol failed: %v", err)
	}
	if err := repo.AddSymbol(ctx, "000660", "SK hynix"); err != nil {
		t.Fatalf("AddSymbol failed: %v", err)
	}
	// re-adding only updates the name
	if err := repo.AddSymbol(ctx, "005930", "삼성전자"); err != nil {
		t.Fatalf("AddSymbol failed: %v", err)
	}

	got, err := repo.ListSymbols(ctx)
	if err != nil {
		t.Fatalf("ListSymbols failed: %v", err)
	}
	if want := []string{"000660", "005930"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if err := repo.RemoveSymbol(ctx, "000660"); err != nil {
		t.Fatalf("RemoveSymbol failed: %v", err)
	}
	got, _ = repo.ListSymbols(ctx)
	if want := []string{"005930"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v after remove, got %v", want, got)
	}
}

func TestSQLiteRepoHealthJournal(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	steps := []domain.HealthTransition{
		{From: domain.HealthUnknown, To: domain.HealthStreaming, Reason: "stream connected", At: base},
		{From: domain.HealthStreaming, To: domain.HealthReconnecting, Reason: "connection lost", At: base.Add(time.Minute)},
		{From: domain.HealthReconnecting, To: domain.HealthFallback, Reason: "dial failed", At: base.Add(2 * time.Minute)},
	}
	for _, s := range steps {
		if err := repo.RecordTransition(ctx, s); err != nil {
			t.Fatalf("RecordTransition failed: %v", err)
		}
	}

	got, err := repo.RecentTransitions(ctx, 2)
	if err != nil {
		t.Fatalf("RecentTransitions failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(got))
	}
	for i, want := range []domain.HealthTransition{steps[2], steps[1]} {
		g := got[i]
		if g.From != want.From || g.To != want.To || g.Reason != want.Reason || !g.At.Equal(want.At) {
			t.Errorf("transition %d: expected %+v, got %+v", i, want, g)
		}
	}
}

func TestSQLiteRepoReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "krfeed.db")
	repo, err := New(path)
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	_ = repo.AddSymbol(context.Background(), "035720", "Kakao")
	_ = repo.Close()

	repo, err = New(path)
	if err != nil {
		t.Fatalf("failed to reopen repo: %v", err)
	}
	defer repo.Close()

	got, _ := repo.ListSymbols(context.Background())
	if len(got) != 1 || got[0] != "035720" {
		t.Errorf("expected [035720], got %v", got)
	}
}
