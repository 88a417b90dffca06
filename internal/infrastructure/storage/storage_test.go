package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none"} {
		s, err := Open(d, "")
		if err != nil || s != nil {
			t.Errorf("Open(%q) = %v, %v; want nil store", d, s, err)
		}
	}
}

func TestOpenSQLite(t *testing.T) {
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "krfeed.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.AddSymbol(context.Background(), "005930", ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	syms, err := s.ListSymbols(context.Background())
	if err != nil || len(syms) != 1 {
		t.Errorf("list = %v, %v", syms, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Error("expected error")
	}
}
