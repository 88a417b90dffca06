package monitor

import (
	"sort"
	"sync"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

type pxState struct {
	price  float64
	rate   float64
	source domain.Source
	dir    Dir
	has    bool
}

// State is the latest quote per symbol as seen on the relay, plus the
// bridge health.
type State struct {
	mu sync.Mutex

	// fixed means only the configured symbols are tracked
	fixed  bool
	order  []string
	syms   map[string]*pxState
	health domain.BridgeHealth
}

func NewState(symbols []string) *State {
	order := domain.NormalizeSymbols(symbols)
	syms := make(map[string]*pxState, len(order))
	for _, s := range order {
		syms[s] = &pxState{}
	}
	return &State{fixed: len(order) > 0, order: order, syms: syms, health: domain.HealthUnknown}
}

func (s *State) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Apply records a quote and reports whether the display changed.
func (s *State) Apply(q domain.Quote, src domain.Source) bool {
	sym := domain.NormalizeSymbol(q.Symbol)
	if sym == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ps := s.syms[sym]
	if ps == nil {
		if s.fixed {
			return false
		}
		ps = &pxState{}
		s.syms[sym] = ps
		i := sort.SearchStrings(s.order, sym)
		s.order = append(s.order, "")
		copy(s.order[i+1:], s.order[i:])
		s.order[i] = sym
	}

	if ps.has && ps.price == q.Price && ps.source == src {
		return false
	}

	switch {
	case !ps.has:
		ps.dir = DirSame
	case q.Price > ps.price:
		ps.dir = DirUp
	case q.Price < ps.price:
		ps.dir = DirDown
	default:
		ps.dir = DirSame
	}
	ps.price = q.Price
	ps.rate = q.ChangeRate
	ps.source = src
	ps.has = true
	return true
}

// SetHealth reports whether h differs from the current health.
func (s *State) SetHealth(h domain.BridgeHealth) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health == h {
		return false
	}
	s.health = h
	return true
}

func (s *State) Health() domain.BridgeHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *State) Snapshot() map[string]pxState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]pxState, len(s.syms))
	for k, v := range s.syms {
		out[k] = *v
	}
	return out
}
