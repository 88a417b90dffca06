// Package bridge keeps a live broker quote stream and republishes every
// quote as a market event on the relay. When the stream keeps failing it
// falls back to REST polling until the stream recovers.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

// Config controls reconnect, fallback and watchlist behaviour.
type Config struct {
	Symbols []string

	BackoffBase   time.Duration // default 1s
	BackoffMax    time.Duration // default 60s
	BackoffJitter float64       // default 0.1
	StableAfter   time.Duration // default 60s

	AuthRetries int // default 5

	FallbackThreshold int           // default 3
	FallbackWindow    time.Duration // default 2m
	PollInterval      time.Duration // default 3s
	RecoverAfter      time.Duration // default 30s

	WatchlistRefresh time.Duration // default 1m
}

func (c *Config) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.BackoffJitter == 0 {
		c.BackoffJitter = 0.1
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.AuthRetries <= 0 {
		c.AuthRetries = 5
	}
	if c.FallbackThreshold <= 0 {
		c.FallbackThreshold = 3
	}
	if c.FallbackWindow <= 0 {
		c.FallbackWindow = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.RecoverAfter <= 0 {
		c.RecoverAfter = 30 * time.Second
	}
	if c.WatchlistRefresh <= 0 {
		c.WatchlistRefresh = time.Minute
	}
}

// Deps are the adapters the bridge drives. Journal and Watchlist are optional.
type Deps struct {
	Auth      port.Authenticator
	Stream    port.QuoteStream
	Parser    port.FrameParser
	Snapshots port.QuoteSnapshotter
	Relay     port.Relay
	Journal   port.HealthJournal
	Watchlist port.Watchlist
}

// Stats are the bridge counters.
type Stats struct {
	Health      domain.BridgeHealth `json:"health"`
	HealthSince time.Time           `json:"health_since"`
	Symbols     int                 `json:"symbols"`
	Streaming   bool                `json:"stream_live"`
	Published   int64               `json:"published"`
	Dropped     int64               `json:"dropped_frames"`
	Reconnects  int64               `json:"reconnects"`
	Polls       int64               `json:"polls"`
	PollErrors  int64               `json:"poll_errors"`
}

type Service struct {
	cfg  Config
	deps Deps

	// ctlMu serialises broker control traffic and the symbol set.
	ctlMu   sync.Mutex
	symbols map[string]struct{}

	mu          sync.Mutex
	conn        port.StreamConn
	health      domain.BridgeHealth
	healthSince time.Time
	losses      []time.Time

	now func() time.Time

	published  atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
	polls      atomic.Int64
	pollErrors atomic.Int64
}

func NewService(cfg Config, deps Deps) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:     cfg,
		deps:    deps,
		symbols: make(map[string]struct{}),
		health:  domain.HealthUnknown,
		now:     time.Now,
	}
	for _, sym := range domain.NormalizeSymbols(cfg.Symbols) {
		s.symbols[sym] = struct{}{}
	}
	return s
}

// Run authenticates, then keeps the stream alive until ctx is done. It
// only returns an error when authentication is exhausted.
func (s *Service) Run(ctx context.Context) error {
	if err := s.authenticate(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.deps.Auth.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Str("component", "bridge").Err(err).Msg("token refresh loop stopped")
		}
	}()
	go func() {
		defer wg.Done()
		s.pollLoop(ctx)
	}()
	if s.deps.Watchlist != nil {
		s.refreshWatchlist(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watchlistLoop(ctx)
		}()
	}

	s.streamLoop(ctx)
	wg.Wait()
	return nil
}

func (s *Service) authenticate(ctx context.Context) error {
	bo := NewBackoff(s.cfg.BackoffBase, s.cfg.BackoffMax, s.cfg.BackoffJitter)
	var err error
	for attempt := 1; attempt <= s.cfg.AuthRetries; attempt++ {
		if err = s.deps.Auth.Authenticate(ctx); err == nil {
			log.Info().Str("component", "bridge").Msg("✓ broker session established")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := bo.Next()
		if errors.Is(err, domain.ErrRateLimit) {
			delay = bo.NextRateLimited()
		}
		log.Warn().Str("component", "bridge").Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("authentication failed")
		if attempt < s.cfg.AuthRetries && !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("authenticate after %d attempts: %w", s.cfg.AuthRetries, err)
}

func (s *Service) streamLoop(ctx context.Context) {
	bo := NewBackoff(s.cfg.BackoffBase, s.cfg.BackoffMax, s.cfg.BackoffJitter)
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.deps.Stream.Connect(ctx)
		if err == nil {
			err = s.attach(ctx, conn)
			if err != nil {
				_ = conn.Close()
			} else {
				err = s.consume(ctx, conn, bo)
				s.detach(conn)
			}
		}
		if ctx.Err() != nil {
			return
		}

		s.recordLoss(ctx, err)
		delay := bo.Next()
		if errors.Is(err, domain.ErrRateLimit) {
			delay = bo.NextRateLimited()
		}
		log.Warn().Str("component", "bridge").Err(err).Dur("retry_in", delay).Int("attempt", bo.Attempt()).Msg("stream down, reconnecting")
		if !sleep(ctx, delay) {
			return
		}
	}
}

// attach makes conn the live stream and subscribes the full symbol set.
func (s *Service) attach(ctx context.Context, conn port.StreamConn) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if syms := s.symbolsLocked(); len(syms) > 0 {
		if err := conn.Subscribe(ctx, syms); err != nil {
			return fmt.Errorf("resubscribe %d symbols: %w", len(syms), err)
		}
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if s.Health() != domain.HealthFallback {
		s.setHealth(ctx, domain.HealthStreaming, "stream connected")
	}
	log.Info().Str("component", "bridge").Int("symbols", len(s.symbols)).Msg("stream connected & subscribed")
	return nil
}

func (s *Service) detach(conn port.StreamConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// consume forwards frames until the stream ends. Staying up for
// StableAfter resets the backoff; staying up for RecoverAfter ends
// fallback polling.
func (s *Service) consume(ctx context.Context, conn port.StreamConn, bo *Backoff) error {
	stable := time.NewTimer(s.cfg.StableAfter)
	defer stable.Stop()
	recovered := time.NewTimer(s.cfg.RecoverAfter)
	defer recovered.Stop()

	frames := conn.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-frames:
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return domain.ErrConnectionLost
			}
			s.handleFrame(ctx, raw)
		case <-stable.C:
			bo.Reset()
		case <-recovered.C:
			if s.Health() == domain.HealthFallback {
				s.clearLosses()
				s.setHealth(ctx, domain.HealthStreaming, "stream recovered")
			}
		}
	}
}

// handleFrame publishes the quotes of one stream frame. Malformed frames
// are dropped and counted.
func (s *Service) handleFrame(ctx context.Context, raw []byte) {
	quotes, err := s.deps.Parser.Parse(raw)
	if err != nil {
		s.dropped.Add(1)
		log.Debug().Str("component", "bridge").Err(err).Int("len", len(raw)).Msg("drop frame")
		return
	}
	for _, q := range quotes {
		s.publish(ctx, q, domain.SourceStream)
	}
}

func (s *Service) publish(ctx context.Context, q domain.Quote, src domain.Source) {
	ev := domain.NewPriceEvent(q, src)
	b, err := json.Marshal(ev)
	if err != nil {
		s.dropped.Add(1)
		return
	}
	if err := s.deps.Relay.Publish(ctx, ev.Topic, b); err != nil {
		log.Warn().Str("component", "bridge").Str("topic", ev.Topic).Err(err).Msg("relay publish failed")
		return
	}
	s.published.Add(1)
}

func (s *Service) recordLoss(ctx context.Context, cause error) {
	s.reconnects.Add(1)
	now := s.now()

	s.mu.Lock()
	cutoff := now.Add(-s.cfg.FallbackWindow)
	kept := s.losses[:0]
	for _, t := range s.losses {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.losses = append(kept, now)
	n := len(s.losses)
	s.mu.Unlock()

	reason := "stream lost"
	if cause != nil {
		reason = cause.Error()
	}
	switch {
	case n >= s.cfg.FallbackThreshold:
		s.setHealth(ctx, domain.HealthFallback, reason)
	case s.Health() != domain.HealthFallback:
		s.setHealth(ctx, domain.HealthReconnecting, reason)
	}
}

func (s *Service) clearLosses() {
	s.mu.Lock()
	s.losses = s.losses[:0]
	s.mu.Unlock()
}

func (s *Service) setHealth(ctx context.Context, to domain.BridgeHealth, reason string) {
	s.mu.Lock()
	if s.health == to {
		s.mu.Unlock()
		return
	}
	t := domain.HealthTransition{From: s.health, To: to, Reason: reason, At: s.now().UTC()}
	s.health = to
	s.healthSince = t.At
	s.mu.Unlock()

	log.Info().Str("component", "bridge").Str("from", string(t.From)).Str("to", string(t.To)).Str("reason", reason).Msg("bridge health changed")

	if b, err := json.Marshal(t); err == nil {
		if err := s.deps.Relay.Publish(ctx, domain.TopicBridgeHealth, b); err != nil {
			log.Warn().Str("component", "bridge").Err(err).Msg("publish health failed")
		}
	}
	if s.deps.Journal != nil {
		if err := s.deps.Journal.RecordTransition(ctx, t); err != nil {
			log.Warn().Str("component", "bridge").Err(err).Msg("journal health failed")
		}
	}
}

// pollLoop polls REST snapshots while in fallback with no live stream.
func (s *Service) pollLoop(ctx context.Context) {
	bo := NewBackoff(s.cfg.PollInterval, s.cfg.BackoffMax, s.cfg.BackoffJitter)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.shouldPoll() {
			continue
		}

		err := s.pollOnce(ctx)
		if err == nil {
			bo.Reset()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.pollErrors.Add(1)
		delay := bo.Next()
		if errors.Is(err, domain.ErrRateLimit) {
			delay = bo.NextRateLimited()
		}
		log.Warn().Str("component", "bridge").Err(err).Dur("retry_in", delay).Msg("fallback poll failed")
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (s *Service) shouldPoll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health == domain.HealthFallback && s.conn == nil
}

// pollOnce fetches every symbol once. A rate-limit response ends the round.
func (s *Service) pollOnce(ctx context.Context) error {
	s.polls.Add(1)
	var errs []error
	for _, sym := range s.Symbols() {
		q, err := s.deps.Snapshots.Snapshot(ctx, sym)
		if err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", sym, err))
			if errors.Is(err, domain.ErrRateLimit) || ctx.Err() != nil {
				break
			}
			continue
		}
		s.publish(ctx, q, domain.SourceFallback)
	}
	return errors.Join(errs...)
}

func (s *Service) watchlistLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchlistRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshWatchlist(ctx)
		}
	}
}

// refreshWatchlist syncs to the configured symbols plus the stored watchlist.
func (s *Service) refreshWatchlist(ctx context.Context) {
	stored, err := s.deps.Watchlist.ListSymbols(ctx)
	if err != nil {
		log.Warn().Str("component", "bridge").Err(err).Msg("load watchlist failed")
		return
	}
	want := append(append([]string(nil), s.cfg.Symbols...), stored...)
	if err := s.SyncSymbols(ctx, want); err != nil {
		log.Warn().Str("component", "bridge").Err(err).Msg("watchlist sync failed")
	}
}

// Subscribe adds symbols; only ones not already tracked reach the broker.
func (s *Service) Subscribe(ctx context.Context, symbols []string) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	var added []string
	for _, sym := range domain.NormalizeSymbols(symbols) {
		if _, ok := s.symbols[sym]; !ok {
			s.symbols[sym] = struct{}{}
			added = append(added, sym)
		}
	}
	if len(added) == 0 {
		return nil
	}
	if conn := s.liveConn(); conn != nil {
		if err := conn.Subscribe(ctx, added); err != nil {
			return fmt.Errorf("subscribe %v: %w", added, err)
		}
	}
	log.Info().Str("component", "bridge").Strs("symbols", added).Msg("symbols added")
	return nil
}

// Unsubscribe removes symbols; untracked ones are ignored.
func (s *Service) Unsubscribe(ctx context.Context, symbols []string) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	var removed []string
	for _, sym := range domain.NormalizeSymbols(symbols) {
		if _, ok := s.symbols[sym]; ok {
			delete(s.symbols, sym)
			removed = append(removed, sym)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if conn := s.liveConn(); conn != nil {
		if err := conn.Unsubscribe(ctx, removed); err != nil {
			return fmt.Errorf("unsubscribe %v: %w", removed, err)
		}
	}
	log.Info().Str("component", "bridge").Strs("symbols", removed).Msg("symbols removed")
	return nil
}

// SyncSymbols makes the tracked set equal to symbols, sending only the delta.
func (s *Service) SyncSymbols(ctx context.Context, symbols []string) error {
	want := make(map[string]struct{})
	for _, sym := range domain.NormalizeSymbols(symbols) {
		want[sym] = struct{}{}
	}

	var stale []string
	s.ctlMu.Lock()
	for sym := range s.symbols {
		if _, ok := want[sym]; !ok {
			stale = append(stale, sym)
		}
	}
	s.ctlMu.Unlock()
	sort.Strings(stale)

	if err := s.Unsubscribe(ctx, stale); err != nil {
		return err
	}
	return s.Subscribe(ctx, symbols)
}

// Symbols returns the tracked symbols in sorted order.
func (s *Service) Symbols() []string {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	return s.symbolsLocked()
}

func (s *Service) symbolsLocked() []string {
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Service) liveConn() port.StreamConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Service) Health() domain.BridgeHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Health:      s.health,
		HealthSince: s.healthSince,
		Streaming:   s.conn != nil,
	}
	s.mu.Unlock()
	st.Symbols = len(s.Symbols())
	st.Published = s.published.Load()
	st.Dropped = s.dropped.Load()
	st.Reconnects = s.reconnects.Load()
	st.Polls = s.polls.Load()
	st.PollErrors = s.pollErrors.Load()
	return st
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
