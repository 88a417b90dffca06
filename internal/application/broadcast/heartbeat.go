package broadcast

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain/protocol"
)

// HeartbeatConfig configures the application-level ping/pong probe.
type HeartbeatConfig struct {
	PingInterval time.Duration // default 30s
	PongTimeout  time.Duration // default 90s
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		PingInterval: 30 * time.Second,
		PongTimeout:  90 * time.Second,
	}
}

// Heartbeat pings every active connection and evicts those that have not
// answered within PongTimeout. It does not rely on transport keepalive,
// which proxies may swallow.
type Heartbeat struct {
	reg  *Registry
	cfg  HeartbeatConfig
	ping []byte

	running atomic.Bool
	missed  atomic.Int64
	evicted atomic.Int64
}

func NewHeartbeat(reg *Registry, cfg HeartbeatConfig) *Heartbeat {
	def := DefaultHeartbeatConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	return &Heartbeat{
		reg:  reg,
		cfg:  cfg,
		ping: protocol.MustEncode(protocol.ServerPing{}),
	}
}

// Run sweeps every PingInterval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.running.Store(true)
	defer h.running.Store(false)

	log.Info().
		Str("component", "heartbeat").
		Dur("ping_interval", h.cfg.PingInterval).
		Dur("pong_timeout", h.cfg.PongTimeout).
		Msg("heartbeat monitor started")

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "heartbeat").Msg("heartbeat monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			h.sweep(h.reg.now())
		}
	}
}

// sweep evicts stale connections, then pings the rest.
func (h *Heartbeat) sweep(now time.Time) int {
	stale := h.reg.Stale(now.Add(-h.cfg.PongTimeout))
	for _, id := range stale {
		if h.reg.Evict(id, CloseGoingAway, "heartbeat timeout") {
			h.evicted.Add(1)
		}
	}

	for _, t := range h.reg.All() {
		if err := t.Transport.Send(h.ping); err != nil {
			// counted as a missed pong; eviction follows from the timeout
			h.missed.Add(1)
			log.Debug().Str("component", "heartbeat").Str("conn", t.ID).Err(err).Msg("ping not sent")
		}
	}
	return len(stale)
}

func (h *Heartbeat) Running() bool { return h.running.Load() }

func (h *Heartbeat) Evicted() int64 { return h.evicted.Load() }

func (h *Heartbeat) MissedPings() int64 { return h.missed.Load() }
