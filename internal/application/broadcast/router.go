package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain/protocol"
)

// RouterPatterns are the relay patterns the router consumes.
var RouterPatterns = []string{domain.TopicPricePrefix + "*", domain.TopicBroadcast, "system:*"}

// Router consumes market events from the relay and fans them out to the
// registry's subscribers. A single goroutine consumes the relay, so a
// topic's events are enqueued to each connection in publish order.
type Router struct {
	relay port.Relay
	reg   *Registry

	resubscribeWait time.Duration

	healthMu sync.RWMutex
	health   domain.HealthTransition

	received  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	invalid   atomic.Int64
}

// RouterStats are the router counters exposed through /stats.
type RouterStats struct {
	Received     int64               `json:"received"`
	Delivered    int64               `json:"delivered"`
	FailedSends  int64               `json:"failed_sends"`
	Invalid      int64               `json:"invalid"`
	BridgeHealth domain.BridgeHealth `json:"bridge_health"`
	HealthSince  time.Time           `json:"bridge_health_since,omitempty"`
}

func NewRouter(relay port.Relay, reg *Registry) *Router {
	return &Router{
		relay:           relay,
		reg:             reg,
		resubscribeWait: time.Second,
		health:          domain.HealthTransition{To: domain.HealthUnknown},
	}
}

// Run consumes the relay until ctx is done. If the relay subscription ends
// while ctx is still live it subscribes again; only new events follow.
func (r *Router) Run(ctx context.Context) error {
	for {
		msgs, err := r.relay.Subscribe(ctx, RouterPatterns...)
		if err != nil {
			log.Error().Str("component", "router").Err(err).Msg("relay subscribe failed")
		} else {
			log.Info().Str("component", "router").Strs("patterns", RouterPatterns).Msg("router subscribed")
			for msg := range msgs {
				r.handle(msg)
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Str("component", "router").Dur("wait", r.resubscribeWait).Msg("relay subscription ended, resubscribing")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.resubscribeWait):
		}
	}
}

func (r *Router) handle(msg port.Message) {
	r.received.Add(1)

	if strings.HasPrefix(msg.Topic, "system:") {
		r.handleSystem(msg)
		return
	}

	var ev domain.MarketEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		r.invalid.Add(1)
		log.Warn().Str("component", "router").Str("topic", msg.Topic).Err(err).Msg("drop undecodable event")
		return
	}
	// the relay topic wins over the embedded one
	ev.Topic = msg.Topic
	r.Deliver(ev)
}

func (r *Router) handleSystem(msg port.Message) {
	if msg.Topic != domain.TopicBridgeHealth {
		return
	}
	var t domain.HealthTransition
	if err := json.Unmarshal(msg.Payload, &t); err != nil {
		r.invalid.Add(1)
		return
	}
	r.healthMu.Lock()
	r.health = t
	r.healthMu.Unlock()
	log.Info().Str("component", "router").Str("from", string(t.From)).Str("to", string(t.To)).Msg("bridge health changed")
}

// Deliver encodes ev once and enqueues it to every subscriber of its topic
// (every connection for a global event). A connection that cannot accept
// the message is evicted; the others are unaffected. It returns the number
// of successful enqueues.
func (r *Router) Deliver(ev domain.MarketEvent) int {
	payload, err := protocol.Encode(protocol.PriceUpdateFrom(ev))
	if err != nil {
		r.invalid.Add(1)
		return 0
	}

	var targets []Target
	if ev.IsGlobal() {
		targets = r.reg.All()
	} else {
		targets = r.reg.Subscribers(ev.Topic)
	}

	sent := 0
	for _, t := range targets {
		if err := t.Transport.Send(payload); err != nil {
			r.failed.Add(1)
			log.Warn().Str("component", "router").Str("conn", t.ID).Err(err).Msg("send failed, evicting")
			r.reg.Evict(t.ID, CloseGoingAway, "send failed")
			continue
		}
		sent++
	}
	r.delivered.Add(int64(sent))
	return sent
}

// BridgeHealth is the last health transition seen on the relay.
func (r *Router) BridgeHealth() domain.HealthTransition {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	return r.health
}

func (r *Router) Stats() RouterStats {
	h := r.BridgeHealth()
	return RouterStats{
		Received:     r.received.Load(),
		Delivered:    r.delivered.Load(),
		FailedSends:  r.failed.Load(),
		Invalid:      r.invalid.Load(),
		BridgeHealth: h.To,
		HealthSince:  h.At,
	}
}
