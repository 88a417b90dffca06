package domain

import (
	"strings"
	"time"
)

// Source identifies which ingestion path produced an event.
type Source string

const (
	SourceStream   Source = "STREAM"
	SourceFallback Source = "FALLBACK"
)

const (
	// TopicPricePrefix prefixes per-symbol price topics, e.g. "price:005930".
	TopicPricePrefix = "price:"
	// TopicBroadcast carries events delivered to every connection.
	TopicBroadcast = "broadcast"
	// TopicBridgeHealth carries bridge health transitions between tiers.
	TopicBridgeHealth = "system:bridge"
)

// Quote is one normalized market update for a symbol.
type Quote struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Change     float64 `json:"change"`
	ChangeRate float64 `json:"change_rate"`
	Volume     int64   `json:"volume"`
	Timestamp  int64   `json:"timestamp"` // unix ms
}

// MarketEvent is what the bridge publishes to the relay.
type MarketEvent struct {
	Topic   string `json:"topic"`
	Payload Quote  `json:"payload"`
	Source  Source `json:"source"`
}

// NewPriceEvent wraps a quote into an event on its price topic.
func NewPriceEvent(q Quote, src Source) MarketEvent {
	return MarketEvent{Topic: PriceTopic(q.Symbol), Payload: q, Source: src}
}

// IsGlobal reports whether the event goes to every connection.
func (e MarketEvent) IsGlobal() bool {
	return e.Topic == "" || e.Topic == TopicBroadcast
}

// Time returns the quote timestamp, or the zero time if unset.
func (q Quote) Time() time.Time {
	if q.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(q.Timestamp)
}

func PriceTopic(symbol string) string {
	return TopicPricePrefix + NormalizeSymbol(symbol)
}

// SymbolFromTopic extracts the symbol of a price topic.
func SymbolFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, TopicPricePrefix) {
		return "", false
	}
	s := NormalizeSymbol(strings.TrimPrefix(topic, TopicPricePrefix))
	return s, s != ""
}

func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols trims, upper-cases and de-duplicates, keeping first-seen order.
func NormalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := NormalizeSymbol(s)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
