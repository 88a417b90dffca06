// Package monitor taps the relay and renders live prices and bridge health
// on an operator terminal.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

var errRelayClosed = errors.New("relay subscription closed")

type ServiceDeps struct {
	Relay      port.Relay
	Symbols    []string // empty taps every price topic
	PrintEvery time.Duration
	Color      bool
	Sink       port.Sink
}

type Service struct {
	deps ServiceDeps
	st   *State
	fmt  *Formatter
}

func NewService(deps ServiceDeps) *Service {
	if deps.PrintEvery <= 0 {
		deps.PrintEvery = time.Minute
	}
	return &Service{
		deps: deps,
		st:   NewState(deps.Symbols),
		fmt:  NewFormatter(deps.Color),
	}
}

func (s *Service) patterns() []string {
	out := []string{domain.TopicBridgeHealth}
	syms := s.st.Symbols()
	if len(syms) == 0 {
		return append(out, domain.TopicPricePrefix+"*")
	}
	for _, sym := range syms {
		out = append(out, domain.PriceTopic(sym))
	}
	return out
}

func (s *Service) Run(ctx context.Context) error {
	patterns := s.patterns()
	msgs, err := s.deps.Relay.Subscribe(ctx, patterns...)
	if err != nil {
		return fmt.Errorf("tap subscribe: %w", err)
	}
	log.Info().Str("component", "monitor").Strs("patterns", patterns).Msg("relay tap started")

	snapTicker := time.NewTicker(s.deps.PrintEvery)
	defer snapTicker.Stop()

	_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))

	for {
		select {
		case <-ctx.Done():
			_ = s.deps.Sink.NewLine()
			return ctx.Err()

		case now := <-snapTicker.C:
			_ = s.deps.Sink.WriteSnapshot(now, s.fmt.Render(s.st, RenderSnapshot))

		case msg, ok := <-msgs:
			if !ok {
				_ = s.deps.Sink.NewLine()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errRelayClosed
			}
			s.handle(msg)
		}
	}
}

func (s *Service) handle(msg port.Message) {
	if msg.Topic == domain.TopicBridgeHealth {
		var t domain.HealthTransition
		if err := json.Unmarshal(msg.Payload, &t); err != nil {
			log.Debug().Str("component", "monitor").Err(err).Msg("bad health payload")
			return
		}
		if !s.st.SetHealth(t.To) {
			return
		}
		at := t.At
		if at.IsZero() {
			at = time.Now()
		}
		line := fmt.Sprintf("bridge %s -> %s", t.From, t.To)
		if t.Reason != "" {
			line += " (" + t.Reason + ")"
		}
		_ = s.deps.Sink.WriteSnapshot(at, line)
		_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))
		return
	}

	var ev domain.MarketEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		log.Debug().Str("component", "monitor").Str("topic", msg.Topic).Err(err).Msg("bad event payload")
		return
	}
	if s.st.Apply(ev.Payload, ev.Source) {
		_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))
	}
}
