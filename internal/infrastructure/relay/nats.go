package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
)

// NATS relays over core NATS subjects. Topics map to subjects by turning
// ':' into '.', so "price:005930" travels as "<prefix>.price.005930".
type NATS struct {
	nc     *nats.Conn
	prefix string
	buffer int
}

func DialNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("krfeed"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Str("component", "relay").Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("component", "relay").Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("component", "relay").Str("url", nc.ConnectedUrl()).Msg("✓ NATS relay connected")
	return &NATS{nc: nc, prefix: normalizePrefix(prefix, "."), buffer: defaultBuffer}, nil
}

func (n *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	return n.nc.Publish(n.subject(topic), payload)
}

func (n *NATS) Subscribe(ctx context.Context, patterns ...string) (<-chan port.Message, error) {
	if len(patterns) == 0 {
		return nil, errNoPatterns
	}

	in := make(chan *nats.Msg, n.buffer)
	subs := make([]*nats.Subscription, 0, len(patterns))
	unsubscribe := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	for _, p := range patterns {
		s, err := n.nc.ChanSubscribe(n.subject(p), in)
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("nats subscribe %q: %w", p, err)
		}
		subs = append(subs, s)
	}
	// round-trip so the server knows the interest before we return
	if err := n.nc.Flush(); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	out := make(chan port.Message, n.buffer)
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-in:
				msg := port.Message{Topic: n.topic(m.Subject), Payload: m.Data}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}

// subject maps a topic or glob pattern to a NATS subject. A trailing "*"
// becomes the multi-token wildcard.
func (n *NATS) subject(topic string) string {
	s := strings.ReplaceAll(topic, ":", ".")
	if strings.HasSuffix(s, ".*") {
		s = strings.TrimSuffix(s, "*") + ">"
	}
	return n.prefix + s
}

func (n *NATS) topic(subject string) string {
	return strings.Replace(strings.TrimPrefix(subject, n.prefix), ".", ":", 1)
}

var _ port.Relay = (*NATS)(nil)
