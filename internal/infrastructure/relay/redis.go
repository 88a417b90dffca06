package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
)

// Redis relays over Redis PUBLISH / PSUBSCRIBE. Channels are namespaced
// with prefix so several deployments can share one server.
type Redis struct {
	rdb    *redis.Client
	prefix string
	buffer int
	owned  bool
}

// NewRedis wraps an existing client; the caller keeps ownership of rdb.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: normalizePrefix(prefix, ":"), buffer: defaultBuffer}
}

// DialRedis connects using a redis:// URL and checks the server with PING.
func DialRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	r := NewRedis(rdb, prefix)
	r.owned = true
	log.Info().Str("component", "relay").Str("addr", opts.Addr).Int("db", opts.DB).Msg("✓ Redis relay connected")
	return r, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.rdb.Publish(ctx, r.prefix+topic, payload).Err()
}

// Subscribe returns once the server has confirmed every pattern, so
// messages published after it returns are delivered.
func (r *Redis) Subscribe(ctx context.Context, patterns ...string) (<-chan port.Message, error) {
	if len(patterns) == 0 {
		return nil, errNoPatterns
	}
	prefixed := make([]string, len(patterns))
	for i, p := range patterns {
		prefixed[i] = r.prefix + p
	}

	ps := r.rdb.PSubscribe(ctx, prefixed...)
	for range prefixed {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("psubscribe %v: %w", patterns, err)
		}
	}

	in := ps.Channel()
	out := make(chan port.Message, r.buffer)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg := port.Message{
					Topic:   strings.TrimPrefix(m.Channel, r.prefix),
					Payload: []byte(m.Payload),
				}
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

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.rdb.Close()
}

var _ port.Relay = (*Redis)(nil)
