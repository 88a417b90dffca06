// Package relay provides the pub/sub channel between the ingestion bridge
// and the broadcast servers. The driver is picked from the URL scheme.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
)

const defaultBuffer = 4096

var (
	errClosed     = errors.New("relay closed")
	errNoPatterns = errors.New("no subscribe patterns")
)

// Open returns the relay for rawURL: memory:// (or empty), redis://,
// rediss:// or nats://.
func Open(ctx context.Context, rawURL, prefix string) (port.Relay, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return NewMemory(), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}

	switch u.Scheme {
	case "memory":
		return NewMemory(), nil
	case "redis", "rediss":
		return DialRedis(ctx, rawURL, prefix)
	case "nats", "tls":
		return DialNATS(rawURL, prefix)
	default:
		return nil, fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
}

func normalizePrefix(prefix, sep string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || strings.HasSuffix(prefix, sep) {
		return prefix
	}
	return prefix + sep
}
