package port

import (
	"context"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

// Authenticator owns the broker session.
type Authenticator interface {
	// Authenticate obtains a token and any stream credentials.
	Authenticate(ctx context.Context) error
	// Run refreshes the token before expiry until ctx is done. It returns
	// a non-nil error only when refresh failed fatally.
	Run(ctx context.Context) error
}

// QuoteStream dials the broker's streaming endpoint.
type QuoteStream interface {
	Connect(ctx context.Context) (StreamConn, error)
}

// StreamConn is one live streaming session.
type StreamConn interface {
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
	// Frames yields raw data frames; control frames are handled internally.
	Frames() <-chan []byte
	// Done is closed when the session ends; Err then reports why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// FrameParser normalizes a raw broker frame. It returns an error wrapping
// domain.ErrProtocol for frames it cannot understand.
type FrameParser interface {
	Parse(raw []byte) ([]domain.Quote, error)
}

// QuoteSnapshotter fetches one quote over REST, used while polling.
type QuoteSnapshotter interface {
	Snapshot(ctx context.Context, symbol string) (domain.Quote, error)
}
