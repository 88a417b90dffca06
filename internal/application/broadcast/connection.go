package broadcast

import (
	"errors"
	"time"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrConnectionClosing = errors.New("connection closing")
)

// Close codes used when the server ends a connection.
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// Transport is the outbound half of a client connection. Send enqueues and
// must never block; an error means the message was not accepted.
type Transport interface {
	Send(msg []byte) error
	Close(code int, reason string) error
}

// State of a connection. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// connection is only touched with Registry.mu held.
type connection struct {
	id          string
	transport   Transport
	topics      map[string]struct{}
	lastPong    time.Time
	connectedAt time.Time
	state       State
}

func (c *connection) advance(s State) bool {
	if s <= c.state {
		return false
	}
	c.state = s
	return true
}

// Target is a fan-out destination handed out by the Registry.
type Target struct {
	ID        string
	Transport Transport
}

// ConnInfo is a read-only copy of a connection's bookkeeping.
type ConnInfo struct {
	ID          string
	State       State
	Topics      []string
	LastPong    time.Time
	ConnectedAt time.Time
}
