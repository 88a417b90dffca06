// Package protocol defines the client WebSocket message set.
//
// Inbound frames decode into a closed set of variants that callers match
// with a type switch; outbound variants encode to the JSON wire form.
package protocol

import (
	"encoding/json"
	"strings"
)

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
)

// Inbound is implemented by every decoded client message.
type Inbound interface {
	inbound()
}

type Subscribe struct{ Topic string }

type Unsubscribe struct{ Topic string }

// Pong answers a server ping.
type Pong struct{}

// Ping is a client-initiated liveness probe; the server answers with Pong.
type Ping struct{}

// Unknown carries a well-formed message with an unrecognised type.
type Unknown struct{ Type string }

// Malformed is a frame that is not a JSON object with a string type.
type Malformed struct{ Err error }

func (Subscribe) inbound()   {}
func (Unsubscribe) inbound() {}
func (Pong) inbound()        {}
func (Ping) inbound()        {}
func (Unknown) inbound()     {}
func (Malformed) inbound()   {}

type wireIn struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// Decode never fails; invalid input yields Malformed.
func Decode(raw []byte) Inbound {
	var w wireIn
	if err := json.Unmarshal(raw, &w); err != nil {
		return Malformed{Err: err}
	}
	topic := strings.TrimSpace(w.Topic)
	switch w.Type {
	case TypeSubscribe:
		return Subscribe{Topic: topic}
	case TypeUnsubscribe:
		return Unsubscribe{Topic: topic}
	case TypePong:
		return Pong{}
	case TypePing:
		return Ping{}
	default:
		return Unknown{Type: w.Type}
	}
}
