package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePriceUpdate  = "price_update"
	TypeError        = "error"
)

// Outbound is implemented by every server message.
type Outbound interface {
	outbound()
}

type Connected struct{ ClientID string }

type Subscribed struct{ Topic string }

type Unsubscribed struct{ Topic string }

type PriceUpdate struct {
	Ticker    string
	Data      domain.Quote
	Timestamp int64
}

// ServerPing asks the client to answer with {"type":"pong"}.
type ServerPing struct{}

// ServerPong answers a client ping.
type ServerPong struct{}

type Error struct{ Message string }

func (Connected) outbound()    {}
func (Subscribed) outbound()   {}
func (Unsubscribed) outbound() {}
func (PriceUpdate) outbound()  {}
func (ServerPing) outbound()   {}
func (ServerPong) outbound()   {}
func (Error) outbound()        {}

type wireOut struct {
	Type      string        `json:"type"`
	ClientID  string        `json:"client_id,omitempty"`
	Topic     string        `json:"topic,omitempty"`
	Ticker    string        `json:"ticker,omitempty"`
	Data      *domain.Quote `json:"data,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Message   string        `json:"message,omitempty"`
}

func Encode(m Outbound) ([]byte, error) {
	var w wireOut
	switch m := m.(type) {
	case Connected:
		w = wireOut{Type: TypeConnected, ClientID: m.ClientID}
	case Subscribed:
		w = wireOut{Type: TypeSubscribed, Topic: m.Topic}
	case Unsubscribed:
		w = wireOut{Type: TypeUnsubscribed, Topic: m.Topic}
	case PriceUpdate:
		data := m.Data
		w = wireOut{Type: TypePriceUpdate, Ticker: m.Ticker, Data: &data, Timestamp: m.Timestamp}
	case ServerPing:
		w = wireOut{Type: TypePing}
	case ServerPong:
		w = wireOut{Type: TypePong}
	case Error:
		w = wireOut{Type: TypeError, Message: m.Message}
	default:
		return nil, fmt.Errorf("protocol: unsupported outbound %T", m)
	}
	return json.Marshal(w)
}

// MustEncode is for messages built from constant input.
func MustEncode(m Outbound) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

// Canned error replies.
var (
	ErrInvalidJSON   = Error{Message: "Invalid JSON"}
	ErrTopicRequired = Error{Message: "Topic is required"}
)

// UnknownType builds the error reply for an unrecognised inbound type.
func UnknownType(t string) Error {
	return Error{Message: "Unknown message type: " + t}
}

// PriceUpdateFrom converts a relay event to the client message.
func PriceUpdateFrom(ev domain.MarketEvent) PriceUpdate {
	ts := ev.Payload.Timestamp
	return PriceUpdate{Ticker: ev.Payload.Symbol, Data: ev.Payload, Timestamp: ts}
}
