package domain

import "time"

// BridgeHealth is the ingestion state reported to monitoring.
type BridgeHealth string

const (
	HealthUnknown      BridgeHealth = "unknown"
	HealthStreaming    BridgeHealth = "streaming"
	HealthReconnecting BridgeHealth = "reconnecting"
	HealthFallback     BridgeHealth = "fallback-polling"
)

// HealthTransition is published on TopicBridgeHealth and journaled.
type HealthTransition struct {
	From   BridgeHealth `json:"from"`
	To     BridgeHealth `json:"to"`
	Reason string       `json:"reason,omitempty"`
	At     time.Time    `json:"at"`
}
