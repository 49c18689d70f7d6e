// Package stream implements the push path: subscription state, provider
// event fan-out, per-connection health and circuit breaking, and the
// reconnect handshake that hands gaps to the recovery engine.
package stream

import (
	"context"
	"encoding/json"
	"time"
)

// Frame types on the wire.
const (
	FrameSubscribeAck    = "subscribe_ack"
	FrameUnsubscribeAck  = "unsubscribe_ack"
	FrameTick            = "tick"
	FrameReconnectAck    = "reconnect_ack"
	FrameRecovery        = "recovery"
	FrameRecoveryFailure = "recovery_failure"
)

// Capabilities a subscription may request.
const (
	CapQuote  = "quote"
	CapDepth  = "depth"
	CapTrade  = "trade"
	CapBroker = "broker"
	CapKline  = "kline"
)

// SubscribeRequest is the client's subscribe message.
type SubscribeRequest struct {
	Symbols           []string `json:"symbols"`
	WSCapabilityType  string   `json:"wsCapabilityType"`
	PreferredProvider string   `json:"preferredProvider,omitempty"`
}

// RejectedSymbol explains one symbol the server refused.
type RejectedSymbol struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// SubscribeAck confirms a subscribe or unsubscribe.
type SubscribeAck struct {
	Type             string           `json:"type"`
	Success          bool             `json:"success"`
	ConfirmedSymbols []string         `json:"confirmedSymbols"`
	RejectedSymbols  []RejectedSymbol `json:"rejectedSymbols,omitempty"`
	ServerTimestamp  int64            `json:"serverTimestamp"`
}

// TickMessage is one pushed canonical payload.
type TickMessage struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ClientReconnectRequest restores a session after a disconnect.
type ClientReconnectRequest struct {
	ClientID             string   `json:"clientId"`
	Symbols              []string `json:"symbols"`
	WSCapabilityType     string   `json:"wsCapabilityType"`
	PreferredProvider    string   `json:"preferredProvider,omitempty"`
	LastReceiveTimestamp int64    `json:"lastReceiveTimestamp"`
}

// TimeRange is a closed [from, to] window in epoch milliseconds.
type TimeRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// RecoveryStrategy tells the client whether and how a gap will be replayed.
type RecoveryStrategy struct {
	WillRecover         bool      `json:"willRecover"`
	TimeRange           TimeRange `json:"timeRange,omitempty"`
	EstimatedDataPoints int       `json:"estimatedDataPoints,omitempty"`
	RecoveryJobID       string    `json:"recoveryJobId,omitempty"`
	Reason              string    `json:"reason,omitempty"`
}

// ClientReconnectResponse answers a reconnect request.
type ClientReconnectResponse struct {
	Type             string           `json:"type"`
	Success          bool             `json:"success"`
	ConfirmedSymbols []string         `json:"confirmedSymbols"`
	RejectedSymbols  []RejectedSymbol `json:"rejectedSymbols,omitempty"`
	RecoveryStrategy RecoveryStrategy `json:"recoveryStrategy"`
	ServerTimestamp  int64            `json:"serverTimestamp"`
}

// RecoveryDataMessage is one replay batch.
type RecoveryDataMessage struct {
	Type          string            `json:"type"` // "recovery"
	RecoveryBatch int               `json:"recoveryBatch"`
	TotalBatches  int               `json:"totalBatches"`
	Timestamp     int64             `json:"timestamp"`
	TimeRange     TimeRange         `json:"timeRange"`
	IsLastBatch   bool              `json:"isLastBatch"`
	Data          []json.RawMessage `json:"data"`
}

// Recovery failure action hints.
const (
	ActionResubscribe    = "resubscribe"
	ActionRetryLater     = "retry_later"
	ActionContactSupport = "contact_support"
)

// RecoveryFailureMessage reports an unrecoverable replay failure.
type RecoveryFailureMessage struct {
	Type   string `json:"type"` // "recovery_failure"
	JobID  string `json:"jobId"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// ClientConn is the transport half of a connection; the WebSocket adapter
// implements it. Framing and auth live outside the core.
type ClientConn interface {
	ID() string
	Send(ctx context.Context, frame any) error
	Close() error
}

// RecoveryRequest asks the recovery engine to replay a gap to a client.
type RecoveryRequest struct {
	ClientID   string
	Symbols    []string
	Capability string
	From       time.Time
	To         time.Time
	Deliver    func(ctx context.Context, frame any) error
}

// RecoveryPlan is the engine's answer, echoed to the client.
type RecoveryPlan struct {
	JobID               string
	WillRecover         bool
	From, To            time.Time
	EstimatedDataPoints int
	Reason              string
}

// RecoveryScheduler is implemented by the recovery engine.
type RecoveryScheduler interface {
	Schedule(ctx context.Context, req RecoveryRequest) (*RecoveryPlan, error)
}
