package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical event envelope. All notifications published to
// NATS follow this format. StealthAddr is the one-time recipient address the
// event is directed to; correlation runs on ids, never on base identities.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	StealthAddr   string          `json:"stealth_addr,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// RequestEvent notifies a lifecycle transition on a quote request.
type RequestEvent struct {
	RequestID uuid.UUID     `json:"request_id"`
	Status    RequestStatus `json:"status"`
	QuoteID   *uuid.UUID    `json:"quote_id,omitempty"` // winning quote, FILLED only
}

// OrderEvent notifies a lifecycle transition on a dark pool order.
type OrderEvent struct {
	OrderID   uuid.UUID   `json:"order_id"`
	Status    OrderStatus `json:"status"`
	FillSize  string      `json:"fill_size,omitempty"` // decimal string, fills only
	Remaining string      `json:"remaining,omitempty"`
}

// TradeEvent notifies a finalized settlement. Only commitments and the
// transaction reference are carried; values stay behind the disclosure policy.
type TradeEvent struct {
	TradeID     uuid.UUID  `json:"trade_id"`
	Kind        TradeKind  `json:"kind"`
	ChainID     string     `json:"chain_id"`
	TxRef       string     `json:"tx_ref"`
	PriceCommit Commitment `json:"price_commitment"`
	SizeCommit  Commitment `json:"size_commitment"`
}
