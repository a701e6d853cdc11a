package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Commitment is a hex-encoded binding, hiding commitment to a trade parameter.
// The blinding factor never leaves the committer; a Commitment on its own
// reveals nothing about the committed value.
type Commitment string

func (c Commitment) IsZero() bool { return c == "" }

func (c Commitment) Equal(other Commitment) bool { return c == other }

// Side of a request or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the counterparty side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType of a dark pool order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// Pair identifies the traded asset pair.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

func (p Pair) Equal(other Pair) bool { return p.Base == other.Base && p.Quote == other.Quote }

// QuoteRequest is an RFQ negotiation record. It is created once, mutated only
// by lifecycle transitions, and frozen after reaching a terminal status.
type QuoteRequest struct {
	ID            uuid.UUID     `json:"id"`
	Pair          Pair          `json:"pair"`
	Side          Side          `json:"side"`
	SizeCommit    Commitment    `json:"size_commitment"`
	RequesterAddr string        `json:"requester_addr"` // stealth address of the requester
	RequesterPub  string        `json:"requester_pub"`  // base point winning detail is sealed toward
	ResponseAddr  string        `json:"response_addr"`  // fresh one-time address quotes are encrypted to
	ResponsePub   string        `json:"response_pub"`   // encryption point behind the response address
	Privacy       PrivacyLevel  `json:"privacy"`
	Disclosure    Disclosure    `json:"disclosure"`
	Status        RequestStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	LastActivity  time.Time     `json:"last_activity"`
	Signature     string        `json:"signature"`
	SignerKey     string        `json:"signer_key"` // one-time key the creation signature verifies against
	NextKey       string        `json:"next_key"`   // successor key the next lifecycle signature verifies against
	Nonce         uint64        `json:"nonce"`

	// Version increments on every store mutation; used for CAS at commit time.
	Version uint64 `json:"version"`
}

// Expired reports whether the request's expiry has passed at the given instant.
func (r *QuoteRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// QuoteResponse is a maker's quote against a request. Immutable once stored
// except for the accepted flag, which is set exactly once.
type QuoteResponse struct {
	ID          uuid.UUID  `json:"id"`
	RequestID   uuid.UUID  `json:"request_id"`
	PriceCommit Commitment `json:"price_commitment"`
	SizeCommit  Commitment `json:"size_commitment"`
	MakerAddr   string     `json:"maker_addr"` // maker stealth address
	Ciphertext  []byte     `json:"ciphertext"` // quote detail sealed to the request's response address
	SubmittedAt time.Time  `json:"submitted_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Signature   string     `json:"signature"`
	SignerKey   string     `json:"signer_key"`
	Nonce       uint64     `json:"nonce"`

	// Accepted is nil until selection resolves, then true or false forever.
	Accepted *bool `json:"accepted,omitempty"`
}

// Order is a dark pool order record. RemainingSize is the only field mutated
// after creation (by partial fills); terminal records are retained for audit.
type Order struct {
	ID             uuid.UUID    `json:"id"`
	Pair           Pair         `json:"pair"`
	Side           Side         `json:"side"`
	Type           OrderType    `json:"type"`
	PriceCommit    Commitment   `json:"price_commitment"`
	SizeCommit     Commitment   `json:"size_commitment"`
	IdentityCommit Commitment   `json:"identity_commitment"`
	TraderAddr     string       `json:"trader_addr"` // trader stealth address
	Privacy        PrivacyLevel `json:"privacy"`
	Disclosure     Disclosure   `json:"disclosure"`
	Status         OrderStatus  `json:"status"`

	FilledSize    decimal.Decimal `json:"filled_size"`
	RemainingSize decimal.Decimal `json:"remaining_size"`

	// Ciphertext carries the order detail sealed to the matching enclave;
	// only the enclave ever sees price and size in the clear.
	Ciphertext []byte `json:"ciphertext"`

	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	Signature    string    `json:"signature"`
	SignerKey    string    `json:"signer_key"` // one-time key the creation signature verifies against
	NextKey      string    `json:"next_key"`   // successor key cancel/modify signatures verify against
	Nonce        uint64    `json:"nonce"`

	// CompressionProof optionally attests that the stored ciphertext is a
	// faithful compression of the submitted order payload.
	CompressionProof []byte `json:"compression_proof,omitempty"`

	Version uint64 `json:"version"`
}

// Expired reports whether the order's expiry has passed at the given instant.
func (o *Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.After(now)
}

// MatchEligible reports whether the order may enter a matching snapshot.
func (o *Order) MatchEligible(now time.Time) bool {
	if o.Status != OrderOpen && o.Status != OrderPartiallyFilled {
		return false
	}
	return o.RemainingSize.IsPositive() && !o.Expired(now)
}

// TradeKind distinguishes RFQ settlements from dark pool settlements.
type TradeKind string

const (
	TradeRFQ  TradeKind = "RFQ"
	TradePool TradeKind = "POOL"
)

// Cost captures the settlement cost accounting attached to a trade.
type Cost struct {
	FeeLevel string          `json:"fee_level"`
	FeePaid  decimal.Decimal `json:"fee_paid"`
}

// Trade is the immutable settlement record produced by the coordinator.
// A failed settlement produces no Trade at all.
type Trade struct {
	ID          uuid.UUID    `json:"id"`
	Kind        TradeKind    `json:"kind"`
	Pair        Pair         `json:"pair"`
	PriceCommit Commitment   `json:"price_commitment"`
	SizeCommit  Commitment   `json:"size_commitment"`
	TakerCommit Commitment   `json:"taker_commitment"`
	MakerCommit Commitment   `json:"maker_commitment"`
	Proof       []byte       `json:"proof"`
	TxRef       string       `json:"tx_ref"`
	ChainID     string       `json:"chain_id"`
	Privacy     PrivacyLevel `json:"privacy"`
	Disclosure  Disclosure   `json:"disclosure"`
	ExecutedAt  time.Time    `json:"executed_at"`
	Cost        Cost         `json:"cost"`
}
