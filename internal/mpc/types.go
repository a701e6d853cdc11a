// Package mpc coordinates with the external confidential-compute engine.
// Quotes and orders cross this boundary encrypted; decryption happens only on
// the far side. The client never receives a losing quote's plaintext.
package mpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

// EncryptedQuote is one quote as shipped to the engine.
type EncryptedQuote struct {
	ID          uuid.UUID        `json:"id"`
	Ciphertext  []byte           `json:"ciphertext"`
	PriceCommit model.Commitment `json:"price_commitment"`
	SubmittedAt time.Time        `json:"submitted_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
}

// CompareRequest asks the engine to pick the most favorable quote for a
// request side. ResultPub is the point the winning detail is sealed toward.
type CompareRequest struct {
	RequestID uuid.UUID        `json:"request_id"`
	Side      model.Side       `json:"side"`
	ResultPub string           `json:"result_pub"`
	Quotes    []EncryptedQuote `json:"quotes"`
}

// CompareResult names the winner and carries its sealed detail. Nothing about
// any losing quote appears here.
type CompareResult struct {
	WinningID       uuid.UUID        `json:"winning_id"`
	EncryptedDetail []byte           `json:"encrypted_detail"`
	Commitment      model.Commitment `json:"commitment"`
}

// EncryptedOrder is one pool order as shipped to the engine. Remaining is the
// book's public size shadow: fills applied since submission are never
// re-sealed into the ciphertext, so the engine must not trust the sealed size
// for a partially filled order.
type EncryptedOrder struct {
	ID          uuid.UUID       `json:"id"`
	Side        model.Side      `json:"side"`
	Ciphertext  []byte          `json:"ciphertext"`
	Remaining   decimal.Decimal `json:"remaining"`
	SubmittedAt time.Time       `json:"submitted_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Version     uint64          `json:"version"`
}

// MatchRequest asks the engine for one matching pass over a pair's snapshot.
type MatchRequest struct {
	Pair   model.Pair       `json:"pair"`
	Orders []EncryptedOrder `json:"orders"`
}

// OrderFill is one matched pair as reported by the engine.
type OrderFill struct {
	BuyID       uuid.UUID       `json:"buy_id"`
	SellID      uuid.UUID       `json:"sell_id"`
	BuyVersion  uint64          `json:"buy_version"`
	SellVersion uint64          `json:"sell_version"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price"`
	Proof       []byte          `json:"proof,omitempty"`
}

// MatchResult is the full outcome of one matching pass.
type MatchResult struct {
	Fills []OrderFill `json:"fills"`
}

// QuoteDetail is the plaintext a quote ciphertext opens to. It exists on the
// enclave side of the boundary only.
type QuoteDetail struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderDetail is the plaintext an order ciphertext opens to.
type OrderDetail struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Engine is the confidential-compute contract. Implementations decrypt and
// compare inside their own boundary and must not leak losing values.
type Engine interface {
	CompareQuotes(ctx context.Context, req CompareRequest) (*CompareResult, error)
	MatchOrders(ctx context.Context, req MatchRequest) (*MatchResult, error)
}

// Failure is the recoverable error class for engine calls: timeouts, an
// unavailable enclave, or a decrypt failure inside the remote boundary.
// The caller's records are never left partially matched.
type Failure struct {
	Op    string
	Cause error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("mpc %s failed: %v", f.Op, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }

// IsFailure reports whether err is (or wraps) an engine failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}
