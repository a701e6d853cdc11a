// Package store owns every request, quote, and order record for its lifetime.
// Other components receive records by value per operation; nothing outside the
// store holds a long-lived reference. Callers lacking the right key material
// only ever see commitments and ciphertext.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

var (
	// ErrNotFound is returned for lookups of unknown record ids.
	ErrNotFound = errors.New("record not found")

	// ErrTerminal is returned when an operation targets a record whose
	// lifecycle has already terminated. Terminal records never re-enter.
	ErrTerminal = errors.New("record is in a terminal state")

	// ErrVersionConflict is returned when a compare-and-set mutation loses the
	// race, e.g. a match commit against an order cancelled mid-flight.
	ErrVersionConflict = errors.New("record version conflict")

	// ErrNonceReplayed is returned when a signed operation reuses a nonce.
	ErrNonceReplayed = errors.New("nonce already used")

	// ErrTransition is returned when a mutation asks for an illegal
	// lifecycle transition.
	ErrTransition = errors.New("illegal lifecycle transition")
)

// Store is the single owner of negotiation records. Per-record operations are
// serialized per id; operations on different ids proceed independently.
type Store interface {
	// Quote requests.
	PutRequest(ctx context.Context, req *model.QuoteRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*model.QuoteRequest, error)
	// UpdateRequest runs mutate under the record's lock. The mutation either
	// fully applies (version bumped) or the record is left untouched.
	UpdateRequest(ctx context.Context, id uuid.UUID, mutate func(*model.QuoteRequest) error) (*model.QuoteRequest, error)

	// Quotes against a request.
	PutQuote(ctx context.Context, q *model.QuoteResponse) error
	GetQuote(ctx context.Context, id uuid.UUID) (*model.QuoteResponse, error)
	ListQuotes(ctx context.Context, requestID uuid.UUID) ([]model.QuoteResponse, error)
	// MarkQuoteAccepted sets the accepted flag exactly once.
	MarkQuoteAccepted(ctx context.Context, id uuid.UUID, accepted bool) error

	// Orders.
	PutOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	UpdateOrder(ctx context.Context, id uuid.UUID, mutate func(*model.Order) error) (*model.Order, error)
	// UpdateOrderCAS applies mutate only if the record's version still equals
	// expectedVersion; otherwise ErrVersionConflict. Used at matching commit
	// so cancellation always wins over an uncommitted match.
	UpdateOrderCAS(ctx context.Context, id uuid.UUID, expectedVersion uint64, mutate func(*model.Order) error) (*model.Order, error)
	// SnapshotEligibleOrders returns copies of every order eligible for
	// matching on the pair at the given instant.
	SnapshotEligibleOrders(ctx context.Context, pair model.Pair) ([]model.Order, error)

	// Trades. Immutable once persisted.
	PutTrade(ctx context.Context, t *model.Trade) error
	GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error)

	// ReserveNonce records a (stealth address, nonce) pair, rejecting replays.
	ReserveNonce(ctx context.Context, addr string, nonce uint64) error

	// SweepExpired transitions every expired live request and order to
	// EXPIRED, returning how many of each were swept. Complements the lazy
	// expiry applied on reads so abandoned records still terminate.
	SweepExpired(ctx context.Context, now time.Time) (requests, orders int, err error)

	HealthCheck(ctx context.Context) error
	Close() error
}
