package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

// MemoryStore is the authoritative in-process store. Each record carries its
// own lock so concurrent operations on different ids never contend.
type MemoryStore struct {
	mu       sync.RWMutex // guards the maps, not the records
	requests map[uuid.UUID]*requestSlot
	quotes   map[uuid.UUID]*quoteSlot
	byReq    map[uuid.UUID][]uuid.UUID // request id -> quote ids, submission order
	orders   map[uuid.UUID]*orderSlot
	trades   map[uuid.UUID]*model.Trade

	nonceMu sync.Mutex
	nonces  map[string]map[uint64]struct{}

	logger *zap.Logger
}

type requestSlot struct {
	mu  sync.Mutex
	rec model.QuoteRequest
}

type quoteSlot struct {
	mu  sync.Mutex
	rec model.QuoteResponse
}

type orderSlot struct {
	mu  sync.Mutex
	rec model.Order
}

// NewMemory creates an empty in-memory store.
func NewMemory(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		requests: make(map[uuid.UUID]*requestSlot),
		quotes:   make(map[uuid.UUID]*quoteSlot),
		byReq:    make(map[uuid.UUID][]uuid.UUID),
		orders:   make(map[uuid.UUID]*orderSlot),
		trades:   make(map[uuid.UUID]*model.Trade),
		nonces:   make(map[string]map[uint64]struct{}),
		logger:   logger,
	}
}

func (s *MemoryStore) PutRequest(_ context.Context, req *model.QuoteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("request %s: already stored", req.ID)
	}
	cp := copyRequest(req)
	cp.Version = 1
	s.requests[req.ID] = &requestSlot{rec: *cp}
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id uuid.UUID) (*model.QuoteRequest, error) {
	s.mu.RLock()
	slot, ok := s.requests[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return copyRequest(&slot.rec), nil
}

func (s *MemoryStore) UpdateRequest(_ context.Context, id uuid.UUID, mutate func(*model.QuoteRequest) error) (*model.QuoteRequest, error) {
	s.mu.RLock()
	slot, ok := s.requests[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	working := copyRequest(&slot.rec)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.Version = slot.rec.Version + 1
	working.LastActivity = time.Now().UTC()
	slot.rec = *working
	return copyRequest(working), nil
}

func (s *MemoryStore) PutQuote(_ context.Context, q *model.QuoteResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.quotes[q.ID]; exists {
		return fmt.Errorf("quote %s: already stored", q.ID)
	}
	s.quotes[q.ID] = &quoteSlot{rec: *copyQuote(q)}
	s.byReq[q.RequestID] = append(s.byReq[q.RequestID], q.ID)
	return nil
}

func (s *MemoryStore) GetQuote(_ context.Context, id uuid.UUID) (*model.QuoteResponse, error) {
	s.mu.RLock()
	slot, ok := s.quotes[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("quote %s: %w", id, ErrNotFound)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return copyQuote(&slot.rec), nil
}

func (s *MemoryStore) ListQuotes(_ context.Context, requestID uuid.UUID) ([]model.QuoteResponse, error) {
	s.mu.RLock()
	ids := append([]uuid.UUID(nil), s.byReq[requestID]...)
	slots := make([]*quoteSlot, 0, len(ids))
	for _, id := range ids {
		if slot, ok := s.quotes[id]; ok {
			slots = append(slots, slot)
		}
	}
	s.mu.RUnlock()

	out := make([]model.QuoteResponse, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		out = append(out, *copyQuote(&slot.rec))
		slot.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) MarkQuoteAccepted(_ context.Context, id uuid.UUID, accepted bool) error {
	s.mu.RLock()
	slot, ok := s.quotes[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("quote %s: %w", id, ErrNotFound)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.rec.Accepted != nil {
		return fmt.Errorf("quote %s: accepted flag already set: %w", id, ErrTransition)
	}
	slot.rec.Accepted = &accepted
	return nil
}

func (s *MemoryStore) PutOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s: already stored", o.ID)
	}
	cp := copyOrder(o)
	cp.Version = 1
	s.orders[o.ID] = &orderSlot{rec: *cp}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*model.Order, error) {
	s.mu.RLock()
	slot, ok := s.orders[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return copyOrder(&slot.rec), nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, id uuid.UUID, mutate func(*model.Order) error) (*model.Order, error) {
	return s.updateOrder(id, nil, mutate)
}

func (s *MemoryStore) UpdateOrderCAS(_ context.Context, id uuid.UUID, expectedVersion uint64, mutate func(*model.Order) error) (*model.Order, error) {
	return s.updateOrder(id, &expectedVersion, mutate)
}

func (s *MemoryStore) updateOrder(id uuid.UUID, expectedVersion *uint64, mutate func(*model.Order) error) (*model.Order, error) {
	s.mu.RLock()
	slot, ok := s.orders[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if expectedVersion != nil && slot.rec.Version != *expectedVersion {
		return nil, fmt.Errorf("order %s: have v%d, want v%d: %w",
			id, slot.rec.Version, *expectedVersion, ErrVersionConflict)
	}

	working := copyOrder(&slot.rec)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.Version = slot.rec.Version + 1
	working.LastActivity = time.Now().UTC()
	slot.rec = *working
	return copyOrder(working), nil
}

func (s *MemoryStore) SnapshotEligibleOrders(_ context.Context, pair model.Pair) ([]model.Order, error) {
	now := time.Now().UTC()

	s.mu.RLock()
	slots := make([]*orderSlot, 0, len(s.orders))
	for _, slot := range s.orders {
		slots = append(slots, slot)
	}
	s.mu.RUnlock()

	var out []model.Order
	for _, slot := range slots {
		slot.mu.Lock()
		if slot.rec.Pair.Equal(pair) && slot.rec.MatchEligible(now) {
			out = append(out, *copyOrder(&slot.rec))
		}
		slot.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PutTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.trades[t.ID]; exists {
		return fmt.Errorf("trade %s: already stored", t.ID)
	}
	cp := *t
	cp.Proof = append([]byte(nil), t.Proof...)
	s.trades[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id uuid.UUID) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	cp := *t
	cp.Proof = append([]byte(nil), t.Proof...)
	return &cp, nil
}

func (s *MemoryStore) ReserveNonce(_ context.Context, addr string, nonce uint64) error {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	seen, ok := s.nonces[addr]
	if !ok {
		seen = make(map[uint64]struct{})
		s.nonces[addr] = seen
	}
	if _, replayed := seen[nonce]; replayed {
		return fmt.Errorf("addr %s nonce %d: %w", addr, nonce, ErrNonceReplayed)
	}
	seen[nonce] = struct{}{}
	return nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, int, error) {
	s.mu.RLock()
	reqSlots := make([]*requestSlot, 0, len(s.requests))
	for _, slot := range s.requests {
		reqSlots = append(reqSlots, slot)
	}
	ordSlots := make([]*orderSlot, 0, len(s.orders))
	for _, slot := range s.orders {
		ordSlots = append(ordSlots, slot)
	}
	s.mu.RUnlock()

	var requests int
	for _, slot := range reqSlots {
		slot.mu.Lock()
		if !slot.rec.Status.Terminal() && slot.rec.Expired(now) {
			slot.rec.Status = model.RequestExpired
			slot.rec.Version++
			slot.rec.LastActivity = now
			requests++
		}
		slot.mu.Unlock()
	}

	var orders int
	for _, slot := range ordSlots {
		slot.mu.Lock()
		if !slot.rec.Status.Terminal() && slot.rec.Expired(now) {
			slot.rec.Status = model.OrderExpired
			slot.rec.Version++
			slot.rec.LastActivity = now
			orders++
		}
		slot.mu.Unlock()
	}

	return requests, orders, nil
}

// expiredLiveIDs lists non-terminal records whose expiry has passed.
func (s *MemoryStore) expiredLiveIDs(now time.Time) (requests, orders []uuid.UUID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, slot := range s.requests {
		slot.mu.Lock()
		if !slot.rec.Status.Terminal() && slot.rec.Expired(now) {
			requests = append(requests, id)
		}
		slot.mu.Unlock()
	}
	for id, slot := range s.orders {
		slot.mu.Lock()
		if !slot.rec.Status.Terminal() && slot.rec.Expired(now) {
			orders = append(orders, id)
		}
		slot.mu.Unlock()
	}
	return requests, orders
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func copyRequest(r *model.QuoteRequest) *model.QuoteRequest {
	cp := *r
	cp.Disclosure.Plain = append([]byte(nil), r.Disclosure.Plain...)
	cp.Disclosure.Sealed = append([]byte(nil), r.Disclosure.Sealed...)
	return &cp
}

func copyQuote(q *model.QuoteResponse) *model.QuoteResponse {
	cp := *q
	cp.Ciphertext = append([]byte(nil), q.Ciphertext...)
	if q.Accepted != nil {
		v := *q.Accepted
		cp.Accepted = &v
	}
	return &cp
}

func copyOrder(o *model.Order) *model.Order {
	cp := *o
	cp.Ciphertext = append([]byte(nil), o.Ciphertext...)
	cp.CompressionProof = append([]byte(nil), o.CompressionProof...)
	cp.Disclosure.Plain = append([]byte(nil), o.Disclosure.Plain...)
	cp.Disclosure.Sealed = append([]byte(nil), o.Disclosure.Sealed...)
	return &cp
}
