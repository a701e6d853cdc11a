package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

func testOrder(pair model.Pair, side model.Side, size string) *model.Order {
	now := time.Now().UTC()
	return &model.Order{
		ID:            uuid.New(),
		Pair:          pair,
		Side:          side,
		Type:          model.OrderTypeLimit,
		Privacy:       model.PrivacyShielded,
		Status:        model.OrderOpen,
		RemainingSize: decimal.RequireFromString(size),
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestMemoryRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)

	req := &model.QuoteRequest{
		ID:        uuid.New(),
		Pair:      model.Pair{Base: "BTC", Quote: "USD"},
		Side:      model.SideBuy,
		Status:    model.RequestOpen,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	require.NoError(t, s.PutRequest(ctx, req))

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)

	updated, err := s.UpdateRequest(ctx, req.ID, func(r *model.QuoteRequest) error {
		r.Status = model.RequestCancelled
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.RequestCancelled, updated.Status)
	assert.Equal(t, uint64(2), updated.Version)

	_, err = s.GetRequest(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateLeavesRecordOnMutateError(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)

	o := testOrder(model.Pair{Base: "ETH", Quote: "USD"}, model.SideBuy, "10")
	require.NoError(t, s.PutOrder(ctx, o))

	_, err := s.UpdateOrder(ctx, o.ID, func(ord *model.Order) error {
		ord.Status = model.OrderCancelled
		return assert.AnError
	})
	require.Error(t, err)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, got.Status, "failed mutation must not partially apply")
	assert.Equal(t, uint64(1), got.Version)
}

func TestOrderCASConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)

	o := testOrder(model.Pair{Base: "ETH", Quote: "USD"}, model.SideSell, "6")
	require.NoError(t, s.PutOrder(ctx, o))

	snap, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)

	// A cancellation lands after the snapshot was taken.
	_, err = s.UpdateOrder(ctx, o.ID, func(ord *model.Order) error {
		ord.Status = model.OrderCancelled
		return nil
	})
	require.NoError(t, err)

	// The match commit against the stale version must lose.
	_, err = s.UpdateOrderCAS(ctx, o.ID, snap.Version, func(ord *model.Order) error {
		ord.RemainingSize = decimal.Zero
		ord.Status = model.OrderFilled
		return nil
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, got.Status)
	assert.True(t, got.RemainingSize.Equal(decimal.RequireFromString("6")))
}

func TestSnapshotEligibleOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)
	pair := model.Pair{Base: "BTC", Quote: "USD"}

	eligible := testOrder(pair, model.SideBuy, "5")
	require.NoError(t, s.PutOrder(ctx, eligible))

	expired := testOrder(pair, model.SideSell, "5")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.PutOrder(ctx, expired))

	drained := testOrder(pair, model.SideSell, "0")
	require.NoError(t, s.PutOrder(ctx, drained))

	otherPair := testOrder(model.Pair{Base: "ETH", Quote: "USD"}, model.SideSell, "5")
	require.NoError(t, s.PutOrder(ctx, otherPair))

	snap, err := s.SnapshotEligibleOrders(ctx, pair)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, eligible.ID, snap[0].ID)
}

func TestConcurrentUpdatesDifferentIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)
	pair := model.Pair{Base: "BTC", Quote: "USD"}

	const n = 32
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		o := testOrder(pair, model.SideBuy, "100")
		ids[i] = o.ID
		require.NoError(t, s.PutOrder(ctx, o))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				_, err := s.UpdateOrder(ctx, id, func(o *model.Order) error {
					o.RemainingSize = o.RemainingSize.Sub(decimal.NewFromInt(1))
					return nil
				})
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		got, err := s.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.RemainingSize.Equal(decimal.NewFromInt(90)),
			"order %s: got %s", id, got.RemainingSize)
		assert.Equal(t, uint64(11), got.Version)
	}
}

func TestNonceReplayRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)

	require.NoError(t, s.ReserveNonce(ctx, "obs1abc", 7))
	assert.ErrorIs(t, s.ReserveNonce(ctx, "obs1abc", 7), ErrNonceReplayed)
	require.NoError(t, s.ReserveNonce(ctx, "obs1abc", 8))
	require.NoError(t, s.ReserveNonce(ctx, "obs1def", 7))
}

func TestQuoteAcceptedSetOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)

	q := &model.QuoteResponse{
		ID:          uuid.New(),
		RequestID:   uuid.New(),
		SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutQuote(ctx, q))

	require.NoError(t, s.MarkQuoteAccepted(ctx, q.ID, true))
	assert.ErrorIs(t, s.MarkQuoteAccepted(ctx, q.ID, false), ErrTransition)

	got, err := s.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Accepted)
	assert.True(t, *got.Accepted)
}

func newHybridTestStore(t *testing.T) (*HybridStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := &HybridStore{
		MemoryStore: NewMemory(nil),
		redis:       redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		tradeTTL:    time.Minute,
	}
	return s, mr
}

func TestHybridNonceReplayAcrossLayers(t *testing.T) {
	ctx := context.Background()
	s, mr := newHybridTestStore(t)
	defer mr.Close()

	require.NoError(t, s.ReserveNonce(ctx, "obs1abc", 1))
	assert.ErrorIs(t, s.ReserveNonce(ctx, "obs1abc", 1), ErrNonceReplayed)
}

func TestHybridTradeCacheFallback(t *testing.T) {
	ctx := context.Background()
	s, mr := newHybridTestStore(t)
	defer mr.Close()

	trade := &model.Trade{
		ID:         uuid.New(),
		Kind:       model.TradePool,
		Pair:       model.Pair{Base: "BTC", Quote: "USD"},
		ChainID:    "obscura-1",
		Privacy:    model.PrivacyShielded,
		ExecutedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutTrade(ctx, trade))

	// Simulate a restart: memory is empty, the cache still has the trade.
	s.MemoryStore = NewMemory(nil)

	got, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.ID, got.ID)
	assert.Equal(t, trade.ChainID, got.ChainID)
}
