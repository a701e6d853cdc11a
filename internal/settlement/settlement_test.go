package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-trade/obscura-core/internal/mpc"
	"github.com/obscura-trade/obscura-core/internal/store"
	"github.com/obscura-trade/obscura-core/internal/zk"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

var pairETH = model.Pair{Base: "ETH", Quote: "USDC"}

// fakeProver avoids the groth16 setup cost; proof semantics are covered by
// the zk package's own tests.
type fakeProver struct {
	fail bool
}

func (p fakeProver) Prove(zk.Statement, zk.Witness) ([]byte, error) {
	if p.fail {
		return nil, errors.New("constraint system unsatisfied")
	}
	return []byte("proof-bytes"), nil
}

func (p fakeProver) Verify([]byte, zk.Statement) error { return nil }

// fakeExecutor records calls and can be scripted to fail per phase. Commit is
// idempotent: committing the same trade twice returns the first receipt.
type fakeExecutor struct {
	mu          sync.Mutex
	chainID     string
	failPrepare bool
	failCommit  int // fail this many commit calls before succeeding
	failSubmit  bool
	prepared    map[uuid.UUID]bool
	committed   map[uuid.UUID]string
	aborted     map[uuid.UUID]bool
	commitCalls int
}

func newFakeExecutor(chainID string) *fakeExecutor {
	return &fakeExecutor{
		chainID:   chainID,
		prepared:  make(map[uuid.UUID]bool),
		committed: make(map[uuid.UUID]string),
		aborted:   make(map[uuid.UUID]bool),
	}
}

func (f *fakeExecutor) ChainID() string { return f.chainID }

func (f *fakeExecutor) SubmitSettlement(_ context.Context, instr Instruction) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubmit {
		return nil, errors.New("insufficient gas")
	}
	ref := "tx-" + f.chainID + "-" + instr.TradeID.String()[:8]
	f.committed[instr.TradeID] = ref
	return &Receipt{TxRef: ref, Finalized: true}, nil
}

func (f *fakeExecutor) Prepare(_ context.Context, instr Instruction) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPrepare {
		return nil, errors.New("lock refused")
	}
	f.prepared[instr.TradeID] = true
	return &Receipt{TxRef: "prep-" + f.chainID}, nil
}

func (f *fakeExecutor) Commit(_ context.Context, instr Instruction) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, ok := f.committed[instr.TradeID]; ok {
		// Idempotent: already committed.
		return &Receipt{TxRef: ref, Finalized: true}, nil
	}
	f.commitCalls++
	if f.failCommit > 0 {
		f.failCommit--
		return nil, errors.New("gateway timeout")
	}
	ref := "tx-" + f.chainID + "-" + instr.TradeID.String()[:8]
	f.committed[instr.TradeID] = ref
	return &Receipt{TxRef: ref, Finalized: true}, nil
}

func (f *fakeExecutor) Abort(_ context.Context, instr Instruction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted[instr.TradeID] = true
	return nil
}

type harness struct {
	coord   *Coordinator
	store   store.Store
	journal *MemoryJournal
	alpha   *fakeExecutor
	beta    *fakeExecutor
}

func newHarness(t *testing.T, prover zk.Prover) *harness {
	t.Helper()
	st := store.NewMemory(nil)
	registry := NewRegistry()
	alpha := newFakeExecutor("alpha")
	beta := newFakeExecutor("beta")
	registry.Register(alpha)
	registry.Register(beta)
	journal := NewMemoryJournal()

	coord := NewCoordinator(st, prover, registry, journal, nil, nil, NopNotifier{}, "alpha", nil)
	return &harness{coord: coord, store: st, journal: journal, alpha: alpha, beta: beta}
}

func poolOrder(side model.Side) model.Order {
	return model.Order{
		ID:         uuid.New(),
		Pair:       pairETH,
		Side:       side,
		TraderAddr: "obs1" + uuid.NewString()[:8],
		Privacy:    model.PrivacyShielded,
	}
}

func someFill() mpc.OrderFill {
	return mpc.OrderFill{
		BuyID:  uuid.New(),
		SellID: uuid.New(),
		Size:   decimal.RequireFromString("6"),
		Price:  decimal.RequireFromString("101"),
	}
}

func TestSettleMatchProducesTrade(t *testing.T) {
	h := newHarness(t, fakeProver{})
	ctx := context.Background()

	trade, err := h.coord.SettleMatch(ctx, pairETH, someFill(), poolOrder(model.SideBuy), poolOrder(model.SideSell))
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, model.TradePool, trade.Kind)
	assert.Equal(t, "alpha", trade.ChainID)
	assert.NotEmpty(t, trade.TxRef)
	assert.NotEmpty(t, trade.Proof)
	assert.False(t, trade.PriceCommit.IsZero())

	stored, err := h.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.ID, stored.ID)
}

func TestProofFailureAbortsBeforeSubmission(t *testing.T) {
	h := newHarness(t, fakeProver{fail: true})
	ctx := context.Background()

	_, err := h.coord.SettleMatch(ctx, pairETH, someFill(), poolOrder(model.SideBuy), poolOrder(model.SideSell))
	require.Error(t, err)
	assert.Empty(t, h.alpha.committed)
	assert.Empty(t, h.beta.committed)
}

func TestChainRejectionProducesNoTrade(t *testing.T) {
	h := newHarness(t, fakeProver{})
	h.alpha.failSubmit = true
	ctx := context.Background()

	fill := someFill()
	_, err := h.coord.SettleMatch(ctx, pairETH, fill, poolOrder(model.SideBuy), poolOrder(model.SideSell))
	require.Error(t, err)
}

func TestSettleRFQRequiresAcceptedQuote(t *testing.T) {
	h := newHarness(t, fakeProver{})
	ctx := context.Background()

	req := &model.QuoteRequest{
		ID:            uuid.New(),
		Pair:          pairETH,
		Side:          model.SideBuy,
		RequesterAddr: "obs1taker",
		Privacy:       model.PrivacyShielded,
		Status:        model.RequestFilled,
	}
	require.NoError(t, h.store.PutRequest(ctx, req))

	quote := &model.QuoteResponse{
		ID:        uuid.New(),
		RequestID: req.ID,
		MakerAddr: "obs1maker",
	}
	require.NoError(t, h.store.PutQuote(ctx, quote))

	terms := RFQTerms{Price: decimal.RequireFromString("100.2"), Size: decimal.RequireFromString("10")}
	_, err := h.coord.SettleRFQ(ctx, req.ID, quote.ID, terms)
	require.Error(t, err)

	require.NoError(t, h.store.MarkQuoteAccepted(ctx, quote.ID, true))
	trade, err := h.coord.SettleRFQ(ctx, req.ID, quote.ID, terms)
	require.NoError(t, err)
	assert.Equal(t, model.TradeRFQ, trade.Kind)
}

func TestSettleRFQAcrossChains(t *testing.T) {
	h := newHarness(t, fakeProver{})
	ctx := context.Background()

	req := &model.QuoteRequest{
		ID:            uuid.New(),
		Pair:          pairETH,
		Side:          model.SideBuy,
		RequesterAddr: "obs1taker",
		Privacy:       model.PrivacyShielded,
		Status:        model.RequestFilled,
	}
	require.NoError(t, h.store.PutRequest(ctx, req))
	quote := &model.QuoteResponse{
		ID:        uuid.New(),
		RequestID: req.ID,
		MakerAddr: "obs1maker",
	}
	require.NoError(t, h.store.PutQuote(ctx, quote))
	require.NoError(t, h.store.MarkQuoteAccepted(ctx, quote.ID, true))

	terms := RFQTerms{
		Price:     decimal.RequireFromString("100.2"),
		Size:      decimal.RequireFromString("10"),
		ChainID:   "alpha",
		DestChain: "beta",
	}
	trade, err := h.coord.SettleRFQ(ctx, req.ID, quote.ID, terms)
	require.NoError(t, err)
	require.NotNil(t, trade)

	// The two-phase protocol ran on both ledgers and the trade references
	// the destination leg's commit.
	assert.True(t, h.alpha.prepared[trade.ID])
	assert.True(t, h.beta.prepared[trade.ID])
	assert.NotEmpty(t, h.alpha.committed[trade.ID])
	assert.Equal(t, h.beta.committed[trade.ID], trade.TxRef)
	assert.Equal(t, "beta", trade.ChainID)

	state, err := h.journal.Load(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, state.Status)

	stored, err := h.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.TxRef, stored.TxRef)
}

func TestSettleRFQSameDestChainStaysSingleChain(t *testing.T) {
	h := newHarness(t, fakeProver{})
	ctx := context.Background()

	req := &model.QuoteRequest{
		ID:            uuid.New(),
		Pair:          pairETH,
		Side:          model.SideBuy,
		RequesterAddr: "obs1taker",
		Privacy:       model.PrivacyShielded,
		Status:        model.RequestFilled,
	}
	require.NoError(t, h.store.PutRequest(ctx, req))
	quote := &model.QuoteResponse{
		ID:        uuid.New(),
		RequestID: req.ID,
		MakerAddr: "obs1maker",
	}
	require.NoError(t, h.store.PutQuote(ctx, quote))
	require.NoError(t, h.store.MarkQuoteAccepted(ctx, quote.ID, true))

	terms := RFQTerms{
		Price:     decimal.RequireFromString("100.2"),
		Size:      decimal.RequireFromString("10"),
		DestChain: "alpha", // same as the default source chain
	}
	trade, err := h.coord.SettleRFQ(ctx, req.ID, quote.ID, terms)
	require.NoError(t, err)
	assert.Equal(t, "alpha", trade.ChainID)
	assert.Empty(t, h.alpha.prepared)
	assert.Empty(t, h.beta.prepared)
}

func crossChainTrade() *model.Trade {
	return &model.Trade{
		ID:          uuid.New(),
		Kind:        model.TradePool,
		Pair:        pairETH,
		PriceCommit: "aa",
		SizeCommit:  "bb",
		Proof:       []byte("proof-bytes"),
	}
}

func TestCrossChainHappyPath(t *testing.T) {
	h := newHarness(t, fakeProver{})
	ctx := context.Background()
	trade := crossChainTrade()

	require.NoError(t, h.coord.SettleCrossChain(ctx, trade, "alpha", "beta"))

	assert.True(t, h.alpha.prepared[trade.ID])
	assert.True(t, h.beta.prepared[trade.ID])
	assert.NotEmpty(t, h.alpha.committed[trade.ID])
	assert.NotEmpty(t, h.beta.committed[trade.ID])

	state, err := h.journal.Load(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, state.Status)
}

func TestCrossChainPrepareFailureAbortsBoth(t *testing.T) {
	h := newHarness(t, fakeProver{})
	h.beta.failPrepare = true
	ctx := context.Background()
	trade := crossChainTrade()

	err := h.coord.SettleCrossChain(ctx, trade, "alpha", "beta")
	require.Error(t, err)
	var cerr *CrossChainError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "prepare", cerr.Stage)

	// Nothing committed anywhere; both chains were told to unlock.
	assert.Empty(t, h.alpha.committed)
	assert.Empty(t, h.beta.committed)
	assert.True(t, h.alpha.aborted[trade.ID])
	assert.True(t, h.beta.aborted[trade.ID])

	state, err := h.journal.Load(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, state.Status)
}

func TestCrossChainPartialCommitConvergesViaRecover(t *testing.T) {
	h := newHarness(t, fakeProver{})
	// The second chain's commit keeps failing past the in-line retry budget,
	// simulating a crash window between the two commits.
	h.beta.failCommit = commitRetries + 1
	ctx := context.Background()
	trade := crossChainTrade()

	err := h.coord.SettleCrossChain(ctx, trade, "alpha", "beta")
	require.Error(t, err)

	// Exactly one chain finalized; the journal still says COMMITTING.
	assert.NotEmpty(t, h.alpha.committed[trade.ID])
	assert.Empty(t, h.beta.committed[trade.ID])
	state, err := h.journal.Load(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitting, state.Status)

	// Recovery re-commits the remaining chain with the existing proof.
	require.NoError(t, h.coord.Recover(ctx))

	assert.NotEmpty(t, h.beta.committed[trade.ID])
	state, err = h.journal.Load(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, state.Status)

	// The already-committed chain was hit again only through the idempotent
	// path, never double-executed.
	assert.Equal(t, 1, h.alpha.commitCalls)
}

func TestRecoverAbortsInterruptedPrepare(t *testing.T) {
	h := newHarness(t, fakeProver{})
	ctx := context.Background()
	trade := crossChainTrade()

	// Simulate a crash mid-prepare: journal says PREPARING, nothing committed.
	state := &State{
		TradeID: trade.ID,
		Status:  StatusPreparing,
		Instruction: Instruction{
			TradeID: trade.ID,
			Proof:   trade.Proof,
		},
		Legs: []Leg{
			{ChainID: "alpha", Phase: PhasePrepared},
			{ChainID: "beta", Phase: PhasePreparing},
		},
	}
	require.NoError(t, h.journal.Save(ctx, state))

	require.NoError(t, h.coord.Recover(ctx))

	assert.True(t, h.alpha.aborted[trade.ID])
	assert.True(t, h.beta.aborted[trade.ID])
	loaded, err := h.journal.Load(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, loaded.Status)
}

func TestCommitRetriesThenSucceedsInline(t *testing.T) {
	h := newHarness(t, fakeProver{})
	h.beta.failCommit = 1
	ctx := context.Background()
	trade := crossChainTrade()

	require.NoError(t, h.coord.SettleCrossChain(ctx, trade, "alpha", "beta"))
	assert.NotEmpty(t, h.beta.committed[trade.ID])
}
