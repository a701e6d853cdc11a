// Package settlement turns selections and matches into settled trades: it
// requests a zero-knowledge proof over the trade's committed terms, dispatches
// a commitment-only instruction to the right chain executor, and persists the
// resulting trade. Cross-chain settlement runs a journaled two-phase protocol.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/crypto"
	"github.com/obscura-trade/obscura-core/internal/metrics"
	"github.com/obscura-trade/obscura-core/internal/mpc"
	"github.com/obscura-trade/obscura-core/internal/store"
	"github.com/obscura-trade/obscura-core/internal/zk"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

// Notifier delivers settlement events toward stealth-addressed recipients.
type Notifier interface {
	Notify(ctx context.Context, env model.Envelope)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, model.Envelope) {}

// DetailSealer encrypts trade detail under a trade-scoped viewing key.
type DetailSealer interface {
	SealDetail(scope uuid.UUID, detail []byte) ([]byte, error)
}

// Coordinator owns trade records: it is the only component that creates them,
// and a failed settlement creates none.
type Coordinator struct {
	store        store.Store
	prover       zk.Prover
	registry     *Registry
	journal      Journal
	fees         FeeEstimator
	sealer       DetailSealer
	notifier     Notifier
	defaultChain string
	logger       *zap.Logger
	now          func() time.Time
}

func NewCoordinator(st store.Store, prover zk.Prover, registry *Registry, journal Journal, fees FeeEstimator, sealer DetailSealer, notifier Notifier, defaultChain string, logger *zap.Logger) *Coordinator {
	if fees == nil {
		fees = StaticEstimator{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:        st,
		prover:       prover,
		registry:     registry,
		journal:      journal,
		fees:         fees,
		sealer:       sealer,
		notifier:     notifier,
		defaultChain: defaultChain,
		logger:       logger,
		now:          time.Now,
	}
}

// provenTerms is the output of proving one trade's terms: fresh commitments,
// the proof opening them, and the public clearing values.
type provenTerms struct {
	priceCommit model.Commitment
	sizeCommit  model.Commitment
	proof       []byte
}

// proveTerms commits the clearing price and size under fresh blindings and
// produces a proof that the fill respects them. Proof failure aborts the
// settlement before anything touches a chain.
func (c *Coordinator) proveTerms(price, size decimal.Decimal) (*provenTerms, error) {
	priceUnits, err := zk.UnitsFromDecimal(price, zk.PriceScale)
	if err != nil {
		return nil, fmt.Errorf("price out of tick range: %w", err)
	}
	sizeUnits, err := zk.UnitsFromDecimal(size, zk.SizeScale)
	if err != nil {
		return nil, fmt.Errorf("size out of tick range: %w", err)
	}

	wit := zk.Witness{
		BuyLimit:  priceUnits,
		SellLimit: priceUnits,
		BuySize:   sizeUnits,
		SellSize:  sizeUnits,
	}
	for _, dst := range []**big.Int{&wit.BuyPriceBlind, &wit.SellPriceBlnd, &wit.BuySizeBlind, &wit.SellSizeBlind} {
		b, err := crypto.NewBlinding()
		if err != nil {
			return nil, fmt.Errorf("drawing blinding: %w", err)
		}
		*dst = b
	}

	stmt := zk.Statement{
		BuyPriceCommit:  zk.CommitUnits(wit.BuyLimit, wit.BuyPriceBlind),
		SellPriceCommit: zk.CommitUnits(wit.SellLimit, wit.SellPriceBlnd),
		BuySizeCommit:   zk.CommitUnits(wit.BuySize, wit.BuySizeBlind),
		SellSizeCommit:  zk.CommitUnits(wit.SellSize, wit.SellSizeBlind),
		ClearingPrice:   priceUnits,
		FillSize:        sizeUnits,
	}
	proof, err := c.prover.Prove(stmt, wit)
	if err != nil {
		return nil, fmt.Errorf("generating settlement proof: %w", err)
	}
	return &provenTerms{
		priceCommit: stmt.BuyPriceCommit,
		sizeCommit:  stmt.BuySizeCommit,
		proof:       proof,
	}, nil
}

// RFQTerms carries the agreed clearing values for an RFQ settlement. The
// caller holds them by virtue of having opened the winning quote detail.
type RFQTerms struct {
	Price   decimal.Decimal
	Size    decimal.Decimal
	ChainID string // empty means the coordinator's default chain
	// DestChain, when set to a chain other than ChainID, settles the trade
	// across both ledgers with the two-phase protocol. Assets land on
	// DestChain.
	DestChain string
}

// SettleRFQ settles an accepted quote into a trade.
func (c *Coordinator) SettleRFQ(ctx context.Context, requestID, quoteID uuid.UUID, terms RFQTerms) (*model.Trade, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	quote, err := c.store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if quote.RequestID != requestID {
		return nil, fmt.Errorf("quote %s does not answer request %s", quoteID, requestID)
	}
	if quote.Accepted == nil || !*quote.Accepted {
		return nil, fmt.Errorf("quote %s was not accepted", quoteID)
	}

	proven, err := c.proveTerms(terms.Price, terms.Size)
	if err != nil {
		metrics.IncSettlement(string(model.TradeRFQ), "proof_failed")
		return nil, err
	}

	takerBlind, err := crypto.NewBlinding()
	if err != nil {
		return nil, fmt.Errorf("drawing blinding: %w", err)
	}
	makerBlind, err := crypto.NewBlinding()
	if err != nil {
		return nil, fmt.Errorf("drawing blinding: %w", err)
	}

	chainID := terms.ChainID
	if chainID == "" {
		chainID = c.defaultChain
	}
	instr := Instruction{
		TradeID:     uuid.New(),
		Kind:        model.TradeRFQ,
		ChainID:     chainID,
		Pair:        req.Pair,
		PriceCommit: proven.priceCommit,
		SizeCommit:  proven.sizeCommit,
		TakerCommit: crypto.CommitIdentity(req.RequesterAddr, takerBlind),
		MakerCommit: crypto.CommitIdentity(quote.MakerAddr, makerBlind),
		Proof:       proven.proof,
	}
	if terms.DestChain != "" && terms.DestChain != chainID {
		return c.executeCross(ctx, instr, req.Privacy, req.RequesterAddr, terms.Price, terms.Size, chainID, terms.DestChain)
	}
	return c.execute(ctx, instr, req.Privacy, req.RequesterAddr, terms.Price, terms.Size)
}

// SettleMatch settles one dark pool fill. Implements the order book's Settler
// contract: an error here means no trade exists and the fill is rolled back.
func (c *Coordinator) SettleMatch(ctx context.Context, pair model.Pair, fill mpc.OrderFill, buy, sell model.Order) (*model.Trade, error) {
	proven, err := c.proveTerms(fill.Price, fill.Size)
	if err != nil {
		metrics.IncSettlement(string(model.TradePool), "proof_failed")
		return nil, err
	}

	takerBlind, err := crypto.NewBlinding()
	if err != nil {
		return nil, fmt.Errorf("drawing blinding: %w", err)
	}
	makerBlind, err := crypto.NewBlinding()
	if err != nil {
		return nil, fmt.Errorf("drawing blinding: %w", err)
	}

	// The stricter privacy level of the two parties governs the trade.
	privacy := stricter(buy.Privacy, sell.Privacy)

	instr := Instruction{
		TradeID:     uuid.New(),
		Kind:        model.TradePool,
		ChainID:     c.defaultChain,
		Pair:        pair,
		PriceCommit: proven.priceCommit,
		SizeCommit:  proven.sizeCommit,
		TakerCommit: crypto.CommitIdentity(buy.TraderAddr, takerBlind),
		MakerCommit: crypto.CommitIdentity(sell.TraderAddr, makerBlind),
		Proof:       proven.proof,
	}
	return c.execute(ctx, instr, privacy, buy.TraderAddr, fill.Price, fill.Size)
}

// execute estimates fees, dispatches the instruction, and persists the trade.
func (c *Coordinator) execute(ctx context.Context, instr Instruction, privacy model.PrivacyLevel, notifyAddr string, price, size decimal.Decimal) (*model.Trade, error) {
	level, err := c.fees.Estimate(ctx, instr)
	if err != nil {
		// Advisory only.
		c.logger.Warn("settlement.fee_estimate_failed", zap.Error(err))
		level = "standard"
	}
	instr.FeeLevel = level

	ex, err := c.registry.Lookup(instr.ChainID)
	if err != nil {
		metrics.IncSettlement(string(instr.Kind), "no_executor")
		return nil, err
	}

	receipt, err := ex.SubmitSettlement(ctx, instr)
	if err != nil {
		metrics.IncSettlement(string(instr.Kind), "chain_rejected")
		return nil, fmt.Errorf("chain %s rejected settlement: %w", instr.ChainID, err)
	}

	detail, _ := json.Marshal(struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	}{price.String(), size.String()})
	disclosure, err := c.buildDisclosure(instr.TradeID, privacy, detail)
	if err != nil {
		return nil, err
	}

	trade := &model.Trade{
		ID:          instr.TradeID,
		Kind:        instr.Kind,
		Pair:        instr.Pair,
		PriceCommit: instr.PriceCommit,
		SizeCommit:  instr.SizeCommit,
		TakerCommit: instr.TakerCommit,
		MakerCommit: instr.MakerCommit,
		Proof:       instr.Proof,
		TxRef:       receipt.TxRef,
		ChainID:     instr.ChainID,
		Privacy:     privacy,
		Disclosure:  disclosure,
		ExecutedAt:  c.now().UTC(),
		Cost:        model.Cost{FeeLevel: level},
	}
	if err := c.store.PutTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persisting trade: %w", err)
	}

	metrics.IncSettlement(string(instr.Kind), "ok")
	c.logger.Info("settlement.trade_settled",
		zap.String("trade_id", trade.ID.String()),
		zap.String("kind", string(trade.Kind)),
		zap.String("chain_id", trade.ChainID),
		zap.String("tx_ref", trade.TxRef),
	)
	c.notifyTrade(ctx, trade, notifyAddr)
	return trade, nil
}

func stricter(a, b model.PrivacyLevel) model.PrivacyLevel {
	rank := map[model.PrivacyLevel]int{
		model.PrivacyTransparent: 0,
		model.PrivacyCompliant:   1,
		model.PrivacyShielded:    2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func (c *Coordinator) buildDisclosure(id uuid.UUID, level model.PrivacyLevel, detail []byte) (model.Disclosure, error) {
	var seal func([]byte) ([]byte, error)
	if c.sealer != nil {
		seal = func(d []byte) ([]byte, error) { return c.sealer.SealDetail(id, d) }
	}
	return model.NewDisclosure(level, detail, seal)
}

func (c *Coordinator) notifyTrade(ctx context.Context, trade *model.Trade, addr string) {
	payload, _ := json.Marshal(model.TradeEvent{
		TradeID:     trade.ID,
		Kind:        trade.Kind,
		ChainID:     trade.ChainID,
		TxRef:       trade.TxRef,
		PriceCommit: trade.PriceCommit,
		SizeCommit:  trade.SizeCommit,
	})
	c.notifier.Notify(ctx, model.Envelope{
		ID:            uuid.New(),
		CorrelationID: trade.ID,
		Topic:         "settlement",
		EventType:     "trade.settled",
		Version:       "1",
		StealthAddr:   addr,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	})
}
