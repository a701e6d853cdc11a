package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/obscura-trade/obscura-core/internal/metrics"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

// CrossChainError reports which stage of the two-phase protocol failed.
type CrossChainError struct {
	Stage string // "prepare", "commit", "abort"
	Chain string
	Err   error
}

func (e *CrossChainError) Error() string {
	return fmt.Sprintf("cross-chain %s on %s failed: %v", e.Stage, e.Chain, e.Err)
}

func (e *CrossChainError) Unwrap() error { return e.Err }

// commitRetries bounds in-line commit retries before recovery takes over.
const commitRetries = 3

// executeCross settles one instruction across two ledgers and persists the
// resulting trade. The trade records the destination chain, where the taker's
// assets land, and carries that leg's commit transaction as its reference.
func (c *Coordinator) executeCross(ctx context.Context, instr Instruction, privacy model.PrivacyLevel, notifyAddr string, price, size decimal.Decimal, sourceChain, destChain string) (*model.Trade, error) {
	level, err := c.fees.Estimate(ctx, instr)
	if err != nil {
		// Advisory only.
		c.logger.Warn("settlement.fee_estimate_failed", zap.Error(err))
		level = "standard"
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
		ChainID:     destChain,
		Privacy:     privacy,
		Cost:        model.Cost{FeeLevel: level},
	}
	if err := c.SettleCrossChain(ctx, trade, sourceChain, destChain); err != nil {
		return nil, err
	}
	trade.ExecutedAt = c.now().UTC()

	state, err := c.journal.Load(ctx, trade.ID)
	if err != nil {
		return nil, fmt.Errorf("loading journal entry for trade %s: %w", trade.ID, err)
	}
	if leg := state.leg(destChain); leg != nil {
		trade.TxRef = leg.TxRef
	}

	detail, _ := json.Marshal(struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	}{price.String(), size.String()})
	disclosure, err := c.buildDisclosure(trade.ID, privacy, detail)
	if err != nil {
		return nil, err
	}
	trade.Disclosure = disclosure

	if err := c.store.PutTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persisting trade: %w", err)
	}
	c.logger.Info("settlement.trade_settled",
		zap.String("trade_id", trade.ID.String()),
		zap.String("kind", string(trade.Kind)),
		zap.String("chain_id", trade.ChainID),
		zap.String("tx_ref", trade.TxRef),
	)
	c.notifyTrade(ctx, trade, notifyAddr)
	return trade, nil
}

// SettleCrossChain settles a trade across two ledgers with a two-phase
// protocol: prepare on both (reserve/lock), then commit on both, or abort on
// both. Journal state is persisted before every remote call, so a crash at
// any point leaves enough to converge: Recover retries commit on the
// remaining chain with the already-generated proof instead of re-matching.
func (c *Coordinator) SettleCrossChain(ctx context.Context, trade *model.Trade, sourceChain, destChain string) error {
	if sourceChain == destChain {
		return fmt.Errorf("source and destination chain are both %q", sourceChain)
	}
	if len(trade.Proof) == 0 {
		return fmt.Errorf("trade %s carries no proof", trade.ID)
	}

	instr := Instruction{
		TradeID:     trade.ID,
		Kind:        trade.Kind,
		Pair:        trade.Pair,
		PriceCommit: trade.PriceCommit,
		SizeCommit:  trade.SizeCommit,
		TakerCommit: trade.TakerCommit,
		MakerCommit: trade.MakerCommit,
		Proof:       trade.Proof,
	}

	state := &State{
		TradeID:     trade.ID,
		Status:      StatusPreparing,
		Instruction: instr,
		Legs: []Leg{
			{ChainID: sourceChain, Phase: PhasePending},
			{ChainID: destChain, Phase: PhasePending},
		},
	}
	if err := c.journal.Save(ctx, state); err != nil {
		return fmt.Errorf("journaling settlement intent: %w", err)
	}

	if err := c.prepareAll(ctx, state); err != nil {
		c.abortAll(ctx, state)
		metrics.IncSettlement("cross_chain", "aborted")
		return err
	}

	state.Status = StatusCommitting
	if err := c.journal.Save(ctx, state); err != nil {
		return fmt.Errorf("journaling commit intent: %w", err)
	}
	if err := c.commitAll(ctx, state); err != nil {
		// Never abort here: at least one chain may already be final. The
		// journal keeps the state COMMITTING so Recover converges it.
		metrics.IncSettlement("cross_chain", "commit_pending")
		return err
	}

	state.Status = StatusDone
	if err := c.journal.Save(ctx, state); err != nil {
		return fmt.Errorf("journaling completion: %w", err)
	}
	metrics.IncSettlement("cross_chain", "ok")
	c.logger.Info("settlement.cross_chain_done",
		zap.String("trade_id", trade.ID.String()),
		zap.String("source_chain", sourceChain),
		zap.String("dest_chain", destChain),
	)
	return nil
}

// prepareAll runs the prepare leg on every chain concurrently. Both must
// confirm before the protocol proceeds.
func (c *Coordinator) prepareAll(ctx context.Context, state *State) error {
	for i := range state.Legs {
		state.Legs[i].Phase = PhasePreparing
	}
	if err := c.journal.Save(ctx, state); err != nil {
		return fmt.Errorf("journaling prepare intent: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range state.Legs {
		leg := &state.Legs[i]
		g.Go(func() error {
			ex, err := c.registry.Lookup(leg.ChainID)
			if err != nil {
				return &CrossChainError{Stage: "prepare", Chain: leg.ChainID, Err: err}
			}
			receipt, err := ex.Prepare(gctx, state.Instruction)
			if err != nil {
				return &CrossChainError{Stage: "prepare", Chain: leg.ChainID, Err: err}
			}
			leg.Phase = PhasePrepared
			leg.TxRef = receipt.TxRef
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return c.journal.Save(ctx, state)
}

// commitAll commits every prepared leg, retrying each a bounded number of
// times. Commit is idempotent per instruction, so retries are safe.
func (c *Coordinator) commitAll(ctx context.Context, state *State) error {
	for i := range state.Legs {
		leg := &state.Legs[i]
		if leg.Phase == PhaseCommitted {
			continue
		}
		leg.Phase = PhaseCommitting
		if err := c.journal.Save(ctx, state); err != nil {
			return fmt.Errorf("journaling commit leg: %w", err)
		}

		ex, err := c.registry.Lookup(leg.ChainID)
		if err != nil {
			return &CrossChainError{Stage: "commit", Chain: leg.ChainID, Err: err}
		}

		var lastErr error
		for attempt := 0; attempt < commitRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(backoff(attempt - 1)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			receipt, err := ex.Commit(ctx, state.Instruction)
			if err == nil {
				leg.Phase = PhaseCommitted
				leg.TxRef = receipt.TxRef
				lastErr = nil
				break
			}
			lastErr = err
			c.logger.Warn("settlement.commit_retry",
				zap.String("trade_id", state.TradeID.String()),
				zap.String("chain", leg.ChainID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
		if lastErr != nil {
			return &CrossChainError{Stage: "commit", Chain: leg.ChainID, Err: lastErr}
		}
		if err := c.journal.Save(ctx, state); err != nil {
			return fmt.Errorf("journaling committed leg: %w", err)
		}
	}
	return nil
}

// abortAll unlocks every leg after a failed prepare. Abort failures are
// logged, not returned: the prepare locks expire on-chain regardless.
func (c *Coordinator) abortAll(ctx context.Context, state *State) {
	state.Status = StatusAborted
	for i := range state.Legs {
		state.Legs[i].Phase = PhaseAborting
	}
	if err := c.journal.Save(ctx, state); err != nil {
		c.logger.Error("settlement.journal_abort_failed",
			zap.String("trade_id", state.TradeID.String()),
			zap.Error(err),
		)
	}

	for i := range state.Legs {
		leg := &state.Legs[i]
		ex, err := c.registry.Lookup(leg.ChainID)
		if err != nil {
			continue
		}
		if err := ex.Abort(ctx, state.Instruction); err != nil {
			c.logger.Warn("settlement.abort_failed",
				zap.String("trade_id", state.TradeID.String()),
				zap.String("chain", leg.ChainID),
				zap.Error(err),
			)
			continue
		}
		leg.Phase = PhaseAborted
	}
	if err := c.journal.Save(ctx, state); err != nil {
		c.logger.Error("settlement.journal_abort_failed",
			zap.String("trade_id", state.TradeID.String()),
			zap.Error(err),
		)
	}
}

// Recover converges every unfinished cross-chain settlement found in the
// journal. A settlement interrupted after one chain committed is completed by
// re-committing the remaining chain with the existing proof; one interrupted
// during prepare is aborted on both chains.
func (c *Coordinator) Recover(ctx context.Context) error {
	states, err := c.journal.Unfinished(ctx)
	if err != nil {
		return fmt.Errorf("listing unfinished settlements: %w", err)
	}

	for i := range states {
		state := &states[i]
		switch state.Status {
		case StatusCommitting:
			c.logger.Info("settlement.recovering_commit",
				zap.String("trade_id", state.TradeID.String()),
			)
			if err := c.commitAll(ctx, state); err != nil {
				c.logger.Error("settlement.recovery_commit_failed",
					zap.String("trade_id", state.TradeID.String()),
					zap.Error(err),
				)
				continue
			}
			state.Status = StatusDone
			if err := c.journal.Save(ctx, state); err != nil {
				return fmt.Errorf("journaling recovered settlement: %w", err)
			}
			metrics.IncSettlement("cross_chain", "recovered")

		case StatusPreparing:
			c.logger.Info("settlement.recovering_abort",
				zap.String("trade_id", state.TradeID.String()),
			)
			c.abortAll(ctx, state)
		}
	}
	return nil
}
