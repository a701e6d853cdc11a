package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// LocalExecutor settles against an in-process ledger. Used in development and
// single-chain deployments where no settlement gateway exists; receipts are
// final immediately.
type LocalExecutor struct {
	chainID string

	mu        sync.Mutex
	prepared  map[string]struct{}
	committed map[string]*Receipt
}

func NewLocalExecutor(chainID string) *LocalExecutor {
	return &LocalExecutor{
		chainID:   chainID,
		prepared:  make(map[string]struct{}),
		committed: make(map[string]*Receipt),
	}
}

func (e *LocalExecutor) ChainID() string { return e.chainID }

func (e *LocalExecutor) SubmitSettlement(_ context.Context, instr Instruction) (*Receipt, error) {
	return e.receiptFor(instr)
}

func (e *LocalExecutor) Prepare(_ context.Context, instr Instruction) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prepared[instr.TradeID.String()] = struct{}{}
	return &Receipt{TxRef: "prep-" + instr.TradeID.String()}, nil
}

func (e *LocalExecutor) Commit(_ context.Context, instr Instruction) (*Receipt, error) {
	return e.receiptFor(instr)
}

func (e *LocalExecutor) Abort(_ context.Context, instr Instruction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.prepared, instr.TradeID.String())
	return nil
}

// receiptFor mints one transaction reference per trade; repeats return the
// original receipt so commit stays idempotent.
func (e *LocalExecutor) receiptFor(instr Instruction) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := instr.TradeID.String()
	if rcpt, ok := e.committed[key]; ok {
		return rcpt, nil
	}

	var ref [16]byte
	if _, err := rand.Read(ref[:]); err != nil {
		return nil, fmt.Errorf("minting tx ref: %w", err)
	}
	rcpt := &Receipt{TxRef: "0x" + hex.EncodeToString(ref[:]), Finalized: true}
	e.committed[key] = rcpt
	delete(e.prepared, key)
	return rcpt, nil
}
