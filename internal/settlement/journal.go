package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Phase of one leg of a cross-chain settlement. The journal entry is written
// before the corresponding remote call, so after a crash the journal is always
// at least as advanced as the chains.
type Phase string

const (
	PhasePending    Phase = "PENDING"
	PhasePreparing  Phase = "PREPARING"
	PhasePrepared   Phase = "PREPARED"
	PhaseCommitting Phase = "COMMITTING"
	PhaseCommitted  Phase = "COMMITTED"
	PhaseAborting   Phase = "ABORTING"
	PhaseAborted    Phase = "ABORTED"
)

// Status of the whole cross-chain settlement.
type Status string

const (
	StatusPreparing  Status = "PREPARING"
	StatusCommitting Status = "COMMITTING"
	StatusDone       Status = "DONE"
	StatusAborted    Status = "ABORTED"
)

// Leg is the journal's view of one chain's progress.
type Leg struct {
	ChainID string `json:"chain_id"`
	Phase   Phase  `json:"phase"`
	TxRef   string `json:"tx_ref,omitempty"`
}

// State is the durable record of a cross-chain settlement. The embedded
// instruction carries the proof so recovery can re-commit without re-running
// matching or proving.
type State struct {
	TradeID     uuid.UUID   `json:"trade_id"`
	Status      Status      `json:"status"`
	Instruction Instruction `json:"instruction"`
	Legs        []Leg       `json:"legs"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (s *State) leg(chainID string) *Leg {
	for i := range s.Legs {
		if s.Legs[i].ChainID == chainID {
			return &s.Legs[i]
		}
	}
	return nil
}

// Journal persists cross-chain settlement state. Save must be durable before
// returning: the coordinator writes intent before every remote call.
type Journal interface {
	Save(ctx context.Context, state *State) error
	Load(ctx context.Context, tradeID uuid.UUID) (*State, error)
	// Unfinished returns every settlement that is neither DONE nor ABORTED.
	Unfinished(ctx context.Context) ([]State, error)
	Delete(ctx context.Context, tradeID uuid.UUID) error
}

// MemoryJournal keeps state in process. Suitable for tests and single-node
// deployments that accept losing recovery on restart.
type MemoryJournal struct {
	mu     sync.RWMutex
	states map[uuid.UUID]State
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{states: make(map[uuid.UUID]State)}
}

func (j *MemoryJournal) Save(_ context.Context, state *State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *state
	cp.Legs = append([]Leg(nil), state.Legs...)
	cp.UpdatedAt = time.Now().UTC()
	j.states[state.TradeID] = cp
	return nil
}

func (j *MemoryJournal) Load(_ context.Context, tradeID uuid.UUID) (*State, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	st, ok := j.states[tradeID]
	if !ok {
		return nil, fmt.Errorf("journal entry %s not found", tradeID)
	}
	st.Legs = append([]Leg(nil), st.Legs...)
	return &st, nil
}

func (j *MemoryJournal) Unfinished(_ context.Context) ([]State, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []State
	for _, st := range j.states {
		if st.Status == StatusDone || st.Status == StatusAborted {
			continue
		}
		cp := st
		cp.Legs = append([]Leg(nil), st.Legs...)
		out = append(out, cp)
	}
	return out, nil
}

func (j *MemoryJournal) Delete(_ context.Context, tradeID uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.states, tradeID)
	return nil
}

// PGJournal persists state as jsonb, one row per trade.
type PGJournal struct {
	pool *pgxpool.Pool
}

func NewPGJournal(pool *pgxpool.Pool) *PGJournal {
	return &PGJournal{pool: pool}
}

func (j *PGJournal) Save(ctx context.Context, state *State) error {
	state.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding journal state: %w", err)
	}
	_, err = j.pool.Exec(ctx, `
		INSERT INTO settlement.t_journal (trade_id, status, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (trade_id)
		DO UPDATE SET status = EXCLUDED.status, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, state.TradeID, string(state.Status), blob, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persisting journal state: %w", err)
	}
	return nil
}

func (j *PGJournal) Load(ctx context.Context, tradeID uuid.UUID) (*State, error) {
	var blob []byte
	err := j.pool.QueryRow(ctx,
		`SELECT state FROM settlement.t_journal WHERE trade_id = $1`, tradeID).Scan(&blob)
	if err != nil {
		return nil, fmt.Errorf("loading journal entry %s: %w", tradeID, err)
	}
	var st State
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("decoding journal entry %s: %w", tradeID, err)
	}
	return &st, nil
}

func (j *PGJournal) Unfinished(ctx context.Context) ([]State, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT state FROM settlement.t_journal WHERE status NOT IN ('DONE', 'ABORTED')`)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished settlements: %w", err)
	}
	defer rows.Close()

	var out []State
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var st State
		if err := json.Unmarshal(blob, &st); err != nil {
			return nil, fmt.Errorf("decoding journal entry: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (j *PGJournal) Delete(ctx context.Context, tradeID uuid.UUID) error {
	_, err := j.pool.Exec(ctx, `DELETE FROM settlement.t_journal WHERE trade_id = $1`, tradeID)
	return err
}
