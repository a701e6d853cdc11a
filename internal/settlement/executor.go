package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/metrics"
	"github.com/obscura-trade/obscura-core/internal/rate"
	"github.com/obscura-trade/obscura-core/pkg/model"
	"github.com/obscura-trade/obscura-core/pkg/secrets"
)

// Instruction is what a chain executor receives: commitments and a proof,
// never plaintext amounts.
type Instruction struct {
	TradeID     uuid.UUID        `json:"trade_id"`
	Kind        model.TradeKind  `json:"kind"`
	ChainID     string           `json:"chain_id"`
	Pair        model.Pair       `json:"pair"`
	PriceCommit model.Commitment `json:"price_commitment"`
	SizeCommit  model.Commitment `json:"size_commitment"`
	TakerCommit model.Commitment `json:"taker_commitment"`
	MakerCommit model.Commitment `json:"maker_commitment"`
	Proof       []byte           `json:"proof"`
	FeeLevel    string           `json:"fee_level,omitempty"`
}

// Receipt is a chain executor's acknowledgement.
type Receipt struct {
	TxRef     string `json:"tx_ref"`
	Finalized bool   `json:"finalized"`
}

// ChainExecutor drives settlement on one ledger. Commit must be idempotent
// for a given instruction and proof: re-submitting an already-committed
// settlement returns the original receipt.
type ChainExecutor interface {
	ChainID() string
	SubmitSettlement(ctx context.Context, instr Instruction) (*Receipt, error)
	Prepare(ctx context.Context, instr Instruction) (*Receipt, error)
	Commit(ctx context.Context, instr Instruction) (*Receipt, error)
	Abort(ctx context.Context, instr Instruction) error
}

// Registry maps chain ids to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ChainExecutor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]ChainExecutor)}
}

func (r *Registry) Register(ex ChainExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[ex.ChainID()] = ex
}

func (r *Registry) Lookup(chainID string) (ChainExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[chainID]
	if !ok {
		return nil, fmt.Errorf("no executor registered for chain %q", chainID)
	}
	return ex, nil
}

// backoff returns the retry sleep duration for the given attempt number.
func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// RemoteExecutor talks to a chain settlement gateway over HTTP with retries
// and rate limiting. Credentials come from the secrets provider.
type RemoteExecutor struct {
	chainID  string
	baseURL  string
	apiKey   string
	http     *http.Client
	rateMgr  *rate.Manager
	retryMax int
	logger   *zap.Logger
}

// NewRemoteExecutor resolves the chain's gateway credentials and returns an
// executor bound to it.
func NewRemoteExecutor(ctx context.Context, chainID, secretKey string, provider secrets.Provider, rateMgr *rate.Manager, logger *zap.Logger) (*RemoteExecutor, error) {
	raw, err := provider.GetSecret(ctx, secretKey)
	if err != nil {
		return nil, fmt.Errorf("loading executor credentials for %s: %w", chainID, err)
	}
	creds := secrets.ExecutorCredentials{
		ChainID: raw["chain_id"],
		APIKey:  raw["api_key"],
		APIURL:  raw["api_url"],
	}
	if creds.APIURL == "" {
		return nil, fmt.Errorf("executor secret %s: api_url missing", secretKey)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteExecutor{
		chainID:  chainID,
		baseURL:  creds.APIURL,
		apiKey:   creds.APIKey,
		http:     &http.Client{Timeout: 15 * time.Second},
		rateMgr:  rateMgr,
		retryMax: 2,
		logger:   logger,
	}, nil
}

func (e *RemoteExecutor) ChainID() string { return e.chainID }

func (e *RemoteExecutor) SubmitSettlement(ctx context.Context, instr Instruction) (*Receipt, error) {
	return e.post(ctx, "/settlements", "submit", instr)
}

func (e *RemoteExecutor) Prepare(ctx context.Context, instr Instruction) (*Receipt, error) {
	return e.post(ctx, "/settlements/prepare", "prepare", instr)
}

// Commit is idempotent on the gateway side: re-posting an already-committed
// trade id with the same proof returns the original receipt.
func (e *RemoteExecutor) Commit(ctx context.Context, instr Instruction) (*Receipt, error) {
	return e.post(ctx, "/settlements/commit", "commit", instr)
}

func (e *RemoteExecutor) Abort(ctx context.Context, instr Instruction) error {
	_, err := e.post(ctx, "/settlements/abort", "abort", instr)
	return err
}

func (e *RemoteExecutor) post(ctx context.Context, path, phase string, instr Instruction) (*Receipt, error) {
	if e.rateMgr != nil {
		if err := e.rateMgr.Wait(ctx, e.chainID); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	payload, err := json.Marshal(instr)
	if err != nil {
		return nil, fmt.Errorf("encoding instruction: %w", err)
	}

	start := time.Now()
	defer metrics.ObserveDuration(metrics.SettlementLegDuration, start, e.chainID, phase)

	var lastErr error
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if e.apiKey != "" {
			req.Header.Set("X-API-Key", e.apiKey)
		}

		resp, err := e.http.Do(req)
		if err != nil {
			lastErr = err
			e.logger.Warn("executor.http_failed",
				zap.String("chain", e.chainID),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("chain %s gateway error: %d", e.chainID, resp.StatusCode)
			e.logger.Warn("executor.server_error",
				zap.String("chain", e.chainID),
				zap.Int("status", resp.StatusCode))
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("chain %s rejected %s: %d: %s", e.chainID, phase, resp.StatusCode, string(body))
		}

		var receipt Receipt
		if len(body) > 0 {
			if err := json.Unmarshal(body, &receipt); err != nil {
				return nil, fmt.Errorf("decoding receipt: %w", err)
			}
		}
		return &receipt, nil
	}
	return nil, fmt.Errorf("chain %s %s failed after %d attempts: %w", e.chainID, phase, e.retryMax+1, lastErr)
}
