package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

// HybridStore layers durable storage over the in-memory active set: Redis for
// the replay set and hot trade lookups, Postgres for the immutable audit trail
// of terminal records and trades. The in-memory store stays authoritative for
// per-record serialization and versioning.
type HybridStore struct {
	*MemoryStore

	redis  *redis.Client
	PG     *pgxpool.Pool
	logger *zap.Logger

	tradeTTL time.Duration
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewHybrid creates a Redis-first, Postgres-backed store. pgURL may be empty
// for deployments without an audit database.
func NewHybrid(redisAddr string, redisDB int, pgURL string, pgPoolConfig PGPoolConfig, logger *zap.Logger) (*HybridStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
		DB:   redisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pgPool *pgxpool.Pool
	if pgURL != "" {
		cfg, err := pgxpool.ParseConfig(pgURL)
		if err != nil {
			return nil, fmt.Errorf("invalid pg config: %w", err)
		}
		if pgPoolConfig.MaxConns > 0 {
			cfg.MaxConns = pgPoolConfig.MaxConns
		}
		if pgPoolConfig.MinConns > 0 {
			cfg.MinConns = pgPoolConfig.MinConns
		}
		if pgPoolConfig.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
		}
		if pgPoolConfig.MaxConnIdleTime > 0 {
			cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
		}
		if pgPoolConfig.HealthCheckPeriod > 0 {
			cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
		}
		pgPool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	return &HybridStore{
		MemoryStore: NewMemory(logger),
		redis:       rdb,
		PG:          pgPool,
		logger:      logger,
		tradeTTL:    24 * time.Hour,
	}, nil
}

// ReserveNonce uses Redis SETNX so replay protection holds across instances,
// then records the nonce locally as well.
func (s *HybridStore) ReserveNonce(ctx context.Context, addr string, nonce uint64) error {
	key := fmt.Sprintf("nonce:%s:%d", addr, nonce)
	ok, err := s.redis.SetNX(ctx, key, 1, 0).Result()
	if err != nil {
		return fmt.Errorf("nonce reservation failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("addr %s nonce %d: %w", addr, nonce, ErrNonceReplayed)
	}
	return s.MemoryStore.ReserveNonce(ctx, addr, nonce)
}

// UpdateRequest applies the mutation in memory, then archives the record if it
// reached a terminal status.
func (s *HybridStore) UpdateRequest(ctx context.Context, id uuid.UUID, mutate func(*model.QuoteRequest) error) (*model.QuoteRequest, error) {
	rec, err := s.MemoryStore.UpdateRequest(ctx, id, mutate)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		s.archiveRequest(ctx, rec)
	}
	return rec, nil
}

// UpdateOrder applies the mutation in memory, then archives terminal records.
func (s *HybridStore) UpdateOrder(ctx context.Context, id uuid.UUID, mutate func(*model.Order) error) (*model.Order, error) {
	rec, err := s.MemoryStore.UpdateOrder(ctx, id, mutate)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		s.archiveOrder(ctx, rec)
	}
	return rec, nil
}

// UpdateOrderCAS mirrors UpdateOrder under a version guard.
func (s *HybridStore) UpdateOrderCAS(ctx context.Context, id uuid.UUID, expectedVersion uint64, mutate func(*model.Order) error) (*model.Order, error) {
	rec, err := s.MemoryStore.UpdateOrderCAS(ctx, id, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		s.archiveOrder(ctx, rec)
	}
	return rec, nil
}

// PutTrade persists the immutable trade record to every layer.
func (s *HybridStore) PutTrade(ctx context.Context, t *model.Trade) error {
	if err := s.MemoryStore.PutTrade(ctx, t); err != nil {
		return err
	}

	if data, err := json.Marshal(t); err == nil {
		if err := s.redis.Set(ctx, "trade:"+t.ID.String(), data, s.tradeTTL).Err(); err != nil {
			s.logger.Warn("store.redis.trade_cache_failed",
				zap.String("trade_id", t.ID.String()), zap.Error(err))
		}
	}

	if s.PG == nil {
		return nil
	}
	_, err := s.PG.Exec(ctx, `
		INSERT INTO activity.t_trade (
			s_id_trade, s_kind, s_pair, s_price_commitment, s_size_commitment,
			s_taker_commitment, s_maker_commitment, b_proof, s_tx_ref,
			s_chain_id, s_privacy, dt_executed, s_fee_level
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (s_id_trade) DO NOTHING;
	`, t.ID, t.Kind, t.Pair.String(), t.PriceCommit, t.SizeCommit,
		t.TakerCommit, t.MakerCommit, t.Proof, t.TxRef,
		t.ChainID, t.Privacy, t.ExecutedAt, t.Cost.FeeLevel)
	if err != nil {
		s.logger.Error("store.pg.insert_trade_failed",
			zap.String("trade_id", t.ID.String()), zap.Error(err))
	}
	return err
}

// GetTrade checks memory, then the Redis cache.
func (s *HybridStore) GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	if t, err := s.MemoryStore.GetTrade(ctx, id); err == nil {
		return t, nil
	}

	data, err := s.redis.Get(ctx, "trade:"+id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, err
	}

	var t model.Trade
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("trade %s: corrupt cache entry: %w", id, err)
	}
	return &t, nil
}

func (s *HybridStore) archiveRequest(ctx context.Context, r *model.QuoteRequest) {
	if s.PG == nil {
		return
	}
	_, err := s.PG.Exec(ctx, `
		INSERT INTO activity.t_request_for_quote (
			s_id_request_for_quote, s_pair, s_side, s_size_commitment,
			s_response_addr, s_privacy, s_status, dt_created, dt_expiry, i_nonce
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (s_id_request_for_quote)
		DO UPDATE SET s_status = EXCLUDED.s_status;
	`, r.ID, r.Pair.String(), r.Side, r.SizeCommit,
		r.ResponseAddr, r.Privacy, r.Status, r.CreatedAt, r.ExpiresAt, int64(r.Nonce))
	if err != nil {
		s.logger.Error("store.pg.archive_request_failed",
			zap.String("request_id", r.ID.String()), zap.Error(err))
	}
}

func (s *HybridStore) archiveOrder(ctx context.Context, o *model.Order) {
	if s.PG == nil {
		return
	}
	_, err := s.PG.Exec(ctx, `
		INSERT INTO activity.t_order (
			s_id_order, s_pair, s_side, s_type, s_price_commitment,
			s_size_commitment, s_privacy, s_status, s_filled, s_remaining,
			dt_created, dt_expiry, i_nonce
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (s_id_order)
		DO UPDATE SET
			s_status = EXCLUDED.s_status,
			s_filled = EXCLUDED.s_filled,
			s_remaining = EXCLUDED.s_remaining;
	`, o.ID, o.Pair.String(), o.Side, o.Type, o.PriceCommit,
		o.SizeCommit, o.Privacy, o.Status, o.FilledSize.String(), o.RemainingSize.String(),
		o.CreatedAt, o.ExpiresAt, int64(o.Nonce))
	if err != nil {
		s.logger.Error("store.pg.archive_order_failed",
			zap.String("order_id", o.ID.String()), zap.Error(err))
	}
}

// SweepExpired routes every expiry through the hybrid update path so swept
// records reach the audit trail like any other terminal transition.
func (s *HybridStore) SweepExpired(ctx context.Context, now time.Time) (int, int, error) {
	reqIDs, ordIDs := s.expiredLiveIDs(now)

	var requests int
	for _, id := range reqIDs {
		_, err := s.UpdateRequest(ctx, id, func(r *model.QuoteRequest) error {
			if r.Status.Terminal() || !r.Expired(now) {
				return fmt.Errorf("request %s: %w", id, ErrTransition)
			}
			r.Status = model.RequestExpired
			return nil
		})
		if err != nil {
			continue // raced with another transition
		}
		requests++
	}

	var orders int
	for _, id := range ordIDs {
		_, err := s.UpdateOrder(ctx, id, func(o *model.Order) error {
			if o.Status.Terminal() || !o.Expired(now) {
				return fmt.Errorf("order %s: %w", id, ErrTransition)
			}
			o.Status = model.OrderExpired
			return nil
		})
		if err != nil {
			continue
		}
		orders++
	}

	return requests, orders, nil
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
