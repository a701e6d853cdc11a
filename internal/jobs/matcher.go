package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/darkpool"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

// MatchRunner drives periodic matching rounds for a fixed set of pairs.
// Rounds on different pairs run sequentially; a round that produces no
// crossing orders is a no-op.
type MatchRunner struct {
	pool     *darkpool.Service
	pairs    []model.Pair
	logger   *zap.Logger
	interval time.Duration
}

func NewMatchRunner(pool *darkpool.Service, pairs []model.Pair, interval time.Duration, logger *zap.Logger) *MatchRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatchRunner{pool: pool, pairs: pairs, logger: logger, interval: interval}
}

// Start runs matching rounds until context cancellation.
func (j *MatchRunner) Start(ctx context.Context) {
	j.logger.Info("matcher.start",
		zap.Duration("interval", j.interval),
		zap.Int("pairs", len(j.pairs)),
	)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.round(ctx)
		case <-ctx.Done():
			j.logger.Info("matcher.stopped")
			return
		}
	}
}

func (j *MatchRunner) round(ctx context.Context) {
	for _, pair := range j.pairs {
		trades, err := j.pool.RunMatching(ctx, pair)
		if err != nil {
			j.logger.Warn("matcher.round_failed",
				zap.String("pair", pair.String()),
				zap.Error(err),
			)
			continue
		}
		if len(trades) > 0 {
			j.logger.Info("matcher.round_complete",
				zap.String("pair", pair.String()),
				zap.Int("trades", len(trades)),
			)
		}
	}
}
