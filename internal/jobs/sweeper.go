// Package jobs holds background loops that run for the life of the process.
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/metrics"
	"github.com/obscura-trade/obscura-core/internal/store"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

// ExpirySweeper periodically expires abandoned requests and orders. Reads
// already apply expiry lazily; the sweeper catches records nobody touches
// again so the book never accumulates dead liquidity.
type ExpirySweeper struct {
	store    store.Store
	logger   *zap.Logger
	interval time.Duration
}

func NewExpirySweeper(st store.Store, interval time.Duration, logger *zap.Logger) *ExpirySweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpirySweeper{store: st, logger: logger, interval: interval}
}

// Start runs the sweep loop until context cancellation.
func (j *ExpirySweeper) Start(ctx context.Context) {
	j.logger.Info("sweeper.start", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-ctx.Done():
			j.logger.Info("sweeper.stopped")
			return
		}
	}
}

func (j *ExpirySweeper) sweep(ctx context.Context) {
	requests, orders, err := j.store.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		j.logger.Warn("sweeper.sweep_failed", zap.Error(err))
		return
	}

	for i := 0; i < requests; i++ {
		metrics.IncRequestTransition(string(model.RequestExpired))
	}
	for i := 0; i < orders; i++ {
		metrics.IncOrderTransition(string(model.OrderExpired))
	}

	if requests > 0 || orders > 0 {
		j.logger.Info("sweeper.sweep_complete",
			zap.Int("expired_requests", requests),
			zap.Int("expired_orders", orders),
		)
	}
}
