package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically deletes expired keys.
type Sweeper struct {
	store    Store
	interval time.Duration
	batch    int
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(store Store, interval time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if batch <= 0 {
		batch = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, interval: interval, batch: batch, logger: logger, now: time.Now}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep deletes expired keys batch by batch until a batch comes back short.
func (s *Sweeper) Sweep(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		removed, err := s.store.CleanupExpired(ctx, s.now(), s.batch)
		total += removed
		if err != nil {
			s.logger.Warn("idempotency: cleanup failed", zap.Error(err), zap.Int("removed", total))
			break
		}
		if removed < s.batch {
			break
		}
	}
	if total > 0 {
		s.logger.Debug("idempotency: expired keys removed", zap.Int("removed", total))
	}
	return total
}
