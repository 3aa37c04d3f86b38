package dispatcher

import (
	"context"

	"go.uber.org/zap"
)

// RecoverStuck returns items left in processing longer than StuckAfter to
// pending and frees half-open breaker grants that never resolved. Only a
// crashed or killed worker leaves either behind.
func (d *Dispatcher) RecoverStuck(ctx context.Context) (int64, error) {
	released, err := d.breaker.ReleaseExpired(ctx)
	if err != nil {
		d.metrics.IncStoreError(err)
		return 0, err
	}
	if released > 0 {
		d.log.Warn("dispatcher.released_probes", zap.Int("endpoints", released))
	}

	now := d.clock.Now().UTC()
	n, err := d.repo.RevertStuck(ctx, d.db, now.Add(-d.cfg.StuckAfter), now)
	if err != nil {
		d.metrics.IncStoreError(err)
		return 0, err
	}
	if n > 0 {
		d.log.Warn("dispatcher.recovered_stuck", zap.Int64("items", n), zap.Duration("stuck_after", d.cfg.StuckAfter))
	}
	return n, nil
}
