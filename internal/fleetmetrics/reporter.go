package fleetmetrics

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const minInterval = 10 * time.Second

// Reporter refreshes the collector and pushes it on a fixed interval.
type Reporter struct {
	collector *Collector
	pusher    Pusher
	interval  time.Duration
	log       *zap.Logger

	failing bool
}

func NewReporter(collector *Collector, pusher Pusher, interval time.Duration, log *zap.Logger) *Reporter {
	if interval < minInterval {
		interval = minInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{
		collector: collector,
		pusher:    pusher,
		interval:  interval,
		log:       log.Named("fleetmetrics"),
	}
}

// ReportOnce refreshes and pushes a single snapshot. Only the first of a
// run of consecutive failures is logged.
func (r *Reporter) ReportOnce(ctx context.Context) error {
	if r == nil || r.pusher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pushTimeout*2)
	defer cancel()

	err := r.collector.Refresh(ctx)
	if err == nil {
		err = r.pusher.Push(ctx, r.collector.Registry())
	}
	if err != nil {
		if !r.failing {
			r.log.Warn("fleetmetrics.push_failed", zap.Error(err))
		}
		r.failing = true
		return err
	}
	if r.failing {
		r.log.Info("fleetmetrics.push_recovered")
	}
	r.failing = false
	return nil
}

func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	_ = r.ReportOnce(ctx)
	for {
		select {
		case <-ticker.C:
			_ = r.ReportOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}
