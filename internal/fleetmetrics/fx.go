package fleetmetrics

import (
	"context"

	"github.com/smallbiznis/srmgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("fleet.metrics",
	fx.Provide(NewPusher),
	fx.Provide(func(cfg config.Config, db *gorm.DB, pusher Pusher, log *zap.Logger) *Reporter {
		if pusher == nil {
			return nil
		}
		collector := NewCollector(db, cfg.Fleet.InstanceID, cfg.AppVersion)
		return NewReporter(collector, pusher, cfg.Fleet.Interval, log)
	}),
	fx.Invoke(Start),
)

// Start pushes fleet metrics in the background while the app runs.
func Start(lc fx.Lifecycle, r *Reporter, log *zap.Logger) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("fleetmetrics.started")
			go func() {
				defer close(done)
				r.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
