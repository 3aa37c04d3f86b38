package enrollment

import (
	"context"
	"time"

	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/enrollment/domain"
	"github.com/smallbiznis/srmgate/internal/enrollment/repository"
	"github.com/smallbiznis/srmgate/internal/enrollment/service"
	"github.com/smallbiznis/srmgate/internal/regulator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("enrollment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(c *regulator.Client) domain.Regulator { return c }),
	fx.Provide(service.NewService),
	fx.Invoke(StartRecovery),
)

// StartRecovery sweeps stale enrollments at startup and then every half
// stale period until shutdown.
func StartRecovery(lc fx.Lifecycle, cfg config.Config, svc domain.Service, log *zap.Logger) {
	interval := cfg.SRM.EnrollmentStaleAfter / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	log = log.Named("enrollment.recovery")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if _, err := svc.RecoverStale(ctx); err != nil && ctx.Err() == nil {
						log.Warn("enrollment.recovery.failed", zap.Error(err))
					}
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
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
