package dispatcher

import (
	"context"

	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/queue/domain"
	"github.com/smallbiznis/srmgate/internal/regulator"
	"go.uber.org/fx"
)

var Module = fx.Module("queue.dispatcher",
	fx.Provide(ConfigFrom),
	fx.Provide(func(c *regulator.Client) domain.Sender { return c }),
	fx.Provide(New),
	fx.Invoke(Start),
)

// Start runs the dispatcher for the lifetime of the application.
func Start(lc fx.Lifecycle, cfg config.Config, d *Dispatcher) {
	if !cfg.Dispatch.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				d.RunForever(ctx)
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
