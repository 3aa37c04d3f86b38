package regulator

import "go.uber.org/fx"

var Module = fx.Module("regulator",
	fx.Provide(NewClient),
)
