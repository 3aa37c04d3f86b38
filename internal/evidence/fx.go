package evidence

import "go.uber.org/fx"

var Module = fx.Module("evidence",
	fx.Provide(NewExporter),
)
