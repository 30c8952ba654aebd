package schedule

import (
	"flowplane/services/dispatch"

	"go.uber.org/fx"
)

var Module = fx.Module("schedule.service",
	fx.Provide(
		NewService,
		func(s *dispatch.Service) Dispatcher { return s },
	),
)

// ProcessorModule runs the periodic tick; only the worker binary loads it.
var ProcessorModule = fx.Module("schedule.processor",
	fx.Provide(NewProcessor),
	fx.Invoke(StartProcessor),
)
