package execution

import (
	"go.uber.org/fx"
)

var Module = fx.Module("execution.service",
	fx.Provide(
		NewService,
	),
)

// ReaperModule runs the stuck-execution sweep; only the worker binary loads it.
var ReaperModule = fx.Module("execution.reaper",
	fx.Provide(NewReaper),
	fx.Invoke(StartReaper),
)
