package dispatch

import (
	"flowplane/pkg/task"

	"go.uber.org/fx"
)

var Module = fx.Module("dispatch.service",
	fx.Provide(
		NewService,
		func(s *Service) task.PoisonRecorder { return s },
	),
)
