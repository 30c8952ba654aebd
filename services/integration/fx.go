package integration

import (
	"go.uber.org/fx"
)

var Module = fx.Module("integration.service",
	fx.Provide(
		NewService,
	),
)

// RefresherModule runs the periodic refresh sweep; only the worker binary
// loads it.
var RefresherModule = fx.Module("integration.refresher",
	fx.Provide(NewRefresher),
	fx.Invoke(StartRefresher),
)
