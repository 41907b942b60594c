package outbox

import "go.uber.org/fx"

var Module = fx.Module("outbox",
	fx.Provide(NewOutbox),
	fx.Provide(NewDispatcher),
	fx.Provide(func() DispatcherConfig { return DefaultDispatcherConfig() }),
)
