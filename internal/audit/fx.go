package audit

import "go.uber.org/fx"

var Module = fx.Module("audit",
	fx.Provide(New),
)
