package fup

import "go.uber.org/fx"

var Module = fx.Module("fup",
	fx.Provide(
		New,
		func() Config { return DefaultConfig() },
		fx.Annotate(NewNopUsageSource, fx.As(new(UsageSource))),
	),
)
