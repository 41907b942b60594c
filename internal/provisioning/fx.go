package provisioning

import (
	"github.com/nusalink/ispbill/internal/outbox"
	"go.uber.org/fx"
)

var Module = fx.Module("provisioning",
	fx.Provide(
		fx.Annotate(NewLogProvisioner, fx.As(new(Provisioner))),
		fx.Annotate(NewLogNotifier, fx.As(new(Notifier))),
	),
	fx.Invoke(func(d *outbox.Dispatcher, p Provisioner, n Notifier) {
		RegisterHandlers(d, p, n)
	}),
)
