package provisioning

import (
	"context"
	"fmt"

	"github.com/nusalink/ispbill/internal/outbox"
)

// RegisterHandlers binds outbox task kinds to the provisioner and notifier.
func RegisterHandlers(d *outbox.Dispatcher, prov Provisioner, notifier Notifier) {
	d.Register(outbox.KindDeprovision, func(ctx context.Context, task outbox.Task) error {
		return prov.Deprovision(ctx, task.CustomerID)
	})
	d.Register(outbox.KindReprovision, func(ctx context.Context, task outbox.Task) error {
		return prov.Reprovision(ctx, task.CustomerID)
	})
	d.Register(outbox.KindApplyThrottle, func(ctx context.Context, task outbox.Task) error {
		speed, _ := task.Payload["speed"].(string)
		return prov.ApplyThrottle(ctx, task.CustomerID, speed)
	})
	d.Register(outbox.KindClearThrottle, func(ctx context.Context, task outbox.Task) error {
		return prov.ClearThrottle(ctx, task.CustomerID)
	})
	d.Register(outbox.KindNotify, func(ctx context.Context, task outbox.Task) error {
		event, ok := task.Payload["event"].(string)
		if !ok || event == "" {
			return fmt.Errorf("notify task %s missing event", task.PublicID)
		}
		return notifier.Notify(ctx, task.CustomerID, event, task.Payload)
	})
}
