package provisioning

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Provisioner pushes access changes down to the network layer (RADIUS,
// router API, OLT). Implementations must be idempotent: the outbox delivers
// at least once.
type Provisioner interface {
	Deprovision(ctx context.Context, customerID snowflake.ID) error
	Reprovision(ctx context.Context, customerID snowflake.ID) error
	ApplyThrottle(ctx context.Context, customerID snowflake.ID, speed string) error
	ClearThrottle(ctx context.Context, customerID snowflake.ID) error
}

// Notifier delivers customer-facing messages (invoice issued, payment
// reminder, suspension notice).
type Notifier interface {
	Notify(ctx context.Context, customerID snowflake.ID, event string, payload map[string]interface{}) error
}
