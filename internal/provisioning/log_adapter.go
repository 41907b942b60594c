package provisioning

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// LogProvisioner is the default Provisioner: it records the intent and
// succeeds. Real deployments swap in a RADIUS or router-API implementation.
type LogProvisioner struct {
	log *zap.Logger
}

func NewLogProvisioner(log *zap.Logger) *LogProvisioner {
	return &LogProvisioner{log: log.Named("provisioning")}
}

func (p *LogProvisioner) Deprovision(ctx context.Context, customerID snowflake.ID) error {
	p.log.Info("deprovision", zap.String("customer_id", customerID.String()))
	return nil
}

func (p *LogProvisioner) Reprovision(ctx context.Context, customerID snowflake.ID) error {
	p.log.Info("reprovision", zap.String("customer_id", customerID.String()))
	return nil
}

func (p *LogProvisioner) ApplyThrottle(ctx context.Context, customerID snowflake.ID, speed string) error {
	p.log.Info("apply throttle",
		zap.String("customer_id", customerID.String()),
		zap.String("speed", speed),
	)
	return nil
}

func (p *LogProvisioner) ClearThrottle(ctx context.Context, customerID snowflake.ID) error {
	p.log.Info("clear throttle", zap.String("customer_id", customerID.String()))
	return nil
}

// LogNotifier logs notifications instead of sending them.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, customerID snowflake.ID, event string, payload map[string]interface{}) error {
	n.log.Info("notify",
		zap.String("customer_id", customerID.String()),
		zap.String("event", event),
		zap.Any("payload", payload),
	)
	return nil
}
