package fup

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// NopUsageSource reports zero usage. Deployments wire a RADIUS accounting
// or router-telemetry implementation in its place.
type NopUsageSource struct {
	log *zap.Logger
}

func NewNopUsageSource(log *zap.Logger) *NopUsageSource {
	return &NopUsageSource{log: log.Named("fup.source")}
}

func (s *NopUsageSource) UsageBytes(ctx context.Context, customerID snowflake.ID, since time.Time) (int64, error) {
	s.log.Debug("no usage source configured, reporting zero",
		zap.String("customer_id", customerID.String()),
	)
	return 0, nil
}
