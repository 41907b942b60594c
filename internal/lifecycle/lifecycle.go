// Package lifecycle owns customer service-state transitions. Every state
// change and the side-effect tasks it implies (provisioning, notification)
// commit in one transaction, so a crash can never apply one without the
// other.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/audit"
	"github.com/nusalink/ispbill/internal/clock"
	customerdomain "github.com/nusalink/ispbill/internal/customer/domain"
	obsmetrics "github.com/nusalink/ispbill/internal/observability/metrics"
	"github.com/nusalink/ispbill/internal/outbox"
	plandomain "github.com/nusalink/ispbill/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrCustomerNotFound  = errors.New("customer_not_found")
	ErrCustomerCancelled = errors.New("customer_cancelled")
)

// Service transitions customers between active, suspended and throttled
// states. All transitions are idempotent: moving into the state the customer
// is already in changes nothing and emits no tasks.
type Service interface {
	Suspend(ctx context.Context, customerID snowflake.ID, reason string) (bool, error)
	Reactivate(ctx context.Context, customerID snowflake.ID) (bool, error)
	Throttle(ctx context.Context, customerID snowflake.ID) (bool, error)
	Unthrottle(ctx context.Context, customerID snowflake.ID) (bool, error)

	SuspendTx(ctx context.Context, tx *gorm.DB, customerID snowflake.ID, reason string) (bool, error)
	ReactivateTx(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) (bool, error)
	ThrottleTx(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) (bool, error)
	UnthrottleTx(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) (bool, error)
}

type service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	outbox   *outbox.Outbox
	audit    *audit.Service
	planRepo plandomain.Repository
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Outbox   *outbox.Outbox
	Audit    *audit.Service
	PlanRepo plandomain.Repository
}

func New(p Params) Service {
	return &service{
		db:       p.DB,
		log:      p.Log.Named("lifecycle.service"),
		clock:    p.Clock,
		outbox:   p.Outbox,
		audit:    p.Audit,
		planRepo: p.PlanRepo,
	}
}

func (s *service) Suspend(ctx context.Context, customerID snowflake.ID, reason string) (bool, error) {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = s.SuspendTx(ctx, tx, customerID, reason)
		return err
	})
	return changed, err
}

func (s *service) Reactivate(ctx context.Context, customerID snowflake.ID) (bool, error) {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = s.ReactivateTx(ctx, tx, customerID)
		return err
	})
	return changed, err
}

func (s *service) Throttle(ctx context.Context, customerID snowflake.ID) (bool, error) {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = s.ThrottleTx(ctx, tx, customerID)
		return err
	})
	return changed, err
}

func (s *service) Unthrottle(ctx context.Context, customerID snowflake.ID) (bool, error) {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = s.UnthrottleTx(ctx, tx, customerID)
		return err
	})
	return changed, err
}

// SuspendTx moves an active customer to suspended. Returns false when the
// customer is already suspended.
func (s *service) SuspendTx(ctx context.Context, tx *gorm.DB, customerID snowflake.ID, reason string) (bool, error) {
	now := s.clock.Now()
	res := tx.WithContext(ctx).Exec(
		`UPDATE customers SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		customerdomain.StatusSuspended, now, customerID, customerdomain.StatusActive,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, s.explainNoTransition(ctx, tx, customerID, customerdomain.StatusSuspended)
	}

	dedupe := fmt.Sprintf("suspend:%s:%s", customerID, now.Format("2006-01-02"))
	if err := s.outbox.PublishTx(ctx, tx, outbox.Enqueue{
		Kind:       outbox.KindDeprovision,
		CustomerID: customerID,
		Payload:    map[string]any{"reason": reason},
		DedupeKey:  dedupe,
	}); err != nil {
		return false, err
	}
	if err := s.outbox.PublishTx(ctx, tx, outbox.Enqueue{
		Kind:       outbox.KindNotify,
		CustomerID: customerID,
		Payload:    map[string]any{"event": "service_suspended", "reason": reason},
	}); err != nil {
		return false, err
	}

	s.audit.RecordTx(ctx, tx, "customer.suspend", "customer", customerID.String(), map[string]any{"reason": reason})
	obsmetrics.Billing().IncTransition("suspend")
	s.log.Info("customer suspended",
		zap.String("customer_id", customerID.String()),
		zap.String("reason", reason),
	)
	return true, nil
}

// ReactivateTx moves a suspended customer back to active.
func (s *service) ReactivateTx(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) (bool, error) {
	now := s.clock.Now()
	res := tx.WithContext(ctx).Exec(
		`UPDATE customers SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		customerdomain.StatusActive, now, customerID, customerdomain.StatusSuspended,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, s.explainNoTransition(ctx, tx, customerID, customerdomain.StatusActive)
	}

	if err := s.outbox.PublishTx(ctx, tx, outbox.Enqueue{
		Kind:       outbox.KindReprovision,
		CustomerID: customerID,
		DedupeKey:  fmt.Sprintf("reactivate:%s:%s", customerID, now.Format("2006-01-02")),
	}); err != nil {
		return false, err
	}
	if err := s.outbox.PublishTx(ctx, tx, outbox.Enqueue{
		Kind:       outbox.KindNotify,
		CustomerID: customerID,
		Payload:    map[string]any{"event": "service_reactivated"},
	}); err != nil {
		return false, err
	}

	s.audit.RecordTx(ctx, tx, "customer.reactivate", "customer", customerID.String(), nil)
	obsmetrics.Billing().IncTransition("reactivate")
	s.log.Info("customer reactivated", zap.String("customer_id", customerID.String()))
	return true, nil
}

// ThrottleTx marks the customer throttled and queues the speed change.
func (s *service) ThrottleTx(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) (bool, error) {
	now := s.clock.Now()
	res := tx.WithContext(ctx).Exec(
		`UPDATE customers SET is_throttled = ?, updated_at = ? WHERE id = ? AND is_throttled = ? AND status != ?`,
		true, now, customerID, false, customerdomain.StatusCancelled,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	speed, err := s.throttledSpeed(ctx, tx, customerID)
	if err != nil {
		return false, err
	}
	if err := s.outbox.PublishTx(ctx, tx, outbox.Enqueue{
		Kind:       outbox.KindApplyThrottle,
		CustomerID: customerID,
		Payload:    map[string]any{"speed": speed},
		DedupeKey:  fmt.Sprintf("throttle:%s:%s", customerID, now.Format("2006-01-02")),
	}); err != nil {
		return false, err
	}
	if err := s.outbox.PublishTx(ctx, tx, outbox.Enqueue{
		Kind:       outbox.KindNotify,
		CustomerID: customerID,
		Payload:    map[string]any{"event": "fup_throttled", "speed": speed},
	}); err != nil {
		return false, err
	}

	s.audit.RecordTx(ctx, tx, "customer.throttle", "customer", customerID.String(), map[string]any{"speed": speed})
	obsmetrics.Billing().IncTransition("throttle")
	s.log.Info("customer throttled",
		zap.String("customer_id", customerID.String()),
		zap.String("speed", speed),
	)
	return true, nil
}

// UnthrottleTx clears the throttled flag and queues speed restoration.
func (s *service) UnthrottleTx(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) (bool, error) {
	now := s.clock.Now()
	res := tx.WithContext(ctx).Exec(
		`UPDATE customers SET is_throttled = ?, updated_at = ? WHERE id = ? AND is_throttled = ?`,
		false, now, customerID, true,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := s.outbox.PublishTx(ctx, tx, outbox.Enqueue{
		Kind:       outbox.KindClearThrottle,
		CustomerID: customerID,
		DedupeKey:  fmt.Sprintf("unthrottle:%s:%s", customerID, now.Format("2006-01-02")),
	}); err != nil {
		return false, err
	}
	if err := s.outbox.PublishTx(ctx, tx, outbox.Enqueue{
		Kind:       outbox.KindNotify,
		CustomerID: customerID,
		Payload:    map[string]any{"event": "fup_cleared"},
	}); err != nil {
		return false, err
	}

	s.audit.RecordTx(ctx, tx, "customer.unthrottle", "customer", customerID.String(), nil)
	obsmetrics.Billing().IncTransition("unthrottle")
	s.log.Info("customer unthrottled", zap.String("customer_id", customerID.String()))
	return true, nil
}

// explainNoTransition distinguishes the idempotent no-op (already in the
// target state) from a missing or cancelled customer.
func (s *service) explainNoTransition(ctx context.Context, tx *gorm.DB, customerID snowflake.ID, target customerdomain.CustomerStatus) error {
	// Scan into a plain string: gorm's raw Scan does not count rows for
	// defined string destinations, and the row count is what separates a
	// missing customer from an idempotent re-run.
	var status string
	res := tx.WithContext(ctx).Raw(`SELECT status FROM customers WHERE id = ?`, customerID).Scan(&status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCustomerNotFound
	}
	if customerdomain.CustomerStatus(status) == target {
		return nil
	}
	if customerdomain.CustomerStatus(status) == customerdomain.StatusCancelled {
		return ErrCustomerCancelled
	}
	return nil
}

func (s *service) throttledSpeed(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) (string, error) {
	var planID snowflake.ID
	if err := tx.WithContext(ctx).Raw(
		`SELECT plan_id FROM customers WHERE id = ?`, customerID,
	).Scan(&planID).Error; err != nil {
		return "", err
	}
	plan, err := s.planRepo.FindByID(ctx, tx, planID)
	if err != nil {
		return "", err
	}
	if plan == nil {
		return "", nil
	}
	return plan.ThrottledSpeed, nil
}
