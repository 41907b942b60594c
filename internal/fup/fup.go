// Package fup enforces the fair-usage policy: it reconciles externally
// sourced usage telemetry against plan quotas and throttles or unthrottles
// customers as they cross the line. Telemetry is untrusted; one broken
// customer never aborts a batch.
package fup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/clock"
	customerdomain "github.com/nusalink/ispbill/internal/customer/domain"
	"github.com/nusalink/ispbill/internal/lifecycle"
	obsmetrics "github.com/nusalink/ispbill/internal/observability/metrics"
	plandomain "github.com/nusalink/ispbill/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	ErrCustomerNotFound = errors.New("customer_not_found")
	ErrNegativeUsage    = errors.New("negative_usage_reported")
)

// UsageSource reads a customer's byte usage since the given cycle start from
// the network layer (RADIUS accounting, router counters). Implementations
// may be slow or flaky; callers bound each call with a timeout.
type UsageSource interface {
	UsageBytes(ctx context.Context, customerID snowflake.ID, since time.Time) (int64, error)
}

// Config bounds the batch run.
type Config struct {
	Concurrency    int
	PerItemTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Concurrency: 8, PerItemTimeout: 5 * time.Second}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.PerItemTimeout <= 0 {
		c.PerItemTimeout = defaults.PerItemTimeout
	}
	return c
}

// CheckSummary aggregates one enforcement run.
type CheckSummary struct {
	Checked int
	Failed  int
}

type Service interface {
	// CheckOne syncs one customer's usage and applies the quota policy.
	CheckOne(ctx context.Context, customerID snowflake.ID) error
	// CheckAll runs CheckOne over every active customer on an FUP plan,
	// bounded by the configured concurrency and per-item timeout.
	CheckAll(ctx context.Context) (CheckSummary, error)
}

type service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	cfg       Config
	source    UsageSource
	lifecycle lifecycle.Service
	planRepo  plandomain.Repository
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Config    Config
	Source    UsageSource
	Lifecycle lifecycle.Service
	PlanRepo  plandomain.Repository
}

func New(p Params) Service {
	return &service{
		db:        p.DB,
		log:       p.Log.Named("fup.service"),
		clock:     p.Clock,
		cfg:       p.Config.withDefaults(),
		source:    p.Source,
		lifecycle: p.Lifecycle,
		planRepo:  p.PlanRepo,
	}
}

func (s *service) CheckAll(ctx context.Context) (CheckSummary, error) {
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT c.id FROM customers c
		 JOIN plans p ON p.id = c.plan_id
		 WHERE c.status = ? AND c.retired_at IS NULL AND p.fup_enabled = ?
		 ORDER BY c.id ASC`,
		customerdomain.StatusActive, true,
	).Scan(&ids).Error
	if err != nil {
		return CheckSummary{}, err
	}

	var summary CheckSummary
	summary.Checked = len(ids)
	results := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(gctx, s.cfg.PerItemTimeout)
			defer cancel()
			results[i] = s.CheckOne(itemCtx, id)
			// Item failures are isolated; only cancellation aborts the run.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	for i, itemErr := range results {
		if itemErr == nil {
			continue
		}
		summary.Failed++
		obsmetrics.Billing().IncUsageSyncFailed()
		s.log.Warn("fup check failed",
			zap.String("customer_id", ids[i].String()),
			zap.Error(itemErr),
		)
	}

	s.log.Info("fup run finished",
		zap.Int("checked", summary.Checked),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (s *service) CheckOne(ctx context.Context, customerID snowflake.ID) error {
	var customer customerdomain.Customer
	res := s.db.WithContext(ctx).Raw(`SELECT * FROM customers WHERE id = ?`, customerID).Scan(&customer)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCustomerNotFound
	}

	plan, err := s.planRepo.FindByID(ctx, s.db, customer.PlanID)
	if err != nil {
		return err
	}
	if plan == nil {
		return plandomain.ErrNotFound
	}

	now := s.clock.Now()
	if !now.Before(customer.UsageResetAt) {
		if err := s.resetCycle(ctx, &customer, now); err != nil {
			return err
		}
	}

	usage, err := s.source.UsageBytes(ctx, customerID, cycleStart(now, customer.BillingCycleDay))
	if err != nil {
		return fmt.Errorf("usage source: %w", err)
	}
	if usage < 0 {
		return ErrNegativeUsage
	}

	if err := s.db.WithContext(ctx).Exec(
		`UPDATE customers SET current_usage_bytes = ?, updated_at = ? WHERE id = ?`,
		usage, now, customerID,
	).Error; err != nil {
		return err
	}

	if !plan.FupEnabled || plan.QuotaBytes <= 0 {
		return nil
	}
	if usage >= plan.QuotaBytes {
		_, err = s.lifecycle.Throttle(ctx, customerID)
		return err
	}
	_, err = s.lifecycle.Unthrottle(ctx, customerID)
	return err
}

// resetCycle zeroes the counter at a billing-cycle boundary and lifts any
// throttle carried over from the previous cycle.
func (s *service) resetCycle(ctx context.Context, customer *customerdomain.Customer, now time.Time) error {
	next := nextCycleStart(now, customer.BillingCycleDay)
	res := s.db.WithContext(ctx).Exec(
		`UPDATE customers SET current_usage_bytes = 0, usage_reset_at = ?, updated_at = ?
		 WHERE id = ? AND usage_reset_at = ?`,
		next, now, customer.ID, customer.UsageResetAt,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Another worker reset this cycle already.
		return nil
	}
	customer.CurrentUsageBytes = 0
	customer.UsageResetAt = next

	if customer.IsThrottled {
		if _, err := s.lifecycle.Unthrottle(ctx, customer.ID); err != nil {
			return err
		}
		customer.IsThrottled = false
	}
	s.log.Info("usage cycle reset",
		zap.String("customer_id", customer.ID.String()),
		zap.Time("next_reset", next),
	)
	return nil
}

// cycleStart returns the first instant of the cycle containing now.
func cycleStart(now time.Time, cycleDay int) time.Time {
	year, month, _ := now.Date()
	candidate := boundaryFor(year, month, cycleDay, now.Location())
	if candidate.After(now) {
		candidate = boundaryFor(year, month-1, cycleDay, now.Location())
	}
	return candidate
}

// nextCycleStart returns the first instant of the following cycle.
func nextCycleStart(now time.Time, cycleDay int) time.Time {
	year, month, _ := now.Date()
	candidate := boundaryFor(year, month, cycleDay, now.Location())
	if !candidate.After(now) {
		candidate = boundaryFor(year, month+1, cycleDay, now.Location())
	}
	return candidate
}

// boundaryFor clamps cycle days past the month's length to its last day.
func boundaryFor(year int, month time.Month, cycleDay int, loc *time.Location) time.Time {
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	lastDay := firstOfMonth.AddDate(0, 1, -1).Day()
	if cycleDay > lastDay {
		cycleDay = lastDay
	}
	return time.Date(firstOfMonth.Year(), firstOfMonth.Month(), cycleDay, 0, 0, 0, 0, loc)
}
