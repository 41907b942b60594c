// Package scheduler drives the periodic billing jobs: invoice generation,
// the suspension sweep, overdue reminders, FUP enforcement, outbox delivery
// and a rolling ledger consistency audit. Jobs run on independent cadences
// inside one run loop; a failing job never blocks the others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/nusalink/ispbill/internal/dunning"
	"github.com/nusalink/ispbill/internal/fup"
	invoicedomain "github.com/nusalink/ispbill/internal/invoice/domain"
	ledgerdomain "github.com/nusalink/ispbill/internal/ledger/domain"
	obsmetrics "github.com/nusalink/ispbill/internal/observability/metrics"
	"github.com/nusalink/ispbill/internal/outbox"
	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	InvoiceSvc invoicedomain.Service
	LedgerSvc  ledgerdomain.Service
	DunningSvc dunning.Service
	FupSvc     fup.Service
	Dispatcher *outbox.Dispatcher
	Config     Config `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	invoiceSvc invoicedomain.Service
	ledgerSvc  ledgerdomain.Service
	dunningSvc dunning.Service
	fupSvc     fup.Service
	dispatcher *outbox.Dispatcher

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.InvoiceSvc == nil ||
		p.LedgerSvc == nil || p.DunningSvc == nil || p.FupSvc == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		invoiceSvc: p.InvoiceSvc,
		ledgerSvc:  p.LedgerSvc,
		dunningSvc: p.DunningSvc,
		fupSvc:     p.FupSvc,
		dispatcher: p.Dispatcher,
		lastRun:    make(map[string]time.Time),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the job resumes where it left off on
	// the next tick.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name, err)
	log.Error("job failed", zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

// due reports whether a job's cadence has elapsed since its last start, and
// stamps the start when it has.
func (s *Scheduler) due(name string, interval time.Duration) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastRun[name]; ok && now.Sub(last) < interval {
		return false
	}
	s.lastRun[name] = now
	return true
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name     string
		Interval time.Duration
		Timeout  time.Duration
		Run      func(context.Context) error
	}{
		{"invoice_generation", s.cfg.InvoiceJobInterval, s.cfg.JobTimeout, s.InvoiceGenerationJob},
		{"suspension_sweep", s.cfg.DunningJobInterval, s.cfg.JobTimeout, s.SuspensionSweepJob},
		{"overdue_reminders", s.cfg.DunningJobInterval, s.cfg.JobTimeout, s.OverdueRemindersJob},
		{"fup_check", s.cfg.FupJobInterval, s.cfg.JobTimeout, s.FupCheckJob},
		{"outbox_dispatch", 0, s.cfg.JobTimeout, s.OutboxDispatchJob},
		{"ledger_audit", s.cfg.FupJobInterval, s.cfg.JobTimeout, s.LedgerAuditJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		if job.Interval > 0 && !s.due(job.Name, job.Interval) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Timeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	return lo.ContainsBy(s.cfg.EnabledJobs, func(enabled string) bool {
		return strings.EqualFold(enabled, jobName)
	})
}

func (s *Scheduler) InvoiceGenerationJob(ctx context.Context) error {
	period := invoicedomain.PeriodOf(s.clock.Now())
	summary, _, err := s.invoiceSvc.GenerateForPeriod(ctx, period)
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("invoice_generation", summary.Created)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d invoices failed", summary.Failed, summary.Eligible)
	}
	return nil
}

func (s *Scheduler) SuspensionSweepJob(ctx context.Context) error {
	summary, err := s.dunningSvc.Sweep(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("suspension_sweep", summary.Suspended)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d suspensions failed", summary.Failed, summary.Scanned)
	}
	return nil
}

func (s *Scheduler) OverdueRemindersJob(ctx context.Context) error {
	summary, err := s.dunningSvc.Remind(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("overdue_reminders", summary.Reminded)
	return nil
}

func (s *Scheduler) FupCheckJob(ctx context.Context) error {
	summary, err := s.fupSvc.CheckAll(ctx)
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("fup_check", summary.Checked)
	return nil
}

func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	// Drain until the backlog is empty or the deadline hits.
	for {
		n, err := s.dispatcher.RunOnce(ctx)
		if err != nil {
			return err
		}
		obsmetrics.Scheduler().AddBatchProcessed("outbox_dispatch", n)
		if n < s.cfg.OutboxBatchSize {
			return nil
		}
	}
}

// LedgerAuditJob samples owners round-robin and verifies the cached balance
// against the ledger sum. Drift freezes the owner inside CheckConsistency.
func (s *Scheduler) LedgerAuditJob(ctx context.Context) error {
	type ownerRow struct {
		ID snowflake.ID
	}
	var customers []ownerRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id FROM customers WHERE retired_at IS NULL ORDER BY updated_at DESC LIMIT ?`,
		s.cfg.LedgerSampleSize,
	).Scan(&customers).Error; err != nil {
		return err
	}

	var err error
	drifted := 0
	for _, row := range customers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report, checkErr := s.ledgerSvc.CheckConsistency(ctx, ledgerdomain.Owner{
			Type: ledgerdomain.OwnerTypeCustomer,
			ID:   row.ID,
		})
		if checkErr != nil {
			err = errors.Join(err, checkErr)
			continue
		}
		if !report.Consistent {
			drifted++
		}
	}
	obsmetrics.Scheduler().AddBatchProcessed("ledger_audit", len(customers))
	if drifted > 0 {
		s.log.Error("ledger audit found drifted owners", zap.Int("drifted", drifted))
	}
	return err
}
