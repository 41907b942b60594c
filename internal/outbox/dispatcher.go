package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/nusalink/ispbill/internal/clock"
	obsmetrics "github.com/nusalink/ispbill/internal/observability/metrics"
	"github.com/nusalink/ispbill/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler delivers one task. Delivery is at-least-once: handlers must
// tolerate being called twice for the same task.
type Handler func(ctx context.Context, task Task) error

// DispatcherConfig bounds retry behavior.
type DispatcherConfig struct {
	BatchSize       int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	PerTaskTimeout  time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:       50,
		MaxAttempts:     8,
		InitialInterval: 30 * time.Second,
		MaxInterval:     time.Hour,
		PerTaskTimeout:  10 * time.Second,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	defaults := DefaultDispatcherConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaults.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaults.MaxInterval
	}
	if c.PerTaskTimeout <= 0 {
		c.PerTaskTimeout = defaults.PerTaskTimeout
	}
	return c
}

// Dispatcher drains due pending tasks and hands them to registered handlers.
type Dispatcher struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	cfg      DispatcherConfig
	handlers map[TaskKind]Handler
}

func NewDispatcher(conn *gorm.DB, log *zap.Logger, clk clock.Clock, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		db:       conn,
		log:      log.Named("outbox.dispatcher"),
		clock:    clk,
		cfg:      cfg.withDefaults(),
		handlers: make(map[TaskKind]Handler),
	}
}

func (d *Dispatcher) Register(kind TaskKind, handler Handler) {
	d.handlers[kind] = handler
}

// RunOnce claims one batch of due tasks and dispatches each. A failing task
// is rescheduled with exponential backoff; it never blocks the rest of the
// batch. Returns the number of tasks handled.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tasks, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		d.dispatch(ctx, task)
	}
	return len(tasks), nil
}

// claim selects a batch of due tasks and leases them by pushing
// next_attempt_at forward inside the same transaction. Row locks alone do
// not outlive the SELECT, so the lease is what keeps a concurrent dispatcher
// off this batch; a crashed dispatcher's lease simply expires.
func (d *Dispatcher) claim(ctx context.Context) ([]Task, error) {
	now := d.clock.Now()
	var tasks []Task
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Raw(
			fmt.Sprintf(
				`SELECT * FROM outbox_tasks
				 WHERE status = ? AND next_attempt_at <= ?
				 ORDER BY next_attempt_at ASC, id ASC
				 LIMIT ?%s`,
				db.ClaimSuffix(tx),
			),
			StatusPending,
			now,
			d.cfg.BatchSize,
		).Scan(&tasks).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		ids := make([]snowflake.ID, 0, len(tasks))
		for _, task := range tasks {
			ids = append(ids, task.ID)
		}
		return tx.WithContext(ctx).Exec(
			`UPDATE outbox_tasks SET next_attempt_at = ?, updated_at = ? WHERE id IN ?`,
			now.Add(d.cfg.InitialInterval), now, ids,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (d *Dispatcher) dispatch(parent context.Context, task Task) {
	log := d.log.With(
		zap.String("task_id", task.PublicID),
		zap.String("kind", string(task.Kind)),
		zap.String("customer_id", task.CustomerID.String()),
	)

	handler, ok := d.handlers[task.Kind]
	if !ok {
		d.fail(parent, task, fmt.Errorf("no handler for kind %q", task.Kind))
		log.Error("outbox task has no handler, marked failed")
		return
	}

	ctx, cancel := context.WithTimeout(parent, d.cfg.PerTaskTimeout)
	err := handler(ctx, task)
	cancel()

	now := d.clock.Now()
	if err == nil {
		if updateErr := d.db.WithContext(parent).Exec(
			`UPDATE outbox_tasks
			 SET status = ?, delivered_at = ?, last_error = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			StatusDelivered, now, now, task.ID, StatusPending,
		).Error; updateErr != nil {
			log.Warn("failed to mark outbox task delivered", zap.Error(updateErr))
			return
		}
		obsmetrics.Billing().IncOutboxDelivered(string(task.Kind))
		return
	}

	attempts := task.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		d.fail(parent, task, err)
		// Operator-visible alert: the side effect was never applied.
		log.Error("outbox task exhausted retries",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}

	delay := d.backoffFor(attempts)
	if updateErr := d.db.WithContext(parent).Exec(
		`UPDATE outbox_tasks
		 SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		attempts, now.Add(delay), err.Error(), now, task.ID,
	).Error; updateErr != nil {
		log.Warn("failed to reschedule outbox task", zap.Error(updateErr))
		return
	}
	log.Warn("outbox task delivery failed, rescheduled",
		zap.Int("attempts", attempts),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
}

func (d *Dispatcher) fail(ctx context.Context, task Task, cause error) {
	now := d.clock.Now()
	if err := d.db.WithContext(ctx).Exec(
		`UPDATE outbox_tasks
		 SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		StatusFailed, task.Attempts+1, cause.Error(), now, task.ID,
	).Error; err != nil {
		d.log.Warn("failed to mark outbox task failed", zap.Error(err))
		return
	}
	obsmetrics.Billing().IncOutboxFailed(string(task.Kind))
}

// backoffFor returns the delay before retry number attempts+1.
func (d *Dispatcher) backoffFor(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialInterval
	bo.MaxInterval = d.cfg.MaxInterval
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	delay := bo.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
