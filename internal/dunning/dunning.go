// Package dunning drives collection on overdue invoices: suspension of
// non-paying customers and payment reminders shortly after the due date.
package dunning

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/nusalink/ispbill/internal/config"
	customerdomain "github.com/nusalink/ispbill/internal/customer/domain"
	invoicedomain "github.com/nusalink/ispbill/internal/invoice/domain"
	"github.com/nusalink/ispbill/internal/lifecycle"
	"github.com/nusalink/ispbill/internal/outbox"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SweepSummary aggregates one suspension sweep.
type SweepSummary struct {
	Scanned   int
	Suspended int
	Skipped   int
	Failed    int
}

// RemindSummary aggregates one reminder run.
type RemindSummary struct {
	Scanned  int
	Reminded int
	Skipped  int
}

type Service interface {
	// Sweep suspends active customers holding an unpaid invoice whose due
	// date (plus the configured grace) has passed. Safe to re-run: already
	// suspended customers are no-ops.
	Sweep(ctx context.Context, asOf time.Time) (SweepSummary, error)
	// Remind notifies customers whose invoices fell due 1-3 days ago
	// (configurable window) without changing service state. Each invoice is
	// reminded at most once per 24h.
	Remind(ctx context.Context, asOf time.Time) (RemindSummary, error)
}

type service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	billing   *config.BillingConfigHolder
	lifecycle lifecycle.Service
	outbox    *outbox.Outbox
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Billing   *config.BillingConfigHolder
	Lifecycle lifecycle.Service
	Outbox    *outbox.Outbox
}

func New(p Params) Service {
	return &service{
		db:        p.DB,
		log:       p.Log.Named("dunning.service"),
		clock:     p.Clock,
		billing:   p.Billing,
		lifecycle: p.Lifecycle,
		outbox:    p.Outbox,
	}
}

type overdueRow struct {
	InvoiceID      snowflake.ID
	CustomerID     snowflake.ID
	DueDate        time.Time
	Total          string
	Status         customerdomain.CustomerStatus
	LastRemindedAt *time.Time
}

func (s *service) Sweep(ctx context.Context, asOf time.Time) (SweepSummary, error) {
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	cutoff := asOf.AddDate(0, 0, -s.billing.Get().SuspendGraceDays)

	var rows []overdueRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT i.id AS invoice_id, i.customer_id, i.due_date, i.total, c.status
		 FROM invoices i
		 JOIN customers c ON c.id = i.customer_id
		 WHERE i.status = ? AND i.due_date < ? AND c.retired_at IS NULL
		 ORDER BY i.due_date ASC`,
		invoicedomain.StatusUnpaid, cutoff,
	).Scan(&rows).Error
	if err != nil {
		return SweepSummary{}, err
	}

	summary := SweepSummary{Scanned: len(rows)}
	for _, row := range rows {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if row.Status != customerdomain.StatusActive {
			summary.Skipped++
			continue
		}
		changed, err := s.lifecycle.Suspend(ctx, row.CustomerID, "overdue_invoice")
		if err != nil {
			summary.Failed++
			s.log.Error("suspension failed",
				zap.String("customer_id", row.CustomerID.String()),
				zap.String("invoice_id", row.InvoiceID.String()),
				zap.Error(err),
			)
			continue
		}
		if changed {
			summary.Suspended++
		} else {
			summary.Skipped++
		}
	}

	s.log.Info("suspension sweep finished",
		zap.Time("as_of", asOf),
		zap.Int("scanned", summary.Scanned),
		zap.Int("suspended", summary.Suspended),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (s *service) Remind(ctx context.Context, asOf time.Time) (RemindSummary, error) {
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	cfg := s.billing.Get()
	// due_date between maxDays and minDays in the past.
	windowStart := asOf.AddDate(0, 0, -cfg.ReminderMaxDays)
	windowEnd := asOf.AddDate(0, 0, -cfg.ReminderMinDays)
	dedupeBefore := asOf.Add(-24 * time.Hour)

	var rows []overdueRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT i.id AS invoice_id, i.customer_id, i.due_date, i.total, i.last_reminded_at, c.status
		 FROM invoices i
		 JOIN customers c ON c.id = i.customer_id
		 WHERE i.status = ? AND i.due_date >= ? AND i.due_date <= ?
		   AND c.retired_at IS NULL
		 ORDER BY i.due_date ASC`,
		invoicedomain.StatusUnpaid, windowStart, windowEnd,
	).Scan(&rows).Error
	if err != nil {
		return RemindSummary{}, err
	}

	summary := RemindSummary{Scanned: len(rows)}
	for _, row := range rows {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if row.LastRemindedAt != nil && row.LastRemindedAt.After(dedupeBefore) {
			summary.Skipped++
			continue
		}
		if err := s.remindOne(ctx, row, asOf); err != nil {
			s.log.Warn("reminder failed",
				zap.String("invoice_id", row.InvoiceID.String()),
				zap.Error(err),
			)
			summary.Skipped++
			continue
		}
		summary.Reminded++
	}

	s.log.Info("reminder run finished",
		zap.Time("as_of", asOf),
		zap.Int("scanned", summary.Scanned),
		zap.Int("reminded", summary.Reminded),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

// remindOne stamps last_reminded_at and enqueues the notification in one
// transaction, so a crashed run cannot double-send after restart.
func (s *service) remindOne(ctx context.Context, row overdueRow, asOf time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Exec(
			`UPDATE invoices SET last_reminded_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?
			   AND (last_reminded_at IS NULL OR last_reminded_at <= ?)`,
			asOf, asOf, row.InvoiceID, invoicedomain.StatusUnpaid, asOf.Add(-24*time.Hour),
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another run got here first.
			return nil
		}
		return s.outbox.PublishTx(ctx, tx, outbox.Enqueue{
			Kind:       outbox.KindNotify,
			CustomerID: row.CustomerID,
			Payload: map[string]any{
				"event":      "payment_reminder",
				"invoice_id": row.InvoiceID.String(),
				"due_date":   row.DueDate.Format("2006-01-02"),
				"total":      row.Total,
			},
		})
	})
}
