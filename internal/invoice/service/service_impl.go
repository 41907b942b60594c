package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/audit"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/nusalink/ispbill/internal/config"
	coupondomain "github.com/nusalink/ispbill/internal/coupon/domain"
	customerdomain "github.com/nusalink/ispbill/internal/customer/domain"
	"github.com/nusalink/ispbill/internal/invoice/domain"
	obsmetrics "github.com/nusalink/ispbill/internal/observability/metrics"
	"github.com/nusalink/ispbill/internal/outbox"
	plandomain "github.com/nusalink/ispbill/internal/plan/domain"
	"github.com/nusalink/ispbill/internal/prorata"
	"github.com/nusalink/ispbill/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Metadata keys a pending mid-cycle plan change is parked under until the
// next invoice settles it.
const (
	metaPlanChangeOldPrice = "plan_change_old_price"
	metaPlanChangeNewPrice = "plan_change_new_price"
	metaPlanChangeAt       = "plan_change_at"
	metaCouponCode         = "coupon_code"
)

type service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	billing  *config.BillingConfigHolder
	coupons  coupondomain.Service
	planRepo plandomain.Repository
	outbox   *outbox.Outbox
	audit    *audit.Service
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Billing  *config.BillingConfigHolder
	Coupons  coupondomain.Service
	PlanRepo plandomain.Repository
	Outbox   *outbox.Outbox
	Audit    *audit.Service
}

func NewService(p Params) domain.Service {
	return &service{
		db:       p.DB,
		log:      p.Log.Named("invoice.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		billing:  p.Billing,
		coupons:  p.Coupons,
		planRepo: p.PlanRepo,
		outbox:   p.Outbox,
		audit:    p.Audit,
	}
}

func (s *service) GenerateForPeriod(ctx context.Context, period domain.Period) (domain.BatchSummary, []domain.GenerateResult, error) {
	if period.IsZero() {
		return domain.BatchSummary{}, nil, domain.ErrInvalidPeriod
	}

	customers, err := s.eligibleCustomers(ctx)
	if err != nil {
		return domain.BatchSummary{}, nil, err
	}

	summary := domain.BatchSummary{Eligible: len(customers)}
	results := make([]domain.GenerateResult, 0, len(customers))
	for _, customer := range customers {
		if ctx.Err() != nil {
			return summary, results, ctx.Err()
		}
		coupon, _ := customer.Metadata[metaCouponCode].(string)
		inv, genErr := s.GenerateOne(ctx, customer.ID, period, coupon)
		result := domain.GenerateResult{CustomerID: customer.ID, Invoice: inv, Err: genErr}
		switch {
		case genErr != nil:
			summary.Failed++
			s.log.Error("invoice generation failed",
				zap.String("customer_id", customer.ID.String()),
				zap.String("period", period.String()),
				zap.Error(genErr),
			)
		case inv == nil:
			result.Skipped = true
			summary.Skipped++
		default:
			summary.Created++
		}
		results = append(results, result)
	}

	s.log.Info("invoice generation run finished",
		zap.String("period", period.String()),
		zap.Int("eligible", summary.Eligible),
		zap.Int("created", summary.Created),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	return summary, results, nil
}

// eligibleCustomers picks active customers whose cycle day falls today. On
// the month's last day it also picks cycle days the short month cannot reach.
func (s *service) eligibleCustomers(ctx context.Context) ([]customerdomain.Customer, error) {
	now := s.clock.Now()
	day := now.Day()
	lastDay := prorata.DaysInMonth(now)

	query := `SELECT * FROM customers
		 WHERE status = ? AND retired_at IS NULL AND billing_cycle_day = ?`
	args := []any{customerdomain.StatusActive, day}
	if day == lastDay {
		query = `SELECT * FROM customers
		 WHERE status = ? AND retired_at IS NULL AND billing_cycle_day >= ?`
	}

	var customers []customerdomain.Customer
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&customers).Error; err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *service) GenerateOne(ctx context.Context, customerID snowflake.ID, period domain.Period, couponCode string) (*domain.Invoice, error) {
	if period.IsZero() {
		return nil, domain.ErrInvalidPeriod
	}

	var created *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = s.generateOneTx(ctx, tx, customerID, period, couponCode)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *service) generateOneTx(ctx context.Context, tx *gorm.DB, customerID snowflake.ID, period domain.Period, couponCode string) (*domain.Invoice, error) {
	var customer customerdomain.Customer
	res := tx.WithContext(ctx).Raw(`SELECT * FROM customers WHERE id = ?`, customerID).Scan(&customer)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, customerdomain.ErrNotFound
	}
	if customer.Frozen {
		return nil, domain.ErrCustomerFrozen
	}

	// Existence check is advisory; the partial unique index on
	// (customer_id, period) is the authoritative guard against concurrent
	// generator runs.
	var existing int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM invoices WHERE customer_id = ? AND period = ? AND status != ?`,
		customerID, period.String(), domain.StatusVoid,
	).Scan(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, nil
	}

	plan, err := s.planRepo.FindByID(ctx, tx, customer.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrNotFound
	}

	cfg := s.billing.Get()
	now := s.clock.Now()
	invoiceID := s.genID.Generate()

	subtotal := plan.Price
	items := []domain.InvoiceItem{{
		ID:          s.genID.Generate(),
		InvoiceID:   invoiceID,
		Kind:        domain.ItemKindSubscription,
		Description: fmt.Sprintf("%s (%s)", plan.Name, period.String()),
		Amount:      plan.Price,
		CreatedAt:   now,
	}}

	adjustment, adjItem := s.pendingAdjustment(customer, period, invoiceID, now)
	if adjItem != nil {
		subtotal = subtotal.Add(adjustment)
		items = append(items, *adjItem)
	}

	discount := decimal.Zero
	if couponCode != "" {
		redeem, err := s.coupons.RedeemTx(ctx, tx, couponCode, customerID, subtotal, invoiceID)
		if err != nil {
			return nil, err
		}
		if redeem.Redeemed {
			discount = redeem.Usage.DiscountAmount
		} else {
			s.log.Warn("coupon not applied",
				zap.String("customer_id", customerID.String()),
				zap.String("code", couponCode),
				zap.String("reason", redeem.Reason),
			)
		}
	}

	taxable := subtotal.Sub(discount)
	tax := decimal.Zero
	if customer.IsTaxed {
		for _, rate := range []float64{cfg.VATRate, cfg.RegulatoryLevyRate, cfg.UniversalServiceRate} {
			if rate <= 0 {
				continue
			}
			tax = tax.Add(taxable.Mul(decimal.NewFromFloat(rate)).RoundBank(2))
		}
	}

	uniqueCode := decimal.Zero
	if cfg.UniqueCodeMax > 0 {
		uniqueCode = decimal.NewFromInt(int64(rand.Intn(cfg.UniqueCodeMax)) + 1)
	}

	total := subtotal.Sub(discount).Add(tax).Add(uniqueCode)
	invoice := &domain.Invoice{
		ID:         invoiceID,
		CustomerID: customerID,
		Period:     period.String(),
		Status:     domain.StatusUnpaid,
		Subtotal:   subtotal,
		Discount:   discount,
		Tax:        tax,
		UniqueCode: uniqueCode,
		Total:      total,
		DueDate:    now.AddDate(0, 0, cfg.DueDays),
		Metadata:   datatypes.JSONMap{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	insert := tx.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, customer_id, period, status, subtotal, discount, tax,
			unique_code, total, due_date, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID, invoice.CustomerID, invoice.Period, invoice.Status,
		invoice.Subtotal, invoice.Discount, invoice.Tax, invoice.UniqueCode,
		invoice.Total, invoice.DueDate, invoice.Metadata, invoice.CreatedAt,
		invoice.UpdatedAt,
	)
	if insert.Error != nil {
		if db.IsDuplicateKeyErr(insert.Error) {
			// Lost the race with a concurrent run; same outcome as the
			// advisory check.
			return nil, nil
		}
		return nil, insert.Error
	}

	for _, item := range items {
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO invoice_items (id, invoice_id, kind, description, amount, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			item.ID, item.InvoiceID, item.Kind, item.Description, item.Amount, item.CreatedAt,
		).Error; err != nil {
			return nil, err
		}
	}

	if adjItem != nil {
		if err := s.clearPlanChange(ctx, tx, customerID, now); err != nil {
			return nil, err
		}
	}

	if err := s.outbox.PublishTx(ctx, tx, outbox.Enqueue{
		Kind:       outbox.KindNotify,
		CustomerID: customerID,
		Payload: map[string]any{
			"event":      "invoice_issued",
			"invoice_id": invoiceID.String(),
			"total":      total.String(),
			"due_date":   invoice.DueDate.Format("2006-01-02"),
		},
	}); err != nil {
		return nil, err
	}

	s.audit.RecordTx(ctx, tx, "invoice.generate", "invoice", invoiceID.String(), map[string]any{
		"customer_id": customerID.String(),
		"period":      period.String(),
		"total":       total.String(),
	})
	obsmetrics.Billing().IncInvoiceIssued()
	s.log.Info("invoice issued",
		zap.String("invoice_id", invoiceID.String()),
		zap.String("customer_id", customerID.String()),
		zap.String("period", period.String()),
		zap.String("total", total.String()),
	)
	return invoice, nil
}

// pendingAdjustment turns a parked plan change into an invoice line item.
// The adjustment may be negative (downgrade credit).
func (s *service) pendingAdjustment(customer customerdomain.Customer, period domain.Period, invoiceID snowflake.ID, now time.Time) (decimal.Decimal, *domain.InvoiceItem) {
	oldRaw, okOld := customer.Metadata[metaPlanChangeOldPrice].(string)
	newRaw, okNew := customer.Metadata[metaPlanChangeNewPrice].(string)
	atRaw, okAt := customer.Metadata[metaPlanChangeAt].(string)
	if !okOld || !okNew || !okAt {
		return decimal.Zero, nil
	}

	oldPrice, errOld := decimal.NewFromString(oldRaw)
	newPrice, errNew := decimal.NewFromString(newRaw)
	changeAt, errAt := time.Parse(time.RFC3339, atRaw)
	if errOld != nil || errNew != nil || errAt != nil {
		s.log.Warn("unreadable plan change metadata, skipping adjustment",
			zap.String("customer_id", customer.ID.String()),
		)
		return decimal.Zero, nil
	}

	// Settle against the cycle the change happened in, not the new period.
	cycleEnd := time.Date(changeAt.Year(), changeAt.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	adjustment := prorata.CalculateAdjustment(oldPrice, newPrice, changeAt, cycleEnd)
	if adjustment.IsZero() {
		return decimal.Zero, nil
	}
	return adjustment, &domain.InvoiceItem{
		ID:          s.genID.Generate(),
		InvoiceID:   invoiceID,
		Kind:        domain.ItemKindAdjustment,
		Description: fmt.Sprintf("plan change on %s", changeAt.Format("2006-01-02")),
		Amount:      adjustment,
		CreatedAt:   now,
	}
}

func (s *service) clearPlanChange(ctx context.Context, tx *gorm.DB, customerID snowflake.ID, now time.Time) error {
	var customer customerdomain.Customer
	if err := tx.WithContext(ctx).Raw(`SELECT * FROM customers WHERE id = ?`, customerID).Scan(&customer).Error; err != nil {
		return err
	}
	delete(customer.Metadata, metaPlanChangeOldPrice)
	delete(customer.Metadata, metaPlanChangeNewPrice)
	delete(customer.Metadata, metaPlanChangeAt)
	return tx.WithContext(ctx).Exec(
		`UPDATE customers SET metadata = ?, updated_at = ? WHERE id = ?`,
		customer.Metadata, now, customerID,
	).Error
}

func (s *service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	res := s.db.WithContext(ctx).Raw(`SELECT * FROM invoices WHERE id = ?`, id).Scan(&invoice)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (s *service) ListByCustomer(ctx context.Context, customerID snowflake.ID, limit int) ([]domain.Invoice, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var invoices []domain.Invoice
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM invoices WHERE customer_id = ? ORDER BY created_at DESC LIMIT ?`,
		customerID, limit,
	).Scan(&invoices).Error
	return invoices, err
}

func (s *service) ListItems(ctx context.Context, invoiceID snowflake.ID) ([]domain.InvoiceItem, error) {
	var items []domain.InvoiceItem
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM invoice_items WHERE invoice_id = ? ORDER BY id ASC`,
		invoiceID,
	).Scan(&items).Error
	return items, err
}

func (s *service) Void(ctx context.Context, id snowflake.ID, reason string) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Exec(
			`UPDATE invoices SET status = ?, voided_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			domain.StatusVoid, now, now, id, domain.StatusUnpaid,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Plain string dest: gorm's raw Scan leaves RowsAffected
			// at 0 for defined string types, and the count is what
			// tells a missing invoice apart from a settled one.
			var status string
			check := tx.WithContext(ctx).Raw(`SELECT status FROM invoices WHERE id = ?`, id).Scan(&status)
			if check.Error != nil {
				return check.Error
			}
			if check.RowsAffected == 0 {
				return domain.ErrNotFound
			}
			if domain.InvoiceStatus(status) == domain.StatusPaid {
				return domain.ErrAlreadyPaid
			}
			return nil
		}
		s.audit.RecordTx(ctx, tx, "invoice.void", "invoice", id.String(), map[string]any{"reason": reason})
		s.log.Info("invoice voided",
			zap.String("invoice_id", id.String()),
			zap.String("reason", reason),
		)
		return nil
	})
}
