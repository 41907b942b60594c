// Package payment settles invoices. Marking the invoice paid, posting the
// ledger debit and reactivating a suspended customer happen on one
// transaction boundary so no partial payment state is ever visible.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/audit"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/nusalink/ispbill/internal/config"
	invoicedomain "github.com/nusalink/ispbill/internal/invoice/domain"
	ledgerdomain "github.com/nusalink/ispbill/internal/ledger/domain"
	"github.com/nusalink/ispbill/internal/lifecycle"
	obsmetrics "github.com/nusalink/ispbill/internal/observability/metrics"
	partnerdomain "github.com/nusalink/ispbill/internal/partner/domain"
	"github.com/nusalink/ispbill/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvoiceVoid     = errors.New("invoice_void")
	ErrMissingMethod   = errors.New("missing_payment_method")
)

// Result reports a settlement attempt. AlreadyPaid re-runs are successful
// no-ops; an insufficient balance is an expected outcome, not an error.
type Result struct {
	Paid                bool
	AlreadyPaid         bool
	InsufficientBalance bool
	Reactivated         bool
	Transaction         *ledgerdomain.Transaction
}

type Service interface {
	// ProcessPayment settles an invoice against an external payment
	// (bank transfer, gateway callback). Idempotent on paid invoices.
	ProcessPayment(ctx context.Context, invoiceID snowflake.ID, method string) (Result, error)
	// PayWithBalance settles an invoice from the customer's prepaid
	// balance; reports InsufficientBalance instead of failing.
	PayWithBalance(ctx context.Context, invoiceID snowflake.ID) (Result, error)
}

type service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	billing   *config.BillingConfigHolder
	ledger    ledgerdomain.Service
	lifecycle lifecycle.Service
	partners  partnerdomain.Repository
	audit     *audit.Service
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Billing   *config.BillingConfigHolder
	Ledger    ledgerdomain.Service
	Lifecycle lifecycle.Service
	Partners  partnerdomain.Repository
	Audit     *audit.Service
}

func New(p Params) Service {
	return &service{
		db:        p.DB,
		log:       p.Log.Named("payment.service"),
		clock:     p.Clock,
		billing:   p.Billing,
		ledger:    p.Ledger,
		lifecycle: p.Lifecycle,
		partners:  p.Partners,
		audit:     p.Audit,
	}
}

func (s *service) ProcessPayment(ctx context.Context, invoiceID snowflake.ID, method string) (Result, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return Result{}, ErrMissingMethod
	}

	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == invoicedomain.StatusPaid {
			result.AlreadyPaid = true
			result.Paid = true
			return nil
		}
		return s.settle(ctx, tx, invoice, method, ledgerdomain.CategoryInvoicePayment, &result)
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (s *service) PayWithBalance(ctx context.Context, invoiceID snowflake.ID) (Result, error) {
	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == invoicedomain.StatusPaid {
			result.AlreadyPaid = true
			result.Paid = true
			return nil
		}

		// Locked read so a concurrent balance payment cannot double-spend
		// the cached balance.
		var balance decimal.Decimal
		if err := tx.WithContext(ctx).Raw(
			fmt.Sprintf(`SELECT balance FROM customers WHERE id = ?%s`, db.LockSuffix(tx)),
			invoice.CustomerID,
		).Scan(&balance).Error; err != nil {
			return err
		}
		if balance.LessThan(invoice.Total) {
			result.InsufficientBalance = true
			return nil
		}
		return s.settle(ctx, tx, invoice, "balance", ledgerdomain.CategoryBalancePayment, &result)
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// settle marks the invoice paid, posts the ledger debit and reactivates a
// suspended customer, all on the caller's transaction.
func (s *service) settle(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, method, category string, result *Result) error {
	now := s.clock.Now()
	res := tx.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, paid_at = ?, paid_method = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		invoicedomain.StatusPaid, now, method, now, invoice.ID, invoicedomain.StatusUnpaid,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Raced with another settlement of the same invoice.
		result.AlreadyPaid = true
		result.Paid = true
		return nil
	}

	txn, err := s.ledger.PostTx(ctx, tx, ledgerdomain.PostRequest{
		Owner:     ledgerdomain.Owner{Type: ledgerdomain.OwnerTypeCustomer, ID: invoice.CustomerID},
		Direction: ledgerdomain.DirectionDebit,
		Amount:    invoice.Total,
		Category:  category,
		Reference: ledgerdomain.Reference{Kind: ledgerdomain.RefKindInvoice, ID: invoice.ID},
		Note:      fmt.Sprintf("invoice %s period %s", invoice.ID, invoice.Period),
	})
	if err != nil {
		return err
	}

	reactivated, err := s.lifecycle.ReactivateTx(ctx, tx, invoice.CustomerID)
	if err != nil && !errors.Is(err, lifecycle.ErrCustomerCancelled) {
		return err
	}

	if err := s.creditCommission(ctx, tx, invoice); err != nil {
		return err
	}

	result.Paid = true
	result.Reactivated = reactivated
	result.Transaction = &txn

	s.audit.RecordTx(ctx, tx, "invoice.pay", "invoice", invoice.ID.String(), map[string]any{
		"customer_id": invoice.CustomerID.String(),
		"method":      method,
		"amount":      invoice.Total.String(),
	})
	obsmetrics.Billing().IncPaymentSettled()
	s.log.Info("invoice paid",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("customer_id", invoice.CustomerID.String()),
		zap.String("method", method),
		zap.String("amount", invoice.Total.String()),
		zap.Bool("reactivated", reactivated),
	)
	return nil
}

// creditCommission credits the referring partner's ledger with a share of
// the settled invoice. Customers without a partner, and a zero rate, make
// this a no-op.
func (s *service) creditCommission(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) error {
	rate := decimal.NewFromFloat(s.billing.Get().PartnerCommissionRate)
	if !rate.IsPositive() {
		return nil
	}

	var partnerID *snowflake.ID
	if err := tx.WithContext(ctx).Raw(
		`SELECT partner_id FROM customers WHERE id = ?`, invoice.CustomerID,
	).Scan(&partnerID).Error; err != nil {
		return err
	}
	if partnerID == nil {
		return nil
	}
	partner, err := s.partners.FindByID(ctx, tx, *partnerID)
	if err != nil {
		return err
	}
	if partner == nil || partner.Frozen {
		return nil
	}

	commission := invoice.Total.Mul(rate).RoundBank(2)
	if !commission.IsPositive() {
		return nil
	}
	_, err = s.ledger.PostTx(ctx, tx, ledgerdomain.PostRequest{
		Owner:     ledgerdomain.Owner{Type: ledgerdomain.OwnerTypePartner, ID: partner.ID},
		Direction: ledgerdomain.DirectionCredit,
		Amount:    commission,
		Category:  ledgerdomain.CategoryCommission,
		Reference: ledgerdomain.Reference{Kind: ledgerdomain.RefKindInvoice, ID: invoice.ID},
		Note:      fmt.Sprintf("commission for invoice %s", invoice.ID),
	})
	return err
}

func (s *service) loadInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	res := tx.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT * FROM invoices WHERE id = ?%s`, db.LockSuffix(tx)),
		invoiceID,
	).Scan(&invoice)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrInvoiceNotFound
	}
	if invoice.Status == invoicedomain.StatusVoid {
		return nil, ErrInvoiceVoid
	}
	return &invoice, nil
}
