package payment

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/audit"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/nusalink/ispbill/internal/config"
	ledgerdomain "github.com/nusalink/ispbill/internal/ledger/domain"
	ledgerservice "github.com/nusalink/ispbill/internal/ledger/service"
	"github.com/nusalink/ispbill/internal/lifecycle"
	"github.com/nusalink/ispbill/internal/outbox"
	partnerrepo "github.com/nusalink/ispbill/internal/partner/repository"
	planrepo "github.com/nusalink/ispbill/internal/plan/repository"
	"github.com/nusalink/ispbill/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupPayment(t *testing.T) (*gorm.DB, Service, ledgerdomain.Service, *snowflake.Node) {
	t.Helper()
	conn := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC))
	auditSvc := audit.New(zap.NewNop(), node)
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		AuditSvc: auditSvc,
	})
	lifecycleSvc := lifecycle.New(lifecycle.Params{
		DB:       conn,
		Log:      zap.NewNop(),
		Clock:    clk,
		Outbox:   outbox.NewOutbox(conn, node, clk),
		Audit:    auditSvc,
		PlanRepo: planrepo.Provide(),
	})
	billingCfg := config.DefaultBillingConfig()
	billingCfg.PartnerCommissionRate = 0.05
	svc := New(Params{
		DB:        conn,
		Log:       zap.NewNop(),
		Clock:     clk,
		Billing:   config.NewStaticBillingConfigHolder(billingCfg),
		Ledger:    ledgerSvc,
		Lifecycle: lifecycleSvc,
		Partners:  partnerrepo.Provide(),
		Audit:     auditSvc,
	})
	return conn, svc, ledgerSvc, node
}

func seedInvoice(t *testing.T, conn *gorm.DB, node *snowflake.Node, customerStatus, total string) (snowflake.ID, snowflake.ID) {
	t.Helper()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	planID := node.Generate()
	require.NoError(t, conn.Exec(
		`INSERT INTO plans (id, code, name, price, fup_enabled, quota_bytes, throttled_speed, created_at, updated_at)
		 VALUES (?, ?, 'Home 20 Mbps', ?, 0, 0, '', ?, ?)`,
		planID, "plan-"+planID.String(), total, now, now,
	).Error)
	customerID := node.Generate()
	require.NoError(t, conn.Exec(
		`INSERT INTO customers (id, name, email, plan_id, status, usage_reset_at, billing_cycle_day, balance, metadata, created_at, updated_at)
		 VALUES (?, 'Dewi', ?, ?, ?, ?, 1, 0, '{}', ?, ?)`,
		customerID, customerID.String()+"@example.com", planID, customerStatus, now, now, now,
	).Error)
	invoiceID := node.Generate()
	require.NoError(t, conn.Exec(
		`INSERT INTO invoices (id, customer_id, period, status, subtotal, discount, tax, unique_code, total, due_date, metadata, created_at, updated_at)
		 VALUES (?, ?, '2026-02', 'unpaid', ?, 0, 0, 0, ?, ?, '{}', ?, ?)`,
		invoiceID, customerID, total, total, now.AddDate(0, 0, 5), now, now,
	).Error)
	return invoiceID, customerID
}

func TestProcessPaymentReactivatesSuspendedCustomer(t *testing.T) {
	conn, svc, ledgerSvc, node := setupPayment(t)
	invoiceID, customerID := seedInvoice(t, conn, node, "suspended", "150000")
	ctx := context.Background()

	result, err := svc.ProcessPayment(ctx, invoiceID, "bank_transfer")
	require.NoError(t, err)
	require.True(t, result.Paid)
	require.True(t, result.Reactivated)
	require.NotNil(t, result.Transaction)
	require.True(t, result.Transaction.Amount.Equal(decimal.RequireFromString("150000")))
	require.Equal(t, ledgerdomain.DirectionDebit, result.Transaction.Direction)

	var status string
	require.NoError(t, conn.Raw(`SELECT status FROM invoices WHERE id = ?`, invoiceID).Scan(&status).Error)
	require.Equal(t, "paid", status)
	require.NoError(t, conn.Raw(`SELECT status FROM customers WHERE id = ?`, customerID).Scan(&status).Error)
	require.Equal(t, "active", status)

	balance, err := ledgerSvc.BalanceOf(ctx, ledgerdomain.Owner{Type: ledgerdomain.OwnerTypeCustomer, ID: customerID})
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.RequireFromString("-150000")))

	// Exactly one reprovision task.
	var tasks int64
	require.NoError(t, conn.Raw(`SELECT COUNT(*) FROM outbox_tasks WHERE kind = 'reprovision'`).Scan(&tasks).Error)
	require.EqualValues(t, 1, tasks)
}

func TestProcessPaymentIdempotentOnPaid(t *testing.T) {
	conn, svc, _, node := setupPayment(t)
	invoiceID, _ := seedInvoice(t, conn, node, "active", "100000")
	ctx := context.Background()

	first, err := svc.ProcessPayment(ctx, invoiceID, "bank_transfer")
	require.NoError(t, err)
	require.True(t, first.Paid)
	require.False(t, first.AlreadyPaid)

	second, err := svc.ProcessPayment(ctx, invoiceID, "bank_transfer")
	require.NoError(t, err)
	require.True(t, second.AlreadyPaid)

	// Only one ledger debit.
	var count int64
	require.NoError(t, conn.Raw(`SELECT COUNT(*) FROM ledger_transactions`).Scan(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestProcessPaymentRejectsBadInput(t *testing.T) {
	conn, svc, _, node := setupPayment(t)
	invoiceID, _ := seedInvoice(t, conn, node, "active", "100000")
	ctx := context.Background()

	_, err := svc.ProcessPayment(ctx, invoiceID, "  ")
	require.ErrorIs(t, err, ErrMissingMethod)
	_, err = svc.ProcessPayment(ctx, node.Generate(), "bank_transfer")
	require.ErrorIs(t, err, ErrInvoiceNotFound)

	require.NoError(t, conn.Exec(`UPDATE invoices SET status = 'void' WHERE id = ?`, invoiceID).Error)
	_, err = svc.ProcessPayment(ctx, invoiceID, "bank_transfer")
	require.ErrorIs(t, err, ErrInvoiceVoid)
}

func TestPayWithBalance(t *testing.T) {
	conn, svc, ledgerSvc, node := setupPayment(t)
	invoiceID, customerID := seedInvoice(t, conn, node, "active", "100000")
	ctx := context.Background()
	owner := ledgerdomain.Owner{Type: ledgerdomain.OwnerTypeCustomer, ID: customerID}

	// Nothing on the balance yet.
	result, err := svc.PayWithBalance(ctx, invoiceID)
	require.NoError(t, err)
	require.True(t, result.InsufficientBalance)
	require.False(t, result.Paid)

	_, err = ledgerSvc.Post(ctx, ledgerdomain.PostRequest{
		Owner:     owner,
		Direction: ledgerdomain.DirectionCredit,
		Amount:    decimal.RequireFromString("250000"),
		Category:  ledgerdomain.CategoryBalanceTopup,
	})
	require.NoError(t, err)

	result, err = svc.PayWithBalance(ctx, invoiceID)
	require.NoError(t, err)
	require.True(t, result.Paid)
	require.False(t, result.InsufficientBalance)

	balance, err := ledgerSvc.BalanceOf(ctx, owner)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.RequireFromString("150000")))
}

func TestProcessPaymentCreditsPartnerCommission(t *testing.T) {
	conn, svc, ledgerSvc, node := setupPayment(t)
	invoiceID, customerID := seedInvoice(t, conn, node, "active", "200000")
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	partnerID := node.Generate()
	require.NoError(t, conn.Exec(
		`INSERT INTO partners (id, name, email, balance, frozen, created_at, updated_at)
		 VALUES (?, 'Mitra Net', 'mitra@example.com', 0, 0, ?, ?)`,
		partnerID, now, now,
	).Error)
	require.NoError(t, conn.Exec(`UPDATE customers SET partner_id = ? WHERE id = ?`, partnerID, customerID).Error)

	result, err := svc.ProcessPayment(ctx, invoiceID, "bank_transfer")
	require.NoError(t, err)
	require.True(t, result.Paid)

	// 5% of 200000.
	balance, err := ledgerSvc.BalanceOf(ctx, ledgerdomain.Owner{Type: ledgerdomain.OwnerTypePartner, ID: partnerID})
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.RequireFromString("10000")), "got %s", balance)

	var category string
	require.NoError(t, conn.Raw(
		`SELECT category FROM ledger_transactions WHERE owner_type = 'partner' AND owner_id = ?`, partnerID,
	).Scan(&category).Error)
	require.Equal(t, ledgerdomain.CategoryCommission, category)
}
