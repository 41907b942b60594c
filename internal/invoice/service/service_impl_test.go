package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/audit"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/nusalink/ispbill/internal/config"
	couponservice "github.com/nusalink/ispbill/internal/coupon/service"
	"github.com/nusalink/ispbill/internal/invoice/domain"
	"github.com/nusalink/ispbill/internal/outbox"
	planrepo "github.com/nusalink/ispbill/internal/plan/repository"
	"github.com/nusalink/ispbill/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	conn  *gorm.DB
	svc   domain.Service
	node  *snowflake.Node
	clock *clock.FakeClock
	cfg   config.BillingConfig
}

func setupInvoice(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 7, 0, 0, 0, time.UTC))
	cfg := config.DefaultBillingConfig()
	svc := NewService(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Billing:  config.NewStaticBillingConfigHolder(cfg),
		Coupons:  couponservice.New(couponservice.Params{DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk}),
		PlanRepo: planrepo.Provide(),
		Outbox:   outbox.NewOutbox(conn, node, clk),
		Audit:    audit.New(zap.NewNop(), node),
	})
	return &fixture{conn: conn, svc: svc, node: node, clock: clk, cfg: cfg}
}

func (f *fixture) seedPlan(t *testing.T, price string) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	now := f.clock.Now()
	require.NoError(t, f.conn.Exec(
		`INSERT INTO plans (id, code, name, price, fup_enabled, quota_bytes, throttled_speed, created_at, updated_at)
		 VALUES (?, ?, 'Home 50 Mbps', ?, 0, 0, '', ?, ?)`,
		id, "plan-"+id.String(), price, now, now,
	).Error)
	return id
}

func (f *fixture) seedCustomer(t *testing.T, planID snowflake.ID, taxed bool, cycleDay int) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	now := f.clock.Now()
	require.NoError(t, f.conn.Exec(
		`INSERT INTO customers (id, name, email, plan_id, status, is_taxed, usage_reset_at, billing_cycle_day, balance, metadata, created_at, updated_at)
		 VALUES (?, 'Budi', ?, ?, 'active', ?, ?, ?, 0, '{}', ?, ?)`,
		id, id.String()+"@example.com", planID, taxed, now, cycleDay, now, now,
	).Error)
	return id
}

func TestGenerateOneUntaxed(t *testing.T) {
	f := setupInvoice(t)
	planID := f.seedPlan(t, "300000")
	customerID := f.seedCustomer(t, planID, false, 1)
	period := domain.Period{Year: 2026, Month: time.February}

	inv, err := f.svc.GenerateOne(context.Background(), customerID, period, "")
	require.NoError(t, err)
	require.NotNil(t, inv)
	require.Equal(t, domain.StatusUnpaid, inv.Status)
	require.True(t, inv.Subtotal.Equal(decimal.RequireFromString("300000")))
	require.True(t, inv.Tax.IsZero())
	require.True(t, inv.Discount.IsZero())

	// Surcharge lands in [1, UniqueCodeMax] and total adds up.
	require.True(t, inv.UniqueCode.GreaterThanOrEqual(decimal.NewFromInt(1)))
	require.True(t, inv.UniqueCode.LessThanOrEqual(decimal.NewFromInt(int64(f.cfg.UniqueCodeMax))))
	require.True(t, inv.Total.Equal(inv.Subtotal.Sub(inv.Discount).Add(inv.Tax).Add(inv.UniqueCode)))

	require.Equal(t, f.clock.Now().AddDate(0, 0, f.cfg.DueDays), inv.DueDate)

	items, err := f.svc.ListItems(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, domain.ItemKindSubscription, items[0].Kind)
}

func TestGenerateOneTaxedRatesRoundIndependently(t *testing.T) {
	f := setupInvoice(t)
	planID := f.seedPlan(t, "300000")
	customerID := f.seedCustomer(t, planID, true, 1)
	period := domain.Period{Year: 2026, Month: time.February}

	inv, err := f.svc.GenerateOne(context.Background(), customerID, period, "")
	require.NoError(t, err)
	require.NotNil(t, inv)

	// 11% + 0.5% + 1.25% of 300000, each banker's-rounded on its own:
	// 33000 + 1500 + 3750.
	require.True(t, inv.Tax.Equal(decimal.RequireFromString("38250")), "tax = %s", inv.Tax)
}

func TestGenerateOneIdempotentPerPeriod(t *testing.T) {
	f := setupInvoice(t)
	planID := f.seedPlan(t, "300000")
	customerID := f.seedCustomer(t, planID, false, 1)
	period := domain.Period{Year: 2026, Month: time.February}
	ctx := context.Background()

	first, err := f.svc.GenerateOne(ctx, customerID, period, "")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.svc.GenerateOne(ctx, customerID, period, "")
	require.NoError(t, err)
	require.Nil(t, second)

	var count int64
	require.NoError(t, f.conn.Raw(
		`SELECT COUNT(*) FROM invoices WHERE customer_id = ?`, customerID,
	).Scan(&count).Error)
	require.EqualValues(t, 1, count)

	// A voided invoice frees the period slot.
	require.NoError(t, f.svc.Void(ctx, first.ID, "billing error"))
	third, err := f.svc.GenerateOne(ctx, customerID, period, "")
	require.NoError(t, err)
	require.NotNil(t, third)
}

func TestGenerateForPeriodTwiceCreatesOncePerCustomer(t *testing.T) {
	f := setupInvoice(t)
	planID := f.seedPlan(t, "250000")
	a := f.seedCustomer(t, planID, false, 1)
	b := f.seedCustomer(t, planID, false, 1)
	f.seedCustomer(t, planID, false, 15) // wrong cycle day, not eligible
	period := domain.Period{Year: 2026, Month: time.February}
	ctx := context.Background()

	summary, _, err := f.svc.GenerateForPeriod(ctx, period)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Eligible)
	require.Equal(t, 2, summary.Created)

	summary, _, err = f.svc.GenerateForPeriod(ctx, period)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Skipped)
	require.Equal(t, 0, summary.Created)

	for _, id := range []snowflake.ID{a, b} {
		invoices, err := f.svc.ListByCustomer(ctx, id, 10)
		require.NoError(t, err)
		require.Len(t, invoices, 1)
	}
}

func TestGenerateForPeriodShortMonthClampsCycleDay(t *testing.T) {
	f := setupInvoice(t)
	f.clock.Set(time.Date(2026, 2, 28, 7, 0, 0, 0, time.UTC))
	planID := f.seedPlan(t, "250000")
	f.seedCustomer(t, planID, false, 30) // February cannot reach day 30
	period := domain.Period{Year: 2026, Month: time.February}

	summary, _, err := f.svc.GenerateForPeriod(context.Background(), period)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Created)
}

func TestGenerateOneAppliesCoupon(t *testing.T) {
	f := setupInvoice(t)
	planID := f.seedPlan(t, "300000")
	customerID := f.seedCustomer(t, planID, false, 1)
	now := f.clock.Now()
	require.NoError(t, f.conn.Exec(
		`INSERT INTO coupons (id, code, discount_type, discount_value, min_transaction, max_discount, max_usage, max_per_customer, valid_from, valid_until, is_active, used_count, created_at, updated_at)
		 VALUES (?, 'WELCOME10', 'percent', 10, 0, 0, 0, 0, ?, ?, 1, 0, ?, ?)`,
		f.node.Generate(), now.AddDate(0, 0, -1), now.AddDate(0, 1, 0), now, now,
	).Error)

	inv, err := f.svc.GenerateOne(context.Background(), customerID, domain.Period{Year: 2026, Month: time.February}, "WELCOME10")
	require.NoError(t, err)
	require.NotNil(t, inv)
	require.True(t, inv.Discount.Equal(decimal.RequireFromString("30000")), "discount = %s", inv.Discount)
	require.True(t, inv.Total.Equal(inv.Subtotal.Sub(inv.Discount).Add(inv.UniqueCode)))

	var usages int64
	require.NoError(t, f.conn.Raw(`SELECT COUNT(*) FROM coupon_usages WHERE invoice_id = ?`, inv.ID).Scan(&usages).Error)
	require.EqualValues(t, 1, usages)
}

func TestGenerateOnePlanChangeAdjustment(t *testing.T) {
	f := setupInvoice(t)
	f.clock.Set(time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC))
	planID := f.seedPlan(t, "400000")
	customerID := f.seedCustomer(t, planID, false, 1)

	// Upgraded 300000 -> 400000 on Feb 16; 13 remaining days of 28:
	// 400000/28*13 = 185714.29 minus 300000/28*13 = 139285.71, so 46428.58.
	require.NoError(t, f.conn.Exec(
		`UPDATE customers SET metadata = ? WHERE id = ?`,
		`{"plan_change_old_price":"300000","plan_change_new_price":"400000","plan_change_at":"2026-02-16T00:00:00Z"}`,
		customerID,
	).Error)

	inv, err := f.svc.GenerateOne(context.Background(), customerID, domain.Period{Year: 2026, Month: time.March}, "")
	require.NoError(t, err)
	require.NotNil(t, inv)
	require.True(t, inv.Subtotal.Equal(decimal.RequireFromString("446428.58")), "subtotal = %s", inv.Subtotal)

	items, err := f.svc.ListItems(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// The parked change is consumed; the next cycle bills the plan price only.
	var metadata string
	require.NoError(t, f.conn.Raw(`SELECT metadata FROM customers WHERE id = ?`, customerID).Scan(&metadata).Error)
	require.NotContains(t, metadata, "plan_change_old_price")
}

func TestVoidPaidInvoiceRejected(t *testing.T) {
	f := setupInvoice(t)
	planID := f.seedPlan(t, "300000")
	customerID := f.seedCustomer(t, planID, false, 1)
	ctx := context.Background()

	inv, err := f.svc.GenerateOne(ctx, customerID, domain.Period{Year: 2026, Month: time.February}, "")
	require.NoError(t, err)
	require.NoError(t, f.conn.Exec(`UPDATE invoices SET status = 'paid' WHERE id = ?`, inv.ID).Error)

	require.ErrorIs(t, f.svc.Void(ctx, inv.ID, "oops"), domain.ErrAlreadyPaid)
	require.ErrorIs(t, f.svc.Void(ctx, f.node.Generate(), "oops"), domain.ErrNotFound)
}
