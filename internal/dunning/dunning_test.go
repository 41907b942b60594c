package dunning

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/audit"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/nusalink/ispbill/internal/config"
	"github.com/nusalink/ispbill/internal/lifecycle"
	"github.com/nusalink/ispbill/internal/outbox"
	planrepo "github.com/nusalink/ispbill/internal/plan/repository"
	"github.com/nusalink/ispbill/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupDunning(t *testing.T) (*gorm.DB, Service, *snowflake.Node, *clock.FakeClock) {
	t.Helper()
	conn := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 20, 6, 0, 0, 0, time.UTC))
	box := outbox.NewOutbox(conn, node, clk)
	lifecycleSvc := lifecycle.New(lifecycle.Params{
		DB:       conn,
		Log:      zap.NewNop(),
		Clock:    clk,
		Outbox:   box,
		Audit:    audit.New(zap.NewNop(), node),
		PlanRepo: planrepo.Provide(),
	})
	svc := New(Params{
		DB:        conn,
		Log:       zap.NewNop(),
		Clock:     clk,
		Billing:   config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Lifecycle: lifecycleSvc,
		Outbox:    box,
	})
	return conn, svc, node, clk
}

func seedUnpaid(t *testing.T, conn *gorm.DB, node *snowflake.Node, status string, due time.Time) (snowflake.ID, snowflake.ID) {
	t.Helper()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	planID := node.Generate()
	require.NoError(t, conn.Exec(
		`INSERT INTO plans (id, code, name, price, fup_enabled, quota_bytes, throttled_speed, created_at, updated_at)
		 VALUES (?, ?, 'Home 10 Mbps', 150000, 0, 0, '', ?, ?)`,
		planID, "plan-"+planID.String(), now, now,
	).Error)
	customerID := node.Generate()
	require.NoError(t, conn.Exec(
		`INSERT INTO customers (id, name, email, plan_id, status, usage_reset_at, billing_cycle_day, balance, metadata, created_at, updated_at)
		 VALUES (?, 'Agus', ?, ?, ?, ?, 1, 0, '{}', ?, ?)`,
		customerID, customerID.String()+"@example.com", planID, status, now, now, now,
	).Error)
	invoiceID := node.Generate()
	require.NoError(t, conn.Exec(
		`INSERT INTO invoices (id, customer_id, period, status, subtotal, discount, tax, unique_code, total, due_date, metadata, created_at, updated_at)
		 VALUES (?, ?, '2026-02', 'unpaid', 150000, 0, 0, 0, 150000, ?, '{}', ?, ?)`,
		invoiceID, customerID, due, now, now,
	).Error)
	return invoiceID, customerID
}

func TestSweepSuspendsOverdueOnce(t *testing.T) {
	conn, svc, node, clk := setupDunning(t)
	overdue := clk.Now().AddDate(0, 0, -3)
	_, customerID := seedUnpaid(t, conn, node, "active", overdue)
	// Due tomorrow: untouched.
	_, freshID := seedUnpaid(t, conn, node, "active", clk.Now().AddDate(0, 0, 1))
	ctx := context.Background()

	summary, err := svc.Sweep(ctx, clk.Now())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Scanned)
	require.Equal(t, 1, summary.Suspended)

	var status string
	require.NoError(t, conn.Raw(`SELECT status FROM customers WHERE id = ?`, customerID).Scan(&status).Error)
	require.Equal(t, "suspended", status)
	require.NoError(t, conn.Raw(`SELECT status FROM customers WHERE id = ?`, freshID).Scan(&status).Error)
	require.Equal(t, "active", status)

	// Re-sweep: same overdue set, no second deprovision task.
	summary, err = svc.Sweep(ctx, clk.Now())
	require.NoError(t, err)
	require.Equal(t, 0, summary.Suspended)
	require.Equal(t, 1, summary.Skipped)

	var tasks int64
	require.NoError(t, conn.Raw(`SELECT COUNT(*) FROM outbox_tasks WHERE kind = 'deprovision'`).Scan(&tasks).Error)
	require.EqualValues(t, 1, tasks)
}

func TestRemindWindowAndDedup(t *testing.T) {
	conn, svc, node, clk := setupDunning(t)
	// Due 2 days ago: inside the 1-3 day window.
	invoiceID, _ := seedUnpaid(t, conn, node, "active", clk.Now().AddDate(0, 0, -2))
	// Due 5 days ago: past the window, sweep territory.
	seedUnpaid(t, conn, node, "active", clk.Now().AddDate(0, 0, -5))
	ctx := context.Background()

	summary, err := svc.Remind(ctx, clk.Now())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Scanned)
	require.Equal(t, 1, summary.Reminded)

	var stamped *time.Time
	require.NoError(t, conn.Raw(`SELECT last_reminded_at FROM invoices WHERE id = ?`, invoiceID).Scan(&stamped).Error)
	require.NotNil(t, stamped)

	// Scheduler fires again an hour later: the 24h stamp suppresses it.
	clk.Advance(time.Hour)
	summary, err = svc.Remind(ctx, clk.Now())
	require.NoError(t, err)
	require.Equal(t, 0, summary.Reminded)
	require.Equal(t, 1, summary.Skipped)

	// A day after the first reminder the invoice sits on the window's far
	// edge (due exactly 3 days ago): remind again.
	clk.Advance(23 * time.Hour)
	summary, err = svc.Remind(ctx, clk.Now())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Reminded)

	var notifications int64
	require.NoError(t, conn.Raw(`SELECT COUNT(*) FROM outbox_tasks WHERE kind = 'notify'`).Scan(&notifications).Error)
	require.EqualValues(t, 2, notifications)
}
