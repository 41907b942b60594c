package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/audit"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/nusalink/ispbill/internal/config"
	couponservice "github.com/nusalink/ispbill/internal/coupon/service"
	"github.com/nusalink/ispbill/internal/dunning"
	"github.com/nusalink/ispbill/internal/fup"
	invoiceservice "github.com/nusalink/ispbill/internal/invoice/service"
	ledgerservice "github.com/nusalink/ispbill/internal/ledger/service"
	"github.com/nusalink/ispbill/internal/lifecycle"
	"github.com/nusalink/ispbill/internal/outbox"
	planrepo "github.com/nusalink/ispbill/internal/plan/repository"
	"github.com/nusalink/ispbill/internal/provisioning"
	"github.com/nusalink/ispbill/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schedFixture struct {
	conn  *gorm.DB
	sched *Scheduler
	node  *snowflake.Node
	clock *clock.FakeClock
}

func setupScheduler(t *testing.T, cfg Config) *schedFixture {
	t.Helper()
	conn := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	auditSvc := audit.New(log, node)
	box := outbox.NewOutbox(conn, node, clk)
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	lifecycleSvc := lifecycle.New(lifecycle.Params{
		DB: conn, Log: log, Clock: clk, Outbox: box, Audit: auditSvc, PlanRepo: planrepo.Provide(),
	})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, AuditSvc: auditSvc,
	})
	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Billing: billing,
		Coupons:  couponservice.New(couponservice.Params{DB: conn, Log: log, GenID: node, Clock: clk}),
		PlanRepo: planrepo.Provide(), Outbox: box, Audit: auditSvc,
	})
	dunningSvc := dunning.New(dunning.Params{
		DB: conn, Log: log, Clock: clk, Billing: billing, Lifecycle: lifecycleSvc, Outbox: box,
	})
	fupSvc := fup.New(fup.Params{
		DB: conn, Log: log, Clock: clk, Config: fup.Config{Concurrency: 2, PerItemTimeout: time.Second},
		Source: fup.NewNopUsageSource(log), Lifecycle: lifecycleSvc, PlanRepo: planrepo.Provide(),
	})
	dispatcher := outbox.NewDispatcher(conn, log, clk, outbox.DispatcherConfig{})
	provisioning.RegisterHandlers(dispatcher, provisioning.NewLogProvisioner(log), provisioning.NewLogNotifier(log))

	sched, err := New(Params{
		DB: conn, Log: log, Clock: clk,
		InvoiceSvc: invoiceSvc, LedgerSvc: ledgerSvc, DunningSvc: dunningSvc,
		FupSvc: fupSvc, Dispatcher: dispatcher, Config: cfg,
	})
	require.NoError(t, err)
	return &schedFixture{conn: conn, sched: sched, node: node, clock: clk}
}

func (f *schedFixture) seedCustomer(t *testing.T, cycleDay int) snowflake.ID {
	t.Helper()
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	planID := f.node.Generate()
	require.NoError(t, f.conn.Exec(
		`INSERT INTO plans (id, code, name, price, fup_enabled, quota_bytes, throttled_speed, created_at, updated_at)
		 VALUES (?, ?, 'Home 30 Mbps', 200000, 0, 0, '', ?, ?)`,
		planID, "plan-"+planID.String(), now, now,
	).Error)
	id := f.node.Generate()
	require.NoError(t, f.conn.Exec(
		`INSERT INTO customers (id, name, email, plan_id, status, usage_reset_at, billing_cycle_day, balance, metadata, created_at, updated_at)
		 VALUES (?, 'Joko', ?, ?, 'active', ?, ?, 0, '{}', ?, ?)`,
		id, id.String()+"@example.com", planID,
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), cycleDay, now, now,
	).Error)
	return id
}

func TestRunOnceGeneratesInvoicesAndDispatchesOutbox(t *testing.T) {
	f := setupScheduler(t, Config{})
	customerID := f.seedCustomer(t, 1) // matches Feb 1

	require.NoError(t, f.sched.RunOnce(context.Background()))

	var invoices int64
	require.NoError(t, f.conn.Raw(
		`SELECT COUNT(*) FROM invoices WHERE customer_id = ? AND period = '2026-02'`, customerID,
	).Scan(&invoices).Error)
	require.EqualValues(t, 1, invoices)

	// The invoice_issued notification went out in the same run.
	var pending int64
	require.NoError(t, f.conn.Raw(
		`SELECT COUNT(*) FROM outbox_tasks WHERE status = 'pending'`,
	).Scan(&pending).Error)
	require.EqualValues(t, 0, pending)
}

func TestJobCadenceGating(t *testing.T) {
	f := setupScheduler(t, Config{})
	f.seedCustomer(t, 1)
	ctx := context.Background()

	require.NoError(t, f.sched.RunOnce(ctx))

	// Within the daily cadence the invoice job does not run again, so a
	// second customer created meanwhile is not billed yet. Its cycle day
	// matches the day the clock lands on after the cadence passes.
	second := f.seedCustomer(t, 2)
	f.clock.Advance(time.Hour)
	require.NoError(t, f.sched.RunOnce(ctx))

	var invoices int64
	require.NoError(t, f.conn.Raw(
		`SELECT COUNT(*) FROM invoices WHERE customer_id = ?`, second,
	).Scan(&invoices).Error)
	require.EqualValues(t, 0, invoices)

	// Past the cadence the job fires again.
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(ctx))
	require.NoError(t, f.conn.Raw(
		`SELECT COUNT(*) FROM invoices WHERE customer_id = ?`, second,
	).Scan(&invoices).Error)
	require.EqualValues(t, 1, invoices)
}

func TestEnabledJobsFilter(t *testing.T) {
	f := setupScheduler(t, Config{EnabledJobs: []string{"ledger_audit"}})
	f.seedCustomer(t, 1)

	require.NoError(t, f.sched.RunOnce(context.Background()))

	var invoices int64
	require.NoError(t, f.conn.Raw(`SELECT COUNT(*) FROM invoices`).Scan(&invoices).Error)
	require.EqualValues(t, 0, invoices)
}

func TestSweepJobSuspendsOverdue(t *testing.T) {
	f := setupScheduler(t, Config{EnabledJobs: []string{"suspension_sweep", "outbox_dispatch"}})
	customerID := f.seedCustomer(t, 1)
	require.NoError(t, f.conn.Exec(
		`INSERT INTO invoices (id, customer_id, period, status, subtotal, discount, tax, unique_code, total, due_date, metadata, created_at, updated_at)
		 VALUES (?, ?, '2026-01', 'unpaid', 200000, 0, 0, 0, 200000, ?, '{}', ?, ?)`,
		f.node.Generate(), customerID,
		f.clock.Now().AddDate(0, 0, -4), f.clock.Now(), f.clock.Now(),
	).Error)

	require.NoError(t, f.sched.RunOnce(context.Background()))

	var status string
	require.NoError(t, f.conn.Raw(`SELECT status FROM customers WHERE id = ?`, customerID).Scan(&status).Error)
	require.Equal(t, "suspended", status)
}

func TestLedgerAuditJobFreezesDriftedCustomer(t *testing.T) {
	f := setupScheduler(t, Config{EnabledJobs: []string{"ledger_audit"}})
	customerID := f.seedCustomer(t, 1)
	require.NoError(t, f.conn.Exec(
		`UPDATE customers SET balance = 125000 WHERE id = ?`, customerID,
	).Error)

	// Drift is not a job failure: the run succeeds and the owner freezes.
	require.NoError(t, f.sched.RunOnce(context.Background()))

	var frozen bool
	require.NoError(t, f.conn.Raw(`SELECT frozen FROM customers WHERE id = ?`, customerID).Scan(&frozen).Error)
	require.True(t, frozen)
}
