package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/audit"
	"github.com/nusalink/ispbill/internal/clock"
	ledgerdomain "github.com/nusalink/ispbill/internal/ledger/domain"
	"github.com/nusalink/ispbill/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupLedger(t *testing.T) (*gorm.DB, ledgerdomain.Service, *snowflake.Node) {
	t.Helper()
	conn := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	svc := NewService(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)),
		AuditSvc: audit.New(zap.NewNop(), node),
	})
	return conn, svc, node
}

func seedCustomerOwner(t *testing.T, conn *gorm.DB, node *snowflake.Node) ledgerdomain.Owner {
	t.Helper()
	id := node.Generate()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	err := conn.Exec(
		`INSERT INTO customers (id, name, email, plan_id, status, usage_reset_at, billing_cycle_day, balance, metadata, created_at, updated_at)
		 VALUES (?, 'Asep', 'asep@example.com', 1, 'active', ?, 1, 0, '{}', ?, ?)`,
		id, now, now, now,
	).Error
	require.NoError(t, err)
	return ledgerdomain.Owner{Type: ledgerdomain.OwnerTypeCustomer, ID: id}
}

func TestPostUpdatesCachedBalance(t *testing.T) {
	conn, svc, node := setupLedger(t)
	owner := seedCustomerOwner(t, conn, node)
	ctx := context.Background()

	_, err := svc.Post(ctx, ledgerdomain.PostRequest{
		Owner:     owner,
		Direction: ledgerdomain.DirectionCredit,
		Amount:    decimal.RequireFromString("150000"),
		Category:  ledgerdomain.CategoryBalanceTopup,
	})
	require.NoError(t, err)

	_, err = svc.Post(ctx, ledgerdomain.PostRequest{
		Owner:     owner,
		Direction: ledgerdomain.DirectionDebit,
		Amount:    decimal.RequireFromString("50000"),
		Category:  ledgerdomain.CategoryInvoicePayment,
		Reference: ledgerdomain.Reference{Kind: ledgerdomain.RefKindInvoice, ID: node.Generate()},
	})
	require.NoError(t, err)

	computed, err := svc.BalanceOf(ctx, owner)
	require.NoError(t, err)
	assert.True(t, computed.Equal(decimal.RequireFromString("100000")), "computed %s", computed)

	report, err := svc.CheckConsistency(ctx, owner)
	require.NoError(t, err)
	assert.True(t, report.Consistent, "cached %s computed %s", report.Cached, report.Computed)
}

func TestPostRejectsNonPositiveAmount(t *testing.T) {
	conn, svc, node := setupLedger(t)
	owner := seedCustomerOwner(t, conn, node)

	_, err := svc.Post(context.Background(), ledgerdomain.PostRequest{
		Owner:     owner,
		Direction: ledgerdomain.DirectionCredit,
		Amount:    decimal.Zero,
		Category:  ledgerdomain.CategoryBalanceTopup,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = svc.Post(context.Background(), ledgerdomain.PostRequest{
		Owner:     owner,
		Direction: ledgerdomain.DirectionDebit,
		Amount:    decimal.RequireFromString("-5"),
		Category:  ledgerdomain.CategoryInvoicePayment,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}

func TestConcurrentPostsKeepCacheExact(t *testing.T) {
	conn, svc, node := setupLedger(t)
	owner := seedCustomerOwner(t, conn, node)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Post(ctx, ledgerdomain.PostRequest{
				Owner:     owner,
				Direction: ledgerdomain.DirectionCredit,
				Amount:    decimal.RequireFromString("12.50"),
				Category:  ledgerdomain.CategoryBalanceTopup,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report, err := svc.CheckConsistency(ctx, owner)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.True(t, report.Computed.Equal(decimal.RequireFromString("100")), "computed %s", report.Computed)
}

func TestPayWithBalanceInsufficientIsAResultNotAnError(t *testing.T) {
	conn, svc, node := setupLedger(t)
	owner := seedCustomerOwner(t, conn, node)
	ctx := context.Background()

	res, err := svc.PayWithBalance(ctx, owner, decimal.RequireFromString("90000"), ledgerdomain.Reference{
		Kind: ledgerdomain.RefKindInvoice,
		ID:   node.Generate(),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Nil(t, res.Transaction)

	_, err = svc.Post(ctx, ledgerdomain.PostRequest{
		Owner:     owner,
		Direction: ledgerdomain.DirectionCredit,
		Amount:    decimal.RequireFromString("100000"),
		Category:  ledgerdomain.CategoryBalanceTopup,
	})
	require.NoError(t, err)

	res, err = svc.PayWithBalance(ctx, owner, decimal.RequireFromString("90000"), ledgerdomain.Reference{
		Kind: ledgerdomain.RefKindInvoice,
		ID:   node.Generate(),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, ledgerdomain.DirectionDebit, res.Transaction.Direction)

	balance, err := svc.BalanceOf(ctx, owner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("10000")), "balance %s", balance)
}

func TestCheckConsistencyFreezesDriftedOwner(t *testing.T) {
	conn, svc, node := setupLedger(t)
	owner := seedCustomerOwner(t, conn, node)
	ctx := context.Background()

	_, err := svc.Post(ctx, ledgerdomain.PostRequest{
		Owner:     owner,
		Direction: ledgerdomain.DirectionCredit,
		Amount:    decimal.RequireFromString("5000"),
		Category:  ledgerdomain.CategoryBalanceTopup,
	})
	require.NoError(t, err)

	// Corrupt the cache behind the ledger's back.
	require.NoError(t, conn.Exec(`UPDATE customers SET balance = 9999 WHERE id = ?`, owner.ID).Error)

	report, err := svc.CheckConsistency(ctx, owner)
	require.NoError(t, err)
	assert.False(t, report.Consistent)

	// The owner is frozen: further postings must be refused.
	_, err = svc.Post(ctx, ledgerdomain.PostRequest{
		Owner:     owner,
		Direction: ledgerdomain.DirectionCredit,
		Amount:    decimal.RequireFromString("1"),
		Category:  ledgerdomain.CategoryBalanceTopup,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrOwnerFrozen)
}

func TestPostUnknownOwner(t *testing.T) {
	_, svc, node := setupLedger(t)

	_, err := svc.Post(context.Background(), ledgerdomain.PostRequest{
		Owner:     ledgerdomain.Owner{Type: ledgerdomain.OwnerTypeCustomer, ID: node.Generate()},
		Direction: ledgerdomain.DirectionCredit,
		Amount:    decimal.RequireFromString("10"),
		Category:  ledgerdomain.CategoryBalanceTopup,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOwner)
}
