package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/clock"
	coupondomain "github.com/nusalink/ispbill/internal/coupon/domain"
	"github.com/nusalink/ispbill/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)

func setupCoupon(t *testing.T) (*gorm.DB, coupondomain.Service, *snowflake.Node) {
	t.Helper()
	conn := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	svc := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(testNow),
	})
	return conn, svc, node
}

func seedCoupon(t *testing.T, conn *gorm.DB, node *snowflake.Node, c coupondomain.Coupon) snowflake.ID {
	t.Helper()
	if c.ID == 0 {
		c.ID = node.Generate()
	}
	if c.ValidFrom.IsZero() {
		c.ValidFrom = testNow.AddDate(0, -1, 0)
	}
	if c.ValidUntil.IsZero() {
		c.ValidUntil = testNow.AddDate(0, 1, 0)
	}
	err := conn.Exec(
		`INSERT INTO coupons (id, code, discount_type, discount_value, min_transaction, max_discount,
			max_usage, max_per_customer, valid_from, valid_until, is_active, used_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Code, c.DiscountType, c.DiscountValue, c.MinTransaction, c.MaxDiscount,
		c.MaxUsage, c.MaxPerCustomer, c.ValidFrom, c.ValidUntil, c.IsActive, c.UsedCount, testNow, testNow,
	).Error
	require.NoError(t, err)
	return c.ID
}

func TestPercentDiscountClampedToMaxDiscount(t *testing.T) {
	conn, svc, node := setupCoupon(t)
	seedCoupon(t, conn, node, coupondomain.Coupon{
		Code:          "HALF",
		DiscountType:  coupondomain.DiscountTypePercent,
		DiscountValue: decimal.RequireFromString("50"),
		MaxDiscount:   decimal.RequireFromString("20000"),
		IsActive:      true,
	})

	res, err := svc.Validate(context.Background(), "HALF", node.Generate(), decimal.RequireFromString("100000"))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Discount.Equal(decimal.RequireFromString("20000")), "discount %s", res.Discount)
}

func TestFixedDiscountNeverExceedsTransaction(t *testing.T) {
	conn, svc, node := setupCoupon(t)
	seedCoupon(t, conn, node, coupondomain.Coupon{
		Code:          "FLAT75",
		DiscountType:  coupondomain.DiscountTypeFixed,
		DiscountValue: decimal.RequireFromString("75000"),
		IsActive:      true,
	})

	res, err := svc.Validate(context.Background(), "FLAT75", node.Generate(), decimal.RequireFromString("50000"))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Discount.Equal(decimal.RequireFromString("50000")), "discount %s", res.Discount)
}

func TestValidateRejections(t *testing.T) {
	conn, svc, node := setupCoupon(t)
	customerID := node.Generate()

	seedCoupon(t, conn, node, coupondomain.Coupon{
		Code:          "OFF",
		DiscountType:  coupondomain.DiscountTypeFixed,
		DiscountValue: decimal.RequireFromString("5000"),
		IsActive:      false,
	})
	seedCoupon(t, conn, node, coupondomain.Coupon{
		Code:          "FUTURE",
		DiscountType:  coupondomain.DiscountTypeFixed,
		DiscountValue: decimal.RequireFromString("5000"),
		IsActive:      true,
		ValidFrom:     testNow.AddDate(0, 0, 5),
		ValidUntil:    testNow.AddDate(0, 1, 0),
	})
	seedCoupon(t, conn, node, coupondomain.Coupon{
		Code:           "BIGONLY",
		DiscountType:   coupondomain.DiscountTypeFixed,
		DiscountValue:  decimal.RequireFromString("5000"),
		MinTransaction: decimal.RequireFromString("250000"),
		IsActive:       true,
	})

	cases := []struct {
		code   string
		amount string
		reason string
	}{
		{"NOPE", "100000", coupondomain.ReasonNotFound},
		{"OFF", "100000", coupondomain.ReasonInactive},
		{"FUTURE", "100000", coupondomain.ReasonNotStarted},
		{"BIGONLY", "100000", coupondomain.ReasonBelowMinTransaction},
	}
	for _, tc := range cases {
		res, err := svc.Validate(context.Background(), tc.code, customerID, decimal.RequireFromString(tc.amount))
		require.NoError(t, err, tc.code)
		assert.False(t, res.Valid, tc.code)
		assert.Equal(t, tc.reason, res.Reason, tc.code)
	}
}

func TestRedeemSingleUseConcurrently(t *testing.T) {
	conn, svc, node := setupCoupon(t)
	couponID := seedCoupon(t, conn, node, coupondomain.Coupon{
		Code:          "ONCE",
		DiscountType:  coupondomain.DiscountTypeFixed,
		DiscountValue: decimal.RequireFromString("10000"),
		MaxUsage:      1,
		IsActive:      true,
	})

	const callers = 2
	results := make([]coupondomain.RedeemResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Redeem(context.Background(), "ONCE", node.Generate(), decimal.RequireFromString("100000"), node.Generate())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	redeemed := 0
	for _, res := range results {
		if res.Redeemed {
			redeemed++
		} else {
			assert.Equal(t, coupondomain.ReasonUsageLimitReached, res.Reason)
		}
	}
	assert.Equal(t, 1, redeemed)

	var usageRows int64
	require.NoError(t, conn.Raw(`SELECT COUNT(1) FROM coupon_usages WHERE coupon_id = ?`, couponID).Scan(&usageRows).Error)
	assert.EqualValues(t, 1, usageRows)

	var usedCount int
	require.NoError(t, conn.Raw(`SELECT used_count FROM coupons WHERE id = ?`, couponID).Scan(&usedCount).Error)
	assert.Equal(t, 1, usedCount)
}

func TestRedeemPerCustomerCap(t *testing.T) {
	conn, svc, node := setupCoupon(t)
	seedCoupon(t, conn, node, coupondomain.Coupon{
		Code:           "LOYAL",
		DiscountType:   coupondomain.DiscountTypeFixed,
		DiscountValue:  decimal.RequireFromString("10000"),
		MaxUsage:       100,
		MaxPerCustomer: 1,
		IsActive:       true,
	})
	customerID := node.Generate()
	amount := decimal.RequireFromString("100000")

	first, err := svc.Redeem(context.Background(), "LOYAL", customerID, amount, node.Generate())
	require.NoError(t, err)
	assert.True(t, first.Redeemed)

	second, err := svc.Redeem(context.Background(), "LOYAL", customerID, amount, node.Generate())
	require.NoError(t, err)
	assert.False(t, second.Redeemed)
	assert.Equal(t, coupondomain.ReasonCustomerLimitReached, second.Reason)

	// The failed second attempt must not leak an increment.
	var usedCount int
	require.NoError(t, conn.Raw(`SELECT used_count FROM coupons WHERE code = 'LOYAL'`).Scan(&usedCount).Error)
	assert.Equal(t, 1, usedCount)

	// A different customer can still redeem.
	third, err := svc.Redeem(context.Background(), "LOYAL", node.Generate(), amount, node.Generate())
	require.NoError(t, err)
	assert.True(t, third.Redeemed)
}
