package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/clock"
	coupondomain "github.com/nusalink/ispbill/internal/coupon/domain"
	obsmetrics "github.com/nusalink/ispbill/internal/observability/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) coupondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("coupon.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Validate(ctx context.Context, code string, customerID snowflake.ID, txAmount decimal.Decimal) (coupondomain.ValidationResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return coupondomain.ValidationResult{}, coupondomain.ErrInvalidCode
	}
	if customerID == 0 {
		return coupondomain.ValidationResult{}, coupondomain.ErrInvalidCustomer
	}
	if txAmount.IsNegative() {
		return coupondomain.ValidationResult{}, coupondomain.ErrInvalidAmount
	}

	coupon, err := s.findByCode(ctx, s.db, code)
	if err != nil {
		return coupondomain.ValidationResult{}, err
	}
	if coupon == nil {
		return coupondomain.ValidationResult{Reason: coupondomain.ReasonNotFound}, nil
	}

	if reason := s.checkEligibility(ctx, s.db, coupon, customerID, txAmount); reason != "" {
		return coupondomain.ValidationResult{Reason: reason}, nil
	}

	return coupondomain.ValidationResult{
		Valid:    true,
		Discount: coupon.CalculateDiscount(txAmount),
	}, nil
}

func (s *Service) Redeem(ctx context.Context, code string, customerID snowflake.ID, txAmount decimal.Decimal, invoiceID snowflake.ID) (coupondomain.RedeemResult, error) {
	var out coupondomain.RedeemResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.RedeemTx(ctx, tx, code, customerID, txAmount, invoiceID)
		return err
	})
	if err != nil {
		return coupondomain.RedeemResult{}, err
	}
	return out, nil
}

func (s *Service) RedeemTx(ctx context.Context, tx *gorm.DB, code string, customerID snowflake.ID, txAmount decimal.Decimal, invoiceID snowflake.ID) (coupondomain.RedeemResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return coupondomain.RedeemResult{}, coupondomain.ErrInvalidCode
	}
	if customerID == 0 {
		return coupondomain.RedeemResult{}, coupondomain.ErrInvalidCustomer
	}
	if txAmount.IsNegative() {
		return coupondomain.RedeemResult{}, coupondomain.ErrInvalidAmount
	}

	coupon, err := s.findByCode(ctx, tx, code)
	if err != nil {
		return coupondomain.RedeemResult{}, err
	}
	if coupon == nil {
		return coupondomain.RedeemResult{Reason: coupondomain.ReasonNotFound}, nil
	}
	if reason := s.checkEligibility(ctx, tx, coupon, customerID, txAmount); reason != "" {
		return coupondomain.RedeemResult{Reason: reason}, nil
	}

	now := s.clock.Now()

	// The guarded increment is the authoritative cap check: the predicate
	// re-tests used_count under the coupon row's write lock, so concurrent
	// redeemers cannot both slip past a cap of one.
	stmt := `UPDATE coupons SET used_count = used_count + 1, updated_at = ? WHERE id = ?`
	args := []any{now, coupon.ID}
	if coupon.MaxUsage > 0 {
		stmt += ` AND used_count < ?`
		args = append(args, coupon.MaxUsage)
	}
	result := tx.WithContext(ctx).Exec(stmt, args...)
	if result.Error != nil {
		return coupondomain.RedeemResult{}, result.Error
	}
	if result.RowsAffected == 0 {
		return coupondomain.RedeemResult{Reason: coupondomain.ReasonUsageLimitReached}, nil
	}

	// Re-count the customer's redemptions under the same lock.
	if coupon.MaxPerCustomer > 0 {
		count, err := s.usageCount(ctx, tx, coupon.ID, customerID)
		if err != nil {
			return coupondomain.RedeemResult{}, err
		}
		if count >= coupon.MaxPerCustomer {
			// Roll the increment back; the enclosing transaction has not
			// committed anything yet.
			if err := tx.WithContext(ctx).Exec(
				`UPDATE coupons SET used_count = used_count - 1, updated_at = ? WHERE id = ?`,
				now, coupon.ID,
			).Error; err != nil {
				return coupondomain.RedeemResult{}, err
			}
			return coupondomain.RedeemResult{Reason: coupondomain.ReasonCustomerLimitReached}, nil
		}
	}

	usage := coupondomain.CouponUsage{
		ID:             s.genID.Generate(),
		CouponID:       coupon.ID,
		CustomerID:     customerID,
		InvoiceID:      invoiceID,
		DiscountAmount: coupon.CalculateDiscount(txAmount),
		CreatedAt:      now,
	}
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO coupon_usages (id, coupon_id, customer_id, invoice_id, discount_amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		usage.ID,
		usage.CouponID,
		usage.CustomerID,
		usage.InvoiceID,
		usage.DiscountAmount,
		usage.CreatedAt,
	).Error; err != nil {
		return coupondomain.RedeemResult{}, err
	}

	obsmetrics.Billing().IncCouponRedeemed()
	s.log.Info("coupon redeemed",
		zap.String("code", coupon.Code),
		zap.String("customer_id", customerID.String()),
		zap.String("discount", usage.DiscountAmount.String()),
	)
	return coupondomain.RedeemResult{Redeemed: true, Usage: &usage}, nil
}

func (s *Service) findByCode(ctx context.Context, conn *gorm.DB, code string) (*coupondomain.Coupon, error) {
	var coupon coupondomain.Coupon
	err := conn.WithContext(ctx).Where("code = ?", code).Take(&coupon).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &coupon, nil
}

// checkEligibility applies every pre-redemption rule and returns the first
// failing reason, or "" when the coupon is usable.
func (s *Service) checkEligibility(ctx context.Context, conn *gorm.DB, coupon *coupondomain.Coupon, customerID snowflake.ID, txAmount decimal.Decimal) string {
	now := s.clock.Now()
	switch {
	case !coupon.IsActive:
		return coupondomain.ReasonInactive
	case now.Before(coupon.ValidFrom):
		return coupondomain.ReasonNotStarted
	case now.After(coupon.ValidUntil):
		return coupondomain.ReasonExpired
	case coupon.MaxUsage > 0 && coupon.UsedCount >= coupon.MaxUsage:
		return coupondomain.ReasonUsageLimitReached
	case txAmount.LessThan(coupon.MinTransaction):
		return coupondomain.ReasonBelowMinTransaction
	}
	if coupon.MaxPerCustomer > 0 {
		count, err := s.usageCount(ctx, conn, coupon.ID, customerID)
		if err != nil {
			s.log.Warn("coupon usage count failed", zap.Error(err))
			return coupondomain.ReasonCustomerLimitReached
		}
		if count >= coupon.MaxPerCustomer {
			return coupondomain.ReasonCustomerLimitReached
		}
	}
	return ""
}

func (s *Service) usageCount(ctx context.Context, conn *gorm.DB, couponID, customerID snowflake.ID) (int, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM coupon_usages WHERE coupon_id = ? AND customer_id = ?`,
		couponID,
		customerID,
	).Scan(&count).Error
	return int(count), err
}
