package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Rejection reasons reported by Validate and Redeem. These are expected,
// non-exceptional outcomes.
const (
	ReasonNotFound             = "not_found"
	ReasonInactive             = "inactive"
	ReasonNotStarted           = "not_started"
	ReasonExpired              = "expired"
	ReasonUsageLimitReached    = "usage_limit_reached"
	ReasonCustomerLimitReached = "customer_limit_reached"
	ReasonBelowMinTransaction  = "below_min_transaction"
)

type ValidationResult struct {
	Valid    bool
	Reason   string
	Discount decimal.Decimal
}

type RedeemResult struct {
	Redeemed bool
	Reason   string
	Usage    *CouponUsage
}

type Service interface {
	Validate(ctx context.Context, code string, customerID snowflake.ID, txAmount decimal.Decimal) (ValidationResult, error)
	// Redeem re-validates and creates the usage row atomically with the
	// usage-count increment, so two concurrent redemptions cannot both pass
	// a cap of one.
	Redeem(ctx context.Context, code string, customerID snowflake.ID, txAmount decimal.Decimal, invoiceID snowflake.ID) (RedeemResult, error)
	// RedeemTx is Redeem inside the caller's transaction, used by the
	// invoice generator so the discount commits with the invoice.
	RedeemTx(ctx context.Context, tx *gorm.DB, code string, customerID snowflake.ID, txAmount decimal.Decimal, invoiceID snowflake.ID) (RedeemResult, error)
}

var (
	ErrInvalidCode     = errors.New("invalid_code")
	ErrInvalidCustomer = errors.New("invalid_customer")
	ErrInvalidAmount   = errors.New("invalid_amount")
)

// CalculateDiscount applies the coupon to txAmount: percent discounts take
// DiscountValue as a percentage, fixed discounts take it verbatim. A positive
// MaxDiscount caps the result, and the discount never exceeds the transaction
// amount itself.
func (c Coupon) CalculateDiscount(txAmount decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch c.DiscountType {
	case DiscountTypePercent:
		discount = txAmount.Mul(c.DiscountValue).Div(decimal.NewFromInt(100)).RoundBank(2)
	case DiscountTypeFixed:
		discount = c.DiscountValue
	default:
		return decimal.Zero
	}
	if c.MaxDiscount.IsPositive() && discount.GreaterThan(c.MaxDiscount) {
		discount = c.MaxDiscount
	}
	if discount.GreaterThan(txAmount) {
		discount = txAmount
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount
}
