package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// DiscountType selects how a coupon reduces a transaction amount.
type DiscountType string

const (
	DiscountTypePercent DiscountType = "percent"
	DiscountTypeFixed   DiscountType = "fixed"
)

// Coupon is a redeemable discount code. UsedCount never exceeds MaxUsage, and
// no customer redeems more than MaxPerCustomer times; coupon_usages rows are
// the source of truth for the per-customer count. Zero caps mean unlimited.
type Coupon struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	Code           string          `gorm:"type:text;not null;uniqueIndex"`
	DiscountType   DiscountType    `gorm:"type:text;not null"`
	DiscountValue  decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	MinTransaction decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	MaxDiscount    decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	MaxUsage       int             `gorm:"not null;default:0"`
	MaxPerCustomer int             `gorm:"not null;default:0"`
	ValidFrom      time.Time       `gorm:"not null"`
	ValidUntil     time.Time       `gorm:"not null"`
	IsActive       bool            `gorm:"not null;default:true"`
	UsedCount      int             `gorm:"not null;default:0"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Coupon) TableName() string { return "coupons" }

// CouponUsage records one successful redemption.
type CouponUsage struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	CouponID       snowflake.ID    `gorm:"not null;index"`
	CustomerID     snowflake.ID    `gorm:"not null;index"`
	InvoiceID      snowflake.ID    `gorm:"not null;index"`
	DiscountAmount decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CouponUsage) TableName() string { return "coupon_usages" }
