package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type InvoiceStatus string

const (
	StatusUnpaid InvoiceStatus = "unpaid"
	StatusPaid   InvoiceStatus = "paid"
	StatusVoid   InvoiceStatus = "void"
)

// Period is a year-month billing period, the idempotency key for invoice
// generation.
type Period struct {
	Year  int
	Month time.Month
}

func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod accepts "2006-01".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
	}
	return PeriodOf(t), nil
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Start returns midnight UTC on the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns midnight UTC on the first day of the following period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p Period) IsZero() bool { return p.Year == 0 }

type ItemKind string

const (
	ItemKindSubscription ItemKind = "subscription"
	ItemKindAdjustment   ItemKind = "prorata_adjustment"
)

type Invoice struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	CustomerID     snowflake.ID      `gorm:"not null;index"`
	Period         string            `gorm:"type:text;not null"`
	Status         InvoiceStatus     `gorm:"type:text;not null;default:'unpaid';index"`
	Subtotal       decimal.Decimal   `gorm:"type:numeric(20,2);not null"`
	Discount       decimal.Decimal   `gorm:"type:numeric(20,2);not null"`
	Tax            decimal.Decimal   `gorm:"type:numeric(20,2);not null"`
	UniqueCode     decimal.Decimal   `gorm:"type:numeric(20,2);not null"`
	Total          decimal.Decimal   `gorm:"type:numeric(20,2);not null"`
	DueDate        time.Time         `gorm:"not null;index"`
	PaidAt         *time.Time        `gorm:""`
	PaidMethod     *string           `gorm:"type:text"`
	LastRemindedAt *time.Time        `gorm:""`
	VoidedAt       *time.Time        `gorm:""`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

type InvoiceItem struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	InvoiceID   snowflake.ID    `gorm:"not null;index"`
	Kind        ItemKind        `gorm:"type:text;not null"`
	Description string          `gorm:"type:text"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

var (
	ErrInvalidPeriod  = errors.New("invalid_period")
	ErrNotFound       = errors.New("invoice_not_found")
	ErrAlreadyPaid    = errors.New("invoice_already_paid")
	ErrCustomerFrozen = errors.New("customer_frozen")
)
