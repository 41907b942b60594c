// Package domain holds the immutable service-plan catalog. Plans are
// reference data: invoice and FUP evaluation read them at run time, and a
// plan change never rewrites past invoices.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Plan struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	Code           string          `gorm:"type:text;not null;uniqueIndex"`
	Name           string          `gorm:"type:text;not null"`
	Price          decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	FupEnabled     bool            `gorm:"not null;default:false"`
	QuotaBytes     int64           `gorm:"not null;default:0"`
	ThrottledSpeed string          `gorm:"type:text"` // e.g. "1M/1M", applied by the provisioner
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	List(ctx context.Context, db *gorm.DB) ([]Plan, error)
}

var (
	ErrInvalidCode  = errors.New("invalid_code")
	ErrInvalidPrice = errors.New("invalid_price")
	ErrNotFound     = errors.New("not_found")
)
