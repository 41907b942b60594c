// Package domain holds reseller partners: ledger owners that accrue
// commission credits and settle against them.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Partner balance is, like the customer balance, a denormalized cache of the
// ledger sum and is written only by the ledger service.
type Partner struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	Name      string          `gorm:"type:text;not null"`
	Email     string          `gorm:"type:text"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	Frozen    bool            `gorm:"not null;default:false"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Partner) TableName() string { return "partners" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, partner *Partner) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Partner, error)
}
