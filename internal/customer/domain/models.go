package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// CustomerStatus is the service lifecycle state. Only the lifecycle service
// may move a customer between statuses.
type CustomerStatus string

const (
	StatusActive    CustomerStatus = "active"
	StatusSuspended CustomerStatus = "suspended"
	StatusCancelled CustomerStatus = "cancelled"
)

// Customer is an ISP subscriber. Balance is a denormalized cache of the
// ledger sum for this customer and is only ever written by the ledger
// service. Frozen marks owners whose cached balance diverged from the ledger
// sum; automatic mutation halts for them until reconciled by an operator.
type Customer struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	Name              string            `gorm:"type:text;not null"`
	Email             string            `gorm:"type:text;not null"`
	Phone             string            `gorm:"type:text"`
	PlanID            snowflake.ID      `gorm:"not null;index"`
	PartnerID         *snowflake.ID     `gorm:"index"`
	Status            CustomerStatus    `gorm:"type:text;not null;default:'active';index"`
	IsThrottled       bool              `gorm:"not null;default:false"`
	IsTaxed           bool              `gorm:"not null;default:false"`
	CurrentUsageBytes int64             `gorm:"not null;default:0"`
	UsageResetAt      time.Time         `gorm:"not null"`
	BillingCycleDay   int               `gorm:"not null;default:1"`
	Balance           decimal.Decimal   `gorm:"type:numeric(20,2);not null;default:0"`
	Frozen            bool              `gorm:"not null;default:false"`
	RetiredAt         *time.Time        `gorm:""`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }
