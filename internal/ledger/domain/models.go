package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// OwnerType distinguishes the two kinds of ledger owners.
type OwnerType string

const (
	OwnerTypeCustomer OwnerType = "customer"
	OwnerTypePartner  OwnerType = "partner"
)

// Owner identifies one balance: a customer or a reseller partner.
type Owner struct {
	Type OwnerType
	ID   snowflake.ID
}

// Direction represents credit or debit postings. An owner's balance is the
// sum of credits minus the sum of debits over all of its transactions.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Transaction categories.
const (
	CategoryInvoicePayment   = "invoice_payment"
	CategoryBalanceTopup     = "balance_topup"
	CategoryBalancePayment   = "balance_payment"
	CategoryCouponDiscount   = "coupon_discount"
	CategoryCommission       = "commission"
	CategoryManualAdjustment = "manual_adjustment"
)

// ReferenceKind tags what a transaction's reference points at.
type ReferenceKind string

const (
	RefKindInvoice     ReferenceKind = "invoice"
	RefKindCouponUsage ReferenceKind = "coupon_usage"
	RefKindAdjustment  ReferenceKind = "adjustment"
)

// Reference is the tagged pointer to the record that caused a posting.
// A zero Reference means a free-standing manual posting.
type Reference struct {
	Kind ReferenceKind
	ID   snowflake.ID
}

func (r Reference) IsZero() bool { return r.Kind == "" && r.ID == 0 }

// Transaction is one append-only ledger row. Rows are never updated or
// deleted once written.
type Transaction struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	OwnerType OwnerType       `gorm:"type:text;not null;index:idx_ledger_owner,priority:1"`
	OwnerID   snowflake.ID    `gorm:"not null;index:idx_ledger_owner,priority:2"`
	Direction Direction       `gorm:"type:text;not null"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Category  string          `gorm:"type:text;not null;index"`
	RefKind   *ReferenceKind  `gorm:"type:text"`
	RefID     *snowflake.ID   `gorm:""`
	Note      string          `gorm:"type:text"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "ledger_transactions" }

// Reference reconstructs the tagged reference from the stored columns.
func (t Transaction) Reference() Reference {
	if t.RefKind == nil || t.RefID == nil {
		return Reference{}
	}
	return Reference{Kind: *t.RefKind, ID: *t.RefID}
}

// Signed returns the balance effect of the transaction.
func (t Transaction) Signed() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}
