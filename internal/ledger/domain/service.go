package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PostRequest struct {
	Owner     Owner
	Direction Direction
	Amount    decimal.Decimal
	Category  string
	Reference Reference
	Note      string
}

// PayWithBalanceResult reports the outcome of a balance payment. An
// insufficient balance is an expected outcome, not an error.
type PayWithBalanceResult struct {
	Success     bool
	Transaction *Transaction
}

// ConsistencyReport compares the cached owner balance against the ledger sum.
type ConsistencyReport struct {
	Owner      Owner
	Cached     decimal.Decimal
	Computed   decimal.Decimal
	Consistent bool
}

type Service interface {
	// Post appends a transaction and updates the owner's cached balance in
	// one atomic unit.
	Post(ctx context.Context, req PostRequest) (Transaction, error)
	// PostTx is Post inside the caller's transaction; the payment processor
	// uses it to keep invoice state and ledger state on one boundary.
	PostTx(ctx context.Context, tx *gorm.DB, req PostRequest) (Transaction, error)
	// BalanceOf recomputes the balance from the transaction sum. The cached
	// column on the owner row is only ever a cache.
	BalanceOf(ctx context.Context, owner Owner) (decimal.Decimal, error)
	PayWithBalance(ctx context.Context, owner Owner, amount decimal.Decimal, invoiceRef Reference) (PayWithBalanceResult, error)
	// CheckConsistency verifies the cache against the sum. Drift freezes the
	// owner: automatic mutation halts until an operator reconciles.
	CheckConsistency(ctx context.Context, owner Owner) (ConsistencyReport, error)
}

var (
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidOwner     = errors.New("invalid_owner")
	ErrInvalidDirection = errors.New("invalid_direction")
	ErrInvalidCategory  = errors.New("invalid_category")
	ErrOwnerFrozen      = errors.New("owner_frozen")
)
