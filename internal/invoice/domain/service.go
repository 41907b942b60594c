package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// GenerateResult reports one customer's outcome inside a batch run.
type GenerateResult struct {
	CustomerID snowflake.ID
	Invoice    *Invoice
	// Skipped is true when an invoice already existed for the period.
	Skipped bool
	Err     error
}

// BatchSummary aggregates a GenerateForPeriod run.
type BatchSummary struct {
	Eligible int
	Created  int
	Skipped  int
	Failed   int
}

type Service interface {
	// GenerateForPeriod invoices every active customer whose
	// billing_cycle_day matches the period generation date. Safe to re-run:
	// customers already invoiced for the period are skipped.
	GenerateForPeriod(ctx context.Context, period Period) (BatchSummary, []GenerateResult, error)

	// GenerateOne returns (nil, nil) when a non-void invoice already exists
	// for (customer, period).
	GenerateOne(ctx context.Context, customerID snowflake.ID, period Period, couponCode string) (*Invoice, error)

	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)
	ListByCustomer(ctx context.Context, customerID snowflake.ID, limit int) ([]Invoice, error)
	ListItems(ctx context.Context, invoiceID snowflake.ID) ([]InvoiceItem, error)

	// Void cancels an unpaid invoice, freeing the (customer, period) slot.
	Void(ctx context.Context, id snowflake.ID, reason string) error
}
