package domain

import (
	"context"
	"errors"
)

type CreateCustomerRequest struct {
	Name            string
	Email           string
	Phone           string
	PlanID          string
	PartnerID       string
	IsTaxed         bool
	BillingCycleDay int
}

type ListCustomerFilter struct {
	Status CustomerStatus
	PlanID string
	Limit  int
	Offset int
}

type Service interface {
	Create(ctx context.Context, req CreateCustomerRequest) (Customer, error)
	GetByID(ctx context.Context, id string) (Customer, error)
	List(ctx context.Context, filter ListCustomerFilter) ([]Customer, error)
	// Retire soft-deletes: the customer keeps its ledger history and
	// invoices but leaves every batch selection.
	Retire(ctx context.Context, id string) error
	// ChangePlan switches the customer to a new plan mid-cycle. The price
	// difference is parked on the customer's metadata and settled as a
	// prorata adjustment item on the next invoice.
	ChangePlan(ctx context.Context, id string, planID string) (Customer, error)
}

var (
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidEmail    = errors.New("invalid_email")
	ErrInvalidPlan     = errors.New("invalid_plan")
	ErrInvalidCycleDay = errors.New("invalid_billing_cycle_day")
	ErrInvalidID       = errors.New("invalid_id")
	ErrNotFound        = errors.New("not_found")
	ErrCustomerFrozen  = errors.New("customer_frozen")
	ErrCancelled       = errors.New("customer_cancelled")
)
