package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/customer/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO customers (
			id, name, email, phone, plan_id, partner_id, status, is_throttled,
			is_taxed, current_usage_bytes, usage_reset_at, billing_cycle_day,
			balance, frozen, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		customer.ID,
		customer.Name,
		customer.Email,
		customer.Phone,
		customer.PlanID,
		customer.PartnerID,
		customer.Status,
		customer.IsThrottled,
		customer.IsTaxed,
		customer.CurrentUsageBytes,
		customer.UsageResetAt,
		customer.BillingCycleDay,
		customer.Balance,
		customer.Frozen,
		customer.Metadata,
		customer.CreatedAt,
		customer.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Take(&customer).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListCustomerFilter) ([]*domain.Customer, error) {
	var customers []*domain.Customer
	stmt := db.WithContext(ctx).
		Model(&domain.Customer{}).
		Where("retired_at IS NULL")
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.PlanID != "" {
		planID, err := snowflake.ParseString(filter.PlanID)
		if err != nil {
			return nil, domain.ErrInvalidPlan
		}
		stmt = stmt.Where("plan_id = ?", planID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	err := stmt.
		Order("created_at desc, id desc").
		Limit(limit).
		Offset(filter.Offset).
		Find(&customers).Error
	if err != nil {
		return nil, err
	}
	return customers, nil
}

func (r *repo) Retire(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE customers
		 SET status = ?, retired_at = COALESCE(retired_at, ?), updated_at = ?
		 WHERE id = ?`,
		domain.StatusCancelled,
		now,
		now,
		id,
	).Error
}

func (r *repo) UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, planID snowflake.ID, metadata datatypes.JSONMap, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE customers SET plan_id = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		planID,
		metadata,
		now,
		id,
	).Error
}
