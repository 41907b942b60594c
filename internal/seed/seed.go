// Package seed bootstraps reference data so a fresh install is usable
// without manual setup: a small plan catalog, plus demo fixtures for
// development environments.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	customerdomain "github.com/nusalink/ispbill/internal/customer/domain"
	plandomain "github.com/nusalink/ispbill/internal/plan/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type planFixture struct {
	Code           string
	Name           string
	Price          string
	FupEnabled     bool
	QuotaBytes     int64
	ThrottledSpeed string
}

var defaultPlans = []planFixture{
	{Code: "home-10", Name: "Home 10 Mbps", Price: "150000"},
	{Code: "home-30", Name: "Home 30 Mbps", Price: "220000", FupEnabled: true, QuotaBytes: 300 << 30, ThrottledSpeed: "2M/2M"},
	{Code: "home-50", Name: "Home 50 Mbps", Price: "300000", FupEnabled: true, QuotaBytes: 500 << 30, ThrottledSpeed: "5M/5M"},
	{Code: "biz-100", Name: "Business 100 Mbps", Price: "1250000"},
}

// EnsureDefaultPlans inserts the stock plan catalog if it is missing.
// Existing plans are never modified; the catalog is immutable reference data.
func EnsureDefaultPlans(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return ensurePlansTx(ctx, tx, node)
	})
}

// EnsureDemoData seeds the plan catalog plus one demo customer for local
// development.
func EnsureDemoData(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensurePlansTx(ctx, tx, node); err != nil {
			return err
		}
		return ensureDemoCustomerTx(ctx, tx, node)
	})
}

func ensurePlansTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	now := time.Now().UTC()
	for _, fixture := range defaultPlans {
		var count int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT COUNT(*) FROM plans WHERE code = ?`, fixture.Code,
		).Scan(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		price, err := decimal.NewFromString(fixture.Price)
		if err != nil {
			return err
		}
		plan := plandomain.Plan{
			ID:             node.Generate(),
			Code:           fixture.Code,
			Name:           fixture.Name,
			Price:          price,
			FupEnabled:     fixture.FupEnabled,
			QuotaBytes:     fixture.QuotaBytes,
			ThrottledSpeed: fixture.ThrottledSpeed,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO plans (id, code, name, price, fup_enabled, quota_bytes, throttled_speed, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.ID, plan.Code, plan.Name, plan.Price, plan.FupEnabled,
			plan.QuotaBytes, plan.ThrottledSpeed, plan.CreatedAt, plan.UpdatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

const demoEmail = "demo@ispbill.local"

func ensureDemoCustomerTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	var count int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM customers WHERE email = ?`, demoEmail,
	).Scan(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	var planID snowflake.ID
	if err := tx.WithContext(ctx).Raw(
		`SELECT id FROM plans WHERE code = 'home-50'`,
	).Scan(&planID).Error; err != nil {
		return err
	}

	now := time.Now().UTC()
	firstOfNextMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return tx.WithContext(ctx).Exec(
		`INSERT INTO customers (id, name, email, plan_id, status, is_taxed, usage_reset_at, billing_cycle_day, balance, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, '{}', ?, ?)`,
		node.Generate(), "Demo Customer", demoEmail, planID,
		customerdomain.StatusActive, true, firstOfNextMonth, now, now,
	).Error
}
