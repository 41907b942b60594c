// Package testutil provides in-memory database fixtures for service tests.
package testutil

import (
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var nodeCounter int64

// NewNode returns a snowflake node unique to the test.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	n := atomic.AddInt64(&nodeCounter, 1) % 1024
	node, err := snowflake.NewNode(n)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// OpenDB opens a private in-memory sqlite database with the billing schema.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// In-memory sqlite shares one database per connection.
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v\n%s", err, stmt)
		}
	}
	return conn
}

var schema = []string{
	`CREATE TABLE plans (
		id INTEGER PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		price NUMERIC NOT NULL,
		fup_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		quota_bytes INTEGER NOT NULL DEFAULT 0,
		throttled_speed TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE customers (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		phone TEXT,
		plan_id INTEGER NOT NULL,
		partner_id INTEGER,
		status TEXT NOT NULL DEFAULT 'active',
		is_throttled BOOLEAN NOT NULL DEFAULT FALSE,
		is_taxed BOOLEAN NOT NULL DEFAULT FALSE,
		current_usage_bytes INTEGER NOT NULL DEFAULT 0,
		usage_reset_at DATETIME NOT NULL,
		billing_cycle_day INTEGER NOT NULL DEFAULT 1,
		balance NUMERIC NOT NULL DEFAULT 0,
		frozen BOOLEAN NOT NULL DEFAULT FALSE,
		retired_at DATETIME,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE partners (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		balance NUMERIC NOT NULL DEFAULT 0,
		frozen BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE invoices (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		period TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'unpaid',
		subtotal NUMERIC NOT NULL DEFAULT 0,
		discount NUMERIC NOT NULL DEFAULT 0,
		tax NUMERIC NOT NULL DEFAULT 0,
		unique_code NUMERIC NOT NULL DEFAULT 0,
		total NUMERIC NOT NULL DEFAULT 0,
		due_date DATETIME NOT NULL,
		paid_at DATETIME,
		paid_method TEXT,
		last_reminded_at DATETIME,
		voided_at DATETIME,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_invoices_customer_period
		ON invoices(customer_id, period) WHERE status != 'void'`,
	`CREATE TABLE invoice_items (
		id INTEGER PRIMARY KEY,
		invoice_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		description TEXT,
		amount NUMERIC NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE ledger_transactions (
		id INTEGER PRIMARY KEY,
		owner_type TEXT NOT NULL,
		owner_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		category TEXT NOT NULL,
		ref_kind TEXT,
		ref_id INTEGER,
		note TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE coupons (
		id INTEGER PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		discount_type TEXT NOT NULL,
		discount_value NUMERIC NOT NULL,
		min_transaction NUMERIC NOT NULL DEFAULT 0,
		max_discount NUMERIC NOT NULL DEFAULT 0,
		max_usage INTEGER NOT NULL DEFAULT 0,
		max_per_customer INTEGER NOT NULL DEFAULT 0,
		valid_from DATETIME NOT NULL,
		valid_until DATETIME NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		used_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE coupon_usages (
		id INTEGER PRIMARY KEY,
		coupon_id INTEGER NOT NULL,
		customer_id INTEGER NOT NULL,
		invoice_id INTEGER NOT NULL,
		discount_amount NUMERIC NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE outbox_tasks (
		id INTEGER PRIMARY KEY,
		public_id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		customer_id INTEGER NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		dedupe_key TEXT UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME NOT NULL,
		last_error TEXT,
		delivered_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
}
