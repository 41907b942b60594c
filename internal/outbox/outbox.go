// Package outbox persists external side-effect intents in the same
// transaction as the state change that caused them, then delivers each
// at-least-once from a background dispatcher. Handlers must be idempotent.
package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskKind routes a task to its handler.
type TaskKind string

const (
	KindDeprovision   TaskKind = "deprovision"
	KindReprovision   TaskKind = "reprovision"
	KindApplyThrottle TaskKind = "apply_throttle"
	KindClearThrottle TaskKind = "clear_throttle"
	KindNotify        TaskKind = "notify"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusDelivered TaskStatus = "delivered"
	StatusFailed    TaskStatus = "failed"
)

// Task is one persisted side-effect intent.
type Task struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	PublicID      string            `gorm:"type:text;not null;uniqueIndex"`
	Kind          TaskKind          `gorm:"type:text;not null;index"`
	CustomerID    snowflake.ID      `gorm:"not null;index"`
	Payload       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	DedupeKey     *string           `gorm:"type:text;uniqueIndex"`
	Status        TaskStatus        `gorm:"type:text;not null;default:'pending';index"`
	Attempts      int               `gorm:"not null;default:0"`
	NextAttemptAt time.Time         `gorm:"not null;index"`
	LastError     *string           `gorm:"type:text"`
	DeliveredAt   *time.Time        `gorm:""`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Task) TableName() string { return "outbox_tasks" }

// Enqueue describes a task to store.
type Enqueue struct {
	Kind       TaskKind
	CustomerID snowflake.ID
	Payload    map[string]any
	DedupeKey  string
}

// Outbox inserts side-effect tasks into outbox_tasks.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node, clk clock.Clock) *Outbox {
	return &Outbox{db: db, genID: genID, clock: clk}
}

// Publish stores a task using the default database connection.
func (o *Outbox) Publish(ctx context.Context, task Enqueue) error {
	return o.publish(ctx, o.db, task)
}

// PublishTx stores a task inside an existing transaction so the intent
// commits atomically with the state change.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, task Enqueue) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	return o.publish(ctx, tx, task)
}

func (o *Outbox) publish(ctx context.Context, conn *gorm.DB, task Enqueue) error {
	if o == nil || conn == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	if task.CustomerID == 0 {
		return errors.New("invalid_customer_id")
	}
	kind := TaskKind(strings.TrimSpace(string(task.Kind)))
	if kind == "" {
		return errors.New("missing_task_kind")
	}

	payload := datatypes.JSONMap{}
	for key, value := range task.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	dedupe := strings.TrimSpace(task.DedupeKey)
	var dedupeValue any
	if dedupe != "" {
		dedupeValue = dedupe
	}

	now := o.clock.Now()
	return conn.WithContext(ctx).Exec(
		`INSERT INTO outbox_tasks (
			id, public_id, kind, customer_id, payload, dedupe_key, status,
			attempts, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		ulid.Make().String(),
		kind,
		task.CustomerID,
		payload,
		dedupeValue,
		StatusPending,
		now,
		now,
		now,
	).Error
}
