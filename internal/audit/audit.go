// Package audit appends immutable records of billing and lifecycle actions.
// The trail is append-only and written best-effort: an audit failure is
// logged, never allowed to roll back the financial mutation it describes.
package audit

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActorType represents who triggered an action.
type ActorType string

const (
	ActorTypeOperator ActorType = "operator"
	ActorTypeSystem   ActorType = "system"
)

// Log is an immutable record of an action against a billing entity.
type Log struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	ActorType  string            `gorm:"type:text;not null"`
	ActorID    string            `gorm:"type:text"`
	Action     string            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"type:text;not null"`
	TargetID   string            `gorm:"type:text;index"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Log) TableName() string { return "audit_logs" }

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
}

func New(log *zap.Logger, genID *snowflake.Node) *Service {
	return &Service{log: log.Named("audit.service"), genID: genID}
}

// RecordTx appends an audit row inside the caller's transaction so the trail
// commits with the mutation it describes.
func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, action, targetType, targetID string, metadata map[string]any) {
	payload := datatypes.JSONMap{}
	for k, v := range metadata {
		payload[k] = v
	}
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO audit_logs (id, actor_type, actor_id, action, target_type, target_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		string(ActorTypeSystem),
		"billing-engine",
		action,
		targetType,
		targetID,
		payload,
		time.Now().UTC(),
	).Error
	if err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("target_id", targetID),
			zap.Error(err),
		)
	}
}
