package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Customer, error)
	List(ctx context.Context, db *gorm.DB, filter ListCustomerFilter) ([]*Customer, error)
	Retire(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, planID snowflake.ID, metadata datatypes.JSONMap, now time.Time) error
}
