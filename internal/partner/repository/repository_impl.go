package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/partner/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, partner *domain.Partner) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO partners (id, name, email, balance, frozen, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		partner.ID,
		partner.Name,
		partner.Email,
		partner.Balance,
		partner.Frozen,
		partner.CreatedAt,
		partner.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Partner, error) {
	var partner domain.Partner
	err := db.WithContext(ctx).Where("id = ?", id).Take(&partner).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &partner, nil
}
