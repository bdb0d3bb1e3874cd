package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/srm-health/rxchain/internal/domain"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, event *domain.AuditEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}
