package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/srm-health/rxchain/internal/domain/grant"
)

type GrantRepository struct {
	db *gorm.DB
}

func NewGrantRepository(db *gorm.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

func (r *GrantRepository) Create(ctx context.Context, g *grant.Grant) error {
	if err := r.db.WithContext(ctx).Create(g).Error; err != nil {
		return fmt.Errorf("inserting grant: %w", err)
	}
	return nil
}

func (r *GrantRepository) GetByID(ctx context.Context, patientID uuid.UUID, id string) (*grant.Grant, error) {
	var g grant.Grant
	err := r.db.WithContext(ctx).First(&g, "id = ? AND patient_id = ?", id, patientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, grant.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching grant %s: %w", id, err)
	}
	return &g, nil
}

func (r *GrantRepository) Revoke(ctx context.Context, patientID uuid.UUID, id string) error {
	res := r.db.WithContext(ctx).
		Model(&grant.Grant{}).
		Where("id = ? AND patient_id = ? AND revoked_at IS NULL", id, patientID).
		Update("revoked_at", time.Now())
	if res.Error != nil {
		return fmt.Errorf("revoking grant %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, patientID, id); err != nil {
			return err
		}
		return grant.ErrAlreadyRevoked
	}
	return nil
}

func (r *GrantRepository) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*grant.Grant, error) {
	var list []*grant.Grant
	err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("created_at desc").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}
	return list, nil
}

func (r *GrantRepository) HasActiveGrant(ctx context.Context, patientID, granteeID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&grant.Grant{}).
		Where("patient_id = ? AND grantee_id = ? AND revoked_at IS NULL", patientID, granteeID).
		Where("expires_at IS NULL OR expires_at > ?", time.Now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking grant: %w", err)
	}
	return count > 0, nil
}
