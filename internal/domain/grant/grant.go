package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrGrantNotFound  = errors.New("grant not found")
	ErrAlreadyRevoked = errors.New("grant already revoked")
)

// Grant lets a patient open their prescription history to one doctor for a
// bounded period.
type Grant struct {
	ID        string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	PatientID uuid.UUID  `gorm:"column:patient_id;type:uuid;not null;index" json:"patient_id"`
	GranteeID uuid.UUID  `gorm:"column:grantee_id;type:uuid;not null;index" json:"grantee_id"`
	ExpiresAt *time.Time `gorm:"column:expires_at" json:"expires_at"`
	RevokedAt *time.Time `gorm:"column:revoked_at" json:"revoked_at"`
}

func (Grant) TableName() string {
	return "rx.access_grants"
}

func (g *Grant) Active() bool {
	if g.RevokedAt != nil {
		return false
	}
	return g.ExpiresAt == nil || time.Now().Before(*g.ExpiresAt)
}

func NewID() string {
	return fmt.Sprintf("grant-%d", time.Now().UnixMilli())
}

type Repository interface {
	Create(ctx context.Context, g *Grant) error
	GetByID(ctx context.Context, patientID uuid.UUID, id string) (*Grant, error)
	Revoke(ctx context.Context, patientID uuid.UUID, id string) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Grant, error)
	// HasActiveGrant reports whether the doctor currently holds an
	// unrevoked, unexpired grant from the patient.
	HasActiveGrant(ctx context.Context, patientID, granteeID uuid.UUID) (bool, error)
}
