package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srm-health/rxchain/internal/domain"
	"github.com/srm-health/rxchain/internal/domain/grant"
)

const defaultGrantTTL = 30 * 24 * time.Hour

type GrantService struct {
	repo     grant.Repository
	users    UserRepository
	auditSvc *AuditService
	log      *zap.Logger
}

func NewGrantService(repo grant.Repository, users UserRepository, auditSvc *AuditService, log *zap.Logger) *GrantService {
	return &GrantService{repo: repo, users: users, auditSvc: auditSvc, log: log}
}

// CreateGrant lets a patient open their history to one doctor, with a
// 30-day default expiry.
func (s *GrantService) CreateGrant(ctx context.Context, patientID, granteeID uuid.UUID, expiresAt *time.Time, ip string) (*grant.Grant, error) {
	grantee, err := s.users.GetByID(ctx, granteeID)
	if err != nil {
		return nil, err
	}
	if grantee.Role != domain.RoleDoctor {
		return nil, &ValidationError{Fields: []string{"grantee_id: only doctors can be granted access"}}
	}

	if expiresAt == nil {
		exp := time.Now().Add(defaultGrantTTL)
		expiresAt = &exp
	}

	g := &grant.Grant{
		ID:        grant.NewID(),
		PatientID: patientID,
		GranteeID: granteeID,
		ExpiresAt: expiresAt,
	}
	if err := s.repo.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("creating grant: %w", err)
	}

	s.auditSvc.LogAction(ctx, AuditEntry{
		ActorID: &patientID, Action: "GRANT_CREATE",
		EntityType: "access_grant", EntityID: g.ID, IPAddress: ip,
		Meta: map[string]any{"grantee_id": granteeID.String()},
	})

	return g, nil
}

func (s *GrantService) RevokeGrant(ctx context.Context, patientID uuid.UUID, grantID string, ip string) (*grant.Grant, error) {
	if err := s.repo.Revoke(ctx, patientID, grantID); err != nil {
		return nil, err
	}

	s.auditSvc.LogAction(ctx, AuditEntry{
		ActorID: &patientID, Action: "GRANT_REVOKE",
		EntityType: "access_grant", EntityID: grantID, IPAddress: ip,
	})

	return s.repo.GetByID(ctx, patientID, grantID)
}

func (s *GrantService) ListGrants(ctx context.Context, patientID uuid.UUID) ([]*grant.Grant, error) {
	return s.repo.ListByPatient(ctx, patientID)
}
