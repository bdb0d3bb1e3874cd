package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srm-health/rxchain/internal/domain"
	"github.com/srm-health/rxchain/internal/domain/grant"
	"github.com/srm-health/rxchain/internal/domain/prescription"
)

type fakeGrantRepo struct {
	grants map[string]*grant.Grant
}

func newFakeGrantRepo() *fakeGrantRepo {
	return &fakeGrantRepo{grants: map[string]*grant.Grant{}}
}

func (r *fakeGrantRepo) Create(_ context.Context, g *grant.Grant) error {
	g.CreatedAt = time.Now().UTC()
	r.grants[g.ID] = g
	return nil
}

func (r *fakeGrantRepo) GetByID(_ context.Context, patientID uuid.UUID, id string) (*grant.Grant, error) {
	g, ok := r.grants[id]
	if !ok || g.PatientID != patientID {
		return nil, grant.ErrGrantNotFound
	}
	return g, nil
}

func (r *fakeGrantRepo) Revoke(_ context.Context, patientID uuid.UUID, id string) error {
	g, ok := r.grants[id]
	if !ok || g.PatientID != patientID {
		return grant.ErrGrantNotFound
	}
	if g.RevokedAt != nil {
		return grant.ErrAlreadyRevoked
	}
	now := time.Now().UTC()
	g.RevokedAt = &now
	return nil
}

func (r *fakeGrantRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*grant.Grant, error) {
	var out []*grant.Grant
	for _, g := range r.grants {
		if g.PatientID == patientID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (r *fakeGrantRepo) HasActiveGrant(_ context.Context, patientID, granteeID uuid.UUID) (bool, error) {
	for _, g := range r.grants {
		if g.PatientID == patientID && g.GranteeID == granteeID && g.Active() {
			return true, nil
		}
	}
	return false, nil
}

func TestCreateGrantDefaultsExpiry(t *testing.T) {
	patientID := uuid.New()
	doctorID := uuid.New()
	users := &fakeUserRepo{users: map[uuid.UUID]*domain.User{
		doctorID: {ID: doctorID, Role: domain.RoleDoctor},
	}}
	repo := newFakeGrantRepo()
	auditSvc := NewAuditService(fakeAuditRepo{}, testCollector, zap.NewNop())
	t.Cleanup(auditSvc.Shutdown)

	svc := NewGrantService(repo, users, auditSvc, zap.NewNop())

	g, err := svc.CreateGrant(context.Background(), patientID, doctorID, nil, "")
	require.NoError(t, err)
	require.NotNil(t, g.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *g.ExpiresAt, time.Minute)
	assert.True(t, g.Active())

	_, err = svc.RevokeGrant(context.Background(), patientID, g.ID, "")
	require.NoError(t, err)
	assert.False(t, repo.grants[g.ID].Active())

	_, err = svc.RevokeGrant(context.Background(), patientID, g.ID, "")
	assert.ErrorIs(t, err, grant.ErrAlreadyRevoked)
}

func TestCreateGrantRejectsNonDoctorGrantee(t *testing.T) {
	patientID := uuid.New()
	otherID := uuid.New()
	users := &fakeUserRepo{users: map[uuid.UUID]*domain.User{
		otherID: {ID: otherID, Role: domain.RolePharmacy},
	}}
	auditSvc := NewAuditService(fakeAuditRepo{}, testCollector, zap.NewNop())
	t.Cleanup(auditSvc.Shutdown)

	svc := NewGrantService(newFakeGrantRepo(), users, auditSvc, zap.NewNop())

	_, err := svc.CreateGrant(context.Background(), patientID, otherID, nil, "")
	var validErr *ValidationError
	assert.ErrorAs(t, err, &validErr)

	_, err = svc.CreateGrant(context.Background(), patientID, uuid.New(), nil, "")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestPatientHistoryAccessControl(t *testing.T) {
	env := newTestEnv(t, false)
	priv, _ := testKeyPEM(t)
	grantedDoctor := uuid.New()
	strangerDoctor := uuid.New()

	p := env.create(t, prescription.ItemInput{DrugCode: "AMOX500", Name: "Amoxicillin"})
	_, err := env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)

	grants := newFakeGrantRepo()
	require.NoError(t, grants.Create(context.Background(), &grant.Grant{
		ID:        grant.NewID(),
		PatientID: env.patientID,
		GranteeID: grantedDoctor,
	}))

	users := &fakeUserRepo{users: map[uuid.UUID]*domain.User{
		env.doctorID: {ID: env.doctorID, Role: domain.RoleDoctor, FullName: "Dr. Vale"},
	}}
	auditSvc := NewAuditService(fakeAuditRepo{}, testCollector, zap.NewNop())
	t.Cleanup(auditSvc.Shutdown)

	historySvc := NewHistoryService(env.repo, grants, users, auditSvc, zap.NewNop())

	// patient reads their own history
	entries, err := historySvc.PatientHistory(context.Background(), env.patientID, env.patientID, domain.RolePatient, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Dr. Vale", entries[0].DoctorName)
	require.Len(t, entries[0].Items, 1)

	// granted doctor passes, stranger does not
	_, err = historySvc.PatientHistory(context.Background(), env.patientID, grantedDoctor, domain.RoleDoctor, "")
	assert.NoError(t, err)

	_, err = historySvc.PatientHistory(context.Background(), env.patientID, strangerDoctor, domain.RoleDoctor, "")
	assert.ErrorIs(t, err, ErrForbidden)

	// another patient cannot read someone else's history
	_, err = historySvc.PatientHistory(context.Background(), env.patientID, uuid.New(), domain.RolePatient, "")
	assert.ErrorIs(t, err, ErrForbidden)

	// admin always passes
	_, err = historySvc.PatientHistory(context.Background(), env.patientID, uuid.New(), domain.RoleAdmin, "")
	assert.NoError(t, err)
}
