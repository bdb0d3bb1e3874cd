package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srm-health/rxchain/internal/domain"
	"github.com/srm-health/rxchain/internal/domain/prescription"
	"github.com/srm-health/rxchain/internal/ledger"
	"github.com/srm-health/rxchain/internal/verifytoken"
	"github.com/srm-health/rxchain/pkg/metrics"
	"github.com/srm-health/rxchain/pkg/signature"
)

// The prometheus default registry rejects duplicate registration, so the
// collector is built once for the whole test binary.
var testCollector = metrics.NewCollector("test")

type fakeRxRepo struct {
	mu      sync.Mutex
	records map[string]*prescription.Prescription
	items   map[string][]prescription.Item
	disp    map[string]*prescription.Dispensation
}

func newFakeRxRepo() *fakeRxRepo {
	return &fakeRxRepo{
		records: map[string]*prescription.Prescription{},
		items:   map[string][]prescription.Item{},
		disp:    map[string]*prescription.Dispensation{},
	}
}

func (r *fakeRxRepo) Create(_ context.Context, p *prescription.Prescription, items []prescription.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.CreatedAt = time.Now().UTC()
	r.records[p.ID] = p
	r.items[p.ID] = items
	return nil
}

func (r *fakeRxRepo) GetByID(_ context.Context, id string) (*prescription.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[id]
	if !ok {
		return nil, prescription.ErrPrescriptionNotFound
	}
	return p, nil
}

func (r *fakeRxRepo) GetItems(_ context.Context, id string) ([]prescription.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id], nil
}

func (r *fakeRxRepo) MarkSigned(_ context.Context, id, hash, signatureB64 string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[id]
	if !ok {
		return prescription.ErrPrescriptionNotFound
	}
	if p.Status != prescription.StatusDraft {
		return prescription.ErrAlreadySigned
	}
	now := time.Now().UTC()
	p.Status = prescription.StatusIssued
	p.HashSHA256 = &hash
	p.SignatureB64 = &signatureB64
	p.SignedAt = &now
	return nil
}

func (r *fakeRxRepo) UpdateAnchor(_ context.Context, id, network, txid string, blockNumber *uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[id]
	if !ok {
		return prescription.ErrPrescriptionNotFound
	}
	p.AnchorNetwork = &network
	p.AnchorTxid = &txid
	p.AnchorBlock = blockNumber
	return nil
}

func (r *fakeRxRepo) Dispense(_ context.Context, id string, pharmacyID uuid.UUID, location string, notes *string) (*prescription.Dispensation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[id]
	if !ok {
		return nil, prescription.ErrPrescriptionNotFound
	}
	if p.Status != prescription.StatusIssued {
		return nil, prescription.ErrNotIssued
	}
	now := time.Now().UTC()
	p.Status = prescription.StatusDispensed
	p.DispensedBy = &pharmacyID
	p.DispensedAt = &now
	d := &prescription.Dispensation{
		ID:                 fmt.Sprintf("disp-%d", now.UnixMilli()),
		CreatedAt:          now,
		PrescriptionID:     id,
		PharmacyID:         pharmacyID,
		Location:           location,
		Notes:              notes,
		VerificationMethod: "QR",
	}
	r.disp[id] = d
	return d, nil
}

func (r *fakeRxRepo) GetDispensation(_ context.Context, id string) (*prescription.Dispensation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disp[id], nil
}

func (r *fakeRxRepo) List(_ context.Context, q *prescription.ListQuery) ([]*prescription.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*prescription.Prescription
	for _, p := range r.records {
		if q.DoctorID != nil && p.DoctorID != *q.DoctorID {
			continue
		}
		if q.PatientID != nil && p.PatientID != *q.PatientID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *fakeRxRepo) ListMedications(_ context.Context) ([]prescription.Medication, error) {
	return []prescription.Medication{{Code: "AMOX500", Name: "Amoxicillin 500mg"}}, nil
}

type fakeUserRepo struct {
	users map[uuid.UUID]*domain.User
}

func (r *fakeUserRepo) Create(_ context.Context, u *domain.User) error { return nil }

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	return nil, domain.ErrUserNotFound
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) UpdateLoginAttempt(_ context.Context, id uuid.UUID, success bool) error {
	return nil
}

type fakeAuditRepo struct{}

func (fakeAuditRepo) Create(_ context.Context, _ *domain.AuditEvent) error { return nil }

type fakeAnchor struct {
	mu      sync.Mutex
	calls   int
	payload string
}

func (a *fakeAnchor) AnchorHash(_ context.Context, hash, rxID string) (*ledger.AnchorResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.payload = string(ledger.EncodePayload(hash, rxID))
	return &ledger.AnchorResult{
		Network:     "sepolia",
		Txid:        fmt.Sprintf("0xtx%d", a.calls),
		BlockNumber: uint64(100 + a.calls),
	}, nil
}

func (a *fakeAnchor) Resolve(_ context.Context, txid string) (*ledger.ResolvedTx, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := uint64(1)
	block := uint64(101)
	return &ledger.ResolvedTx{Payload: a.payload, Status: &status, BlockNumber: &block}, nil
}

type testEnv struct {
	svc       *PrescriptionService
	repo      *fakeRxRepo
	anchor    *fakeAnchor
	doctorID  uuid.UUID
	patientID uuid.UUID
}

func newTestEnv(t *testing.T, withAnchor bool) *testEnv {
	t.Helper()

	doctorID := uuid.New()
	patientID := uuid.New()
	users := &fakeUserRepo{users: map[uuid.UUID]*domain.User{
		doctorID:  {ID: doctorID, Role: domain.RoleDoctor, FullName: "Dr. Vale"},
		patientID: {ID: patientID, Role: domain.RolePatient, FullName: "Pat Moss"},
	}}

	repo := newFakeRxRepo()
	auditSvc := NewAuditService(fakeAuditRepo{}, testCollector, zap.NewNop())
	t.Cleanup(auditSvc.Shutdown)

	var anchorClient AnchorClient
	var anchor *fakeAnchor
	if withAnchor {
		anchor = &fakeAnchor{}
		anchorClient = anchor
	}

	codec := verifytoken.New("deploy-secret", "jwt-secret")
	svc := NewPrescriptionService(repo, users, codec, anchorClient, auditSvc, zap.NewNop())

	return &testEnv{svc: svc, repo: repo, anchor: anchor, doctorID: doctorID, patientID: patientID}
}

func testKeyPEM(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return priv, pub
}

func (e *testEnv) create(t *testing.T, items ...prescription.ItemInput) *prescription.Prescription {
	t.Helper()
	p, err := e.svc.Create(context.Background(), &prescription.CreateCommand{
		DoctorID:  e.doctorID,
		PatientID: e.patientID,
		Items:     items,
	}, "doctor", "127.0.0.1")
	require.NoError(t, err)
	return p
}

func TestCreateSanitizesItems(t *testing.T) {
	env := newTestEnv(t, false)

	p := env.create(t,
		prescription.ItemInput{DrugCode: " AMOX500 ", Name: " Amoxicillin "},
		prescription.ItemInput{Name: "no code, dropped"},
	)

	assert.Equal(t, prescription.StatusDraft, p.Status)
	assert.Regexp(t, `^rx_\d+_[0-9a-z]{6}$`, p.ID)
	assert.Len(t, p.VerifySecret, 64)

	items, err := env.repo.GetItems(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "AMOX500", items[0].DrugCode)
	assert.Equal(t, 1, items[0].Quantity)
}

func TestCreateRejectsEmptyItems(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.svc.Create(context.Background(), &prescription.CreateCommand{
		DoctorID:  env.doctorID,
		PatientID: env.patientID,
		Items:     []prescription.ItemInput{{Name: "no code"}},
	}, "doctor", "")

	var validErr *ValidationError
	assert.ErrorAs(t, err, &validErr)
}

func TestCreateRejectsNonDoctor(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.svc.Create(context.Background(), &prescription.CreateCommand{
		DoctorID:  env.doctorID,
		PatientID: env.patientID,
		Items:     []prescription.ItemInput{{DrugCode: "A", Name: "a"}},
	}, "pharmacy", "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateRejectsUnknownPatient(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.svc.Create(context.Background(), &prescription.CreateCommand{
		DoctorID:  env.doctorID,
		PatientID: uuid.New(),
		Items:     []prescription.ItemInput{{DrugCode: "A", Name: "a"}},
	}, "doctor", "")

	var validErr *ValidationError
	assert.ErrorAs(t, err, &validErr)
}

func TestSignTransitionsAndVerifies(t *testing.T) {
	env := newTestEnv(t, false)
	priv, pub := testKeyPEM(t)

	p := env.create(t, prescription.ItemInput{DrugCode: "AMOX500", Name: "Amoxicillin", Quantity: 21})

	result, err := env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusIssued, result.Status)
	assert.NotNil(t, result.SignedAt)

	stored, err := env.repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	items, err := env.repo.GetItems(context.Background(), p.ID)
	require.NoError(t, err)

	payload, err := prescription.Canonical(stored, items)
	require.NoError(t, err)
	assert.Equal(t, signature.Hash(payload), result.Hash)
	assert.True(t, signature.Verify(pub, payload, result.SignatureB64))
}

func TestSignRejectsOtherDoctor(t *testing.T) {
	env := newTestEnv(t, false)
	priv, _ := testKeyPEM(t)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})

	_, err := env.svc.Sign(context.Background(), p.ID, priv, uuid.New(), "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSignTwiceFails(t *testing.T) {
	env := newTestEnv(t, false)
	priv, _ := testKeyPEM(t)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})

	_, err := env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)

	_, err = env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	assert.ErrorIs(t, err, prescription.ErrAlreadySigned)
}

func TestAnchorRequiresSignatureBeforeNetworkCall(t *testing.T) {
	env := newTestEnv(t, true)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})

	_, err := env.svc.Anchor(context.Background(), p.ID, env.doctorID, "doctor", "")
	assert.ErrorIs(t, err, prescription.ErrNotSigned)
	assert.Zero(t, env.anchor.calls)
}

func TestAnchorDemoModePlaceholder(t *testing.T) {
	env := newTestEnv(t, false)
	priv, _ := testKeyPEM(t)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})
	_, err := env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)

	result, err := env.svc.Anchor(context.Background(), p.ID, env.doctorID, "doctor", "")
	require.NoError(t, err)
	assert.Equal(t, "placeholder", result.Network)
	assert.True(t, strings.HasPrefix(result.Txid, "demo-"))

	info, err := env.svc.GetAnchorInfo(context.Background(), p.ID, env.doctorID, "doctor")
	require.NoError(t, err)
	assert.Equal(t, result.Txid, *info.Txid)
	assert.Nil(t, info.BlockNumber)
}

func TestAnchorAndReanchorOverwrites(t *testing.T) {
	env := newTestEnv(t, true)
	priv, _ := testKeyPEM(t)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})
	_, err := env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)

	first, err := env.svc.Anchor(context.Background(), p.ID, env.doctorID, "doctor", "")
	require.NoError(t, err)
	second, err := env.svc.Anchor(context.Background(), p.ID, env.doctorID, "doctor", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.Txid, second.Txid)

	info, err := env.svc.GetAnchorInfo(context.Background(), p.ID, env.doctorID, "doctor")
	require.NoError(t, err)
	assert.Equal(t, second.Txid, *info.Txid)
}

func TestAnchorRejectsUninvolvedCaller(t *testing.T) {
	env := newTestEnv(t, true)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})

	_, err := env.svc.Anchor(context.Background(), p.ID, uuid.New(), "doctor", "")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.svc.Anchor(context.Background(), p.ID, env.patientID, "patient", "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestVerifyAnchorMatch(t *testing.T) {
	env := newTestEnv(t, true)
	priv, _ := testKeyPEM(t)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})
	_, err := env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)
	_, err = env.svc.Anchor(context.Background(), p.ID, env.doctorID, "doctor", "")
	require.NoError(t, err)

	v, err := env.svc.VerifyAnchor(context.Background(), p.ID, env.doctorID, "doctor")
	require.NoError(t, err)
	assert.True(t, v.Matches)
	assert.Equal(t, v.Expected, v.Payload)
}

func TestVerifyAnchorTamperedPayloadIsAFindingNotAnError(t *testing.T) {
	env := newTestEnv(t, true)
	priv, _ := testKeyPEM(t)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})
	_, err := env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)
	_, err = env.svc.Anchor(context.Background(), p.ID, env.doctorID, "doctor", "")
	require.NoError(t, err)

	env.anchor.payload = "SRM|sha256|0000|rx:somebody_else"

	v, err := env.svc.VerifyAnchor(context.Background(), p.ID, env.doctorID, "doctor")
	require.NoError(t, err)
	assert.False(t, v.Matches)
}

func TestVerifyAnchorWithoutAnchor(t *testing.T) {
	env := newTestEnv(t, true)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})

	_, err := env.svc.VerifyAnchor(context.Background(), p.ID, env.doctorID, "doctor")
	assert.ErrorIs(t, err, prescription.ErrNotAnchored)
}

func TestTokenRequiresIssuedStatus(t *testing.T) {
	env := newTestEnv(t, false)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})

	_, err := env.svc.BuildVerifyToken(context.Background(), p.ID, env.doctorID, "doctor", "")
	assert.ErrorIs(t, err, prescription.ErrDraftToken)
}

func TestTokenForbiddenForPharmacy(t *testing.T) {
	env := newTestEnv(t, false)
	priv, _ := testKeyPEM(t)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})
	_, err := env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)

	_, err = env.svc.BuildVerifyToken(context.Background(), p.ID, uuid.New(), "pharmacy", "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDispenseGuards(t *testing.T) {
	env := newTestEnv(t, false)
	priv, _ := testKeyPEM(t)
	pharmacyID := uuid.New()

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})

	// wrong role
	_, err := env.svc.Dispense(context.Background(), p.ID, env.doctorID, "doctor", "Dr. Vale", "", nil, "")
	assert.ErrorIs(t, err, ErrForbidden)

	// DRAFT cannot be dispensed
	_, err = env.svc.Dispense(context.Background(), p.ID, pharmacyID, "pharmacy", "Main St Pharmacy", "", nil, "")
	assert.ErrorIs(t, err, prescription.ErrNotIssued)

	_, err = env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)

	summary, err := env.svc.Dispense(context.Background(), p.ID, pharmacyID, "pharmacy", "Main St Pharmacy", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusDispensed, summary.Status)
	assert.Equal(t, "Main St Pharmacy", summary.Dispensation.Location)
	assert.Equal(t, pharmacyID, *summary.DispensedBy)

	// second dispense loses the conditional update
	_, err = env.svc.Dispense(context.Background(), p.ID, pharmacyID, "pharmacy", "Main St Pharmacy", "", nil, "")
	assert.ErrorIs(t, err, prescription.ErrNotIssued)
}

func TestFullLifecycleScenario(t *testing.T) {
	env := newTestEnv(t, true)
	priv, pub := testKeyPEM(t)

	dosage := "1 cap / 8h for 7 days"
	p := env.create(t, prescription.ItemInput{
		DrugCode: "AMOX500", Name: "Amoxicillin 500mg", Quantity: 21, Dosage: &dosage,
	})

	signed, err := env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)

	_, err = env.svc.Anchor(context.Background(), p.ID, env.doctorID, "doctor", "")
	require.NoError(t, err)

	token, err := env.svc.BuildVerifyToken(context.Background(), p.ID, env.patientID, "patient", "")
	require.NoError(t, err)

	// public scan, no authenticated actor
	outcome, err := env.svc.VerifyScanToken(context.Background(), token, nil, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
	assert.True(t, outcome.Anchored)
	require.Len(t, outcome.Items, 1)
	assert.Equal(t, "AMOX500", outcome.Items[0].DrugCode)

	// the scanned record still verifies against the doctor's public key
	items, err := env.repo.GetItems(context.Background(), p.ID)
	require.NoError(t, err)
	stored, err := env.repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	payload, err := prescription.Canonical(stored, items)
	require.NoError(t, err)
	assert.True(t, signature.Verify(pub, payload, signed.SignatureB64))

	pharmacyID := uuid.New()
	summary, err := env.svc.Dispense(context.Background(), p.ID, pharmacyID, "pharmacy", "Corner Pharmacy", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusDispensed, summary.Status)

	// a token for a dispensed prescription still verifies
	outcome, err = env.svc.VerifyScanToken(context.Background(), token, &pharmacyID, "")
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
	assert.Equal(t, prescription.StatusDispensed, outcome.Prescription.Status)
}

func TestVerifyScanTokenRejectsForgery(t *testing.T) {
	env := newTestEnv(t, false)
	priv, _ := testKeyPEM(t)

	p := env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})
	_, err := env.svc.Sign(context.Background(), p.ID, priv, env.doctorID, "")
	require.NoError(t, err)

	forger := verifytoken.New("wrong-deploy", "wrong-signing")
	forged, err := forger.Mint(p.ID, "guessed-secret")
	require.NoError(t, err)

	_, err = env.svc.VerifyScanToken(context.Background(), forged, nil, "")
	assert.ErrorIs(t, err, verifytoken.ErrInvalidSignature)
}

func TestListScopesByRole(t *testing.T) {
	env := newTestEnv(t, false)
	env.create(t, prescription.ItemInput{DrugCode: "A", Name: "a"})

	mine, err := env.svc.List(context.Background(), &prescription.ListQuery{}, env.doctorID, "doctor")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	other, err := env.svc.List(context.Background(), &prescription.ListQuery{}, uuid.New(), "doctor")
	require.NoError(t, err)
	assert.Empty(t, other)

	patients, err := env.svc.List(context.Background(), &prescription.ListQuery{}, env.patientID, "patient")
	require.NoError(t, err)
	assert.Len(t, patients, 1)
}
