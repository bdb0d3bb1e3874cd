package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srm-health/rxchain/internal/domain"
	"github.com/srm-health/rxchain/internal/domain/prescription"
	"github.com/srm-health/rxchain/internal/ledger"
	"github.com/srm-health/rxchain/internal/verifytoken"
	"github.com/srm-health/rxchain/pkg/signature"
)

// AnchorClient is the ledger boundary. It stays nil in demo deployments,
// where anchors are recorded as placeholders without touching a chain.
type AnchorClient interface {
	AnchorHash(ctx context.Context, hash, rxID string) (*ledger.AnchorResult, error)
	Resolve(ctx context.Context, txid string) (*ledger.ResolvedTx, error)
}

type PrescriptionService struct {
	repo     prescription.Repository
	users    UserRepository
	codec    *verifytoken.Codec
	anchor   AnchorClient
	auditSvc *AuditService
	log      *zap.Logger
}

func NewPrescriptionService(
	repo prescription.Repository,
	users UserRepository,
	codec *verifytoken.Codec,
	anchor AnchorClient,
	auditSvc *AuditService,
	log *zap.Logger,
) *PrescriptionService {
	return &PrescriptionService{
		repo:     repo,
		users:    users,
		codec:    codec,
		anchor:   anchor,
		auditSvc: auditSvc,
		log:      log,
	}
}

// Create issues a new DRAFT prescription with its per-record verify secret.
// Items are sanitized here so client-supplied identifiers and junk fields
// never reach the store.
func (s *PrescriptionService) Create(ctx context.Context, cmd *prescription.CreateCommand, callerRole string, ip string) (*prescription.Prescription, error) {
	if callerRole != "doctor" && callerRole != "admin" {
		return nil, ErrForbidden
	}

	patient, err := s.users.GetByID(ctx, cmd.PatientID)
	if err != nil {
		return nil, &ValidationError{Fields: []string{"patient_id: unknown patient"}}
	}
	if patient.Role != domain.RolePatient {
		return nil, &ValidationError{Fields: []string{"patient_id: user is not a patient"}}
	}

	items := prescription.SanitizeItems(cmd.Items)
	if len(items) == 0 {
		return nil, &ValidationError{Fields: []string{"items: each item requires a drug_code and a name"}}
	}

	secret, err := prescription.NewVerifySecret()
	if err != nil {
		return nil, err
	}

	p := &prescription.Prescription{
		ID:           prescription.NewID(),
		PatientID:    cmd.PatientID,
		DoctorID:     cmd.DoctorID,
		Status:       prescription.StatusDraft,
		Notes:        cmd.Notes,
		VerifySecret: secret,
	}

	if err := s.repo.Create(ctx, p, items); err != nil {
		return nil, fmt.Errorf("creating prescription: %w", err)
	}

	s.auditSvc.LogAction(ctx, AuditEntry{
		ActorID: &cmd.DoctorID, Action: "RX_CREATE",
		EntityType: "prescription", EntityID: p.ID, IPAddress: ip,
	})

	s.log.Info("prescription created",
		zap.String("rx_id", p.ID),
		zap.String("doctor_id", cmd.DoctorID.String()),
	)

	return p, nil
}

// Sign canonicalizes the record, signs it with the doctor's key, and moves
// DRAFT -> ISSUED. Only the issuing doctor may sign; a record that already
// left DRAFT is rejected rather than silently re-signed.
func (s *PrescriptionService) Sign(ctx context.Context, prescriptionID, privateKeyPEM string, callerID uuid.UUID, ip string) (*prescription.SignResult, error) {
	p, err := s.repo.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if p.DoctorID != callerID {
		return nil, ErrForbidden
	}

	items, err := s.repo.GetItems(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	payload, err := prescription.Canonical(p, items)
	if err != nil {
		return nil, err
	}

	sigB64, err := signature.Sign(privateKeyPEM, payload)
	if err != nil {
		return nil, err
	}
	hash := signature.Hash(payload)

	if err := s.repo.MarkSigned(ctx, p.ID, hash, sigB64); err != nil {
		return nil, err
	}

	updated, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	s.auditSvc.LogAction(ctx, AuditEntry{
		ActorID: &callerID, Action: "RX_SIGN",
		EntityType: "prescription", EntityID: p.ID, IPAddress: ip,
	})

	return &prescription.SignResult{
		ID:           updated.ID,
		Status:       updated.Status,
		Hash:         hash,
		SignatureB64: sigB64,
		SignedAt:     updated.SignedAt,
	}, nil
}

// BuildVerifyToken mints a scan token for an issued prescription using its
// per-record secret. The secret itself never leaves the service.
func (s *PrescriptionService) BuildVerifyToken(ctx context.Context, prescriptionID string, callerID uuid.UUID, callerRole string, ip string) (string, error) {
	p, err := s.repo.GetByID(ctx, prescriptionID)
	if err != nil {
		return "", err
	}
	if !s.canAccess(p, callerID, callerRole) || callerRole == "pharmacy" {
		return "", ErrForbidden
	}
	if p.Status == prescription.StatusDraft {
		return "", prescription.ErrDraftToken
	}

	token, err := s.codec.Mint(p.ID, p.VerifySecret)
	if err != nil {
		return "", err
	}

	s.auditSvc.LogAction(ctx, AuditEntry{
		ActorID: &callerID, Action: "RX_QR_TOKEN",
		EntityType: "prescription", EntityID: p.ID, IPAddress: ip,
	})

	return token, nil
}

// VerifyScanToken validates a presented token and reports the record's
// integrity and anchoring state. The endpoint is public; actorID is only
// used for audit attribution.
func (s *PrescriptionService) VerifyScanToken(ctx context.Context, token string, actorID *uuid.UUID, ip string) (*prescription.VerifyOutcome, error) {
	lookup := func(ctx context.Context, recordID string) string {
		p, err := s.repo.GetByID(ctx, recordID)
		if err != nil {
			return ""
		}
		return p.VerifySecret
	}

	res, err := s.codec.Validate(ctx, token, lookup)
	if err != nil {
		return nil, err
	}

	p, err := s.repo.GetByID(ctx, res.RecordID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.GetItems(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	by := "public"
	if actorID != nil {
		by = actorID.String()
	}
	s.auditSvc.LogAction(ctx, AuditEntry{
		ActorID: actorID, Action: "RX_VERIFY",
		EntityType: "prescription", EntityID: p.ID, IPAddress: ip,
		Meta: map[string]any{"by": by},
	})

	return &prescription.VerifyOutcome{
		Valid:        p.Signed(),
		Anchored:     p.Anchored(),
		Network:      p.AnchorNetwork,
		Txid:         p.AnchorTxid,
		Prescription: p,
		Items:        items,
		IssuedAt:     res.IssuedAt,
	}, nil
}

// Anchor submits the record fingerprint to the ledger and persists the
// resulting anchor, overwriting any previous one. The hash precondition is
// checked before any network round trip.
func (s *PrescriptionService) Anchor(ctx context.Context, prescriptionID string, callerID uuid.UUID, callerRole string, ip string) (*ledger.AnchorResult, error) {
	p, err := s.repo.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if callerRole != "admin" && !(callerRole == "doctor" && p.DoctorID == callerID) {
		return nil, ErrForbidden
	}
	if p.HashSHA256 == nil {
		return nil, prescription.ErrNotSigned
	}

	var result *ledger.AnchorResult
	var block *uint64

	if s.anchor == nil {
		// Demo deployments record a placeholder so the rest of the flow
		// remains exercisable without a funded wallet.
		result = &ledger.AnchorResult{
			Network: "placeholder",
			Txid:    fmt.Sprintf("demo-%d", time.Now().UnixMilli()),
		}
	} else {
		result, err = s.anchor.AnchorHash(ctx, *p.HashSHA256, p.ID)
		if err != nil {
			return nil, err
		}
		block = &result.BlockNumber
	}

	if err := s.repo.UpdateAnchor(ctx, p.ID, result.Network, result.Txid, block); err != nil {
		return nil, err
	}

	s.auditSvc.LogAction(ctx, AuditEntry{
		ActorID: &callerID, Action: "RX_ANCHOR",
		EntityType: "prescription", EntityID: p.ID, IPAddress: ip,
		Meta: map[string]any{"network": result.Network, "txid": result.Txid},
	})

	return result, nil
}

func (s *PrescriptionService) GetAnchorInfo(ctx context.Context, prescriptionID string, callerID uuid.UUID, callerRole string) (*prescription.AnchorInfo, error) {
	p, err := s.repo.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if !s.canAccess(p, callerID, callerRole) {
		return nil, ErrForbidden
	}
	if p.AnchorTxid == nil && p.AnchorNetwork == nil {
		return nil, prescription.ErrNotAnchored
	}
	return &prescription.AnchorInfo{
		Network:     p.AnchorNetwork,
		Txid:        p.AnchorTxid,
		BlockNumber: p.AnchorBlock,
	}, nil
}

// VerifyAnchor re-reads the anchor transaction and compares its payload
// against the expected fingerprint string. A mismatch is a finding, not an
// error.
func (s *PrescriptionService) VerifyAnchor(ctx context.Context, prescriptionID string, callerID uuid.UUID, callerRole string) (*prescription.AnchorVerification, error) {
	p, err := s.repo.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if !s.canAccess(p, callerID, callerRole) {
		return nil, ErrForbidden
	}
	if p.AnchorTxid == nil {
		return nil, prescription.ErrNotAnchored
	}
	if s.anchor == nil {
		return nil, fmt.Errorf("%w: ledger client is not configured", ledger.ErrAnchorFailed)
	}

	resolved, err := s.anchor.Resolve(ctx, *p.AnchorTxid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrAnchorFailed, err)
	}

	hash := ""
	if p.HashSHA256 != nil {
		hash = *p.HashSHA256
	}
	expected := string(ledger.EncodePayload(hash, p.ID))

	return &prescription.AnchorVerification{
		Matches:     resolved.Payload == expected,
		Payload:     resolved.Payload,
		Expected:    expected,
		Status:      resolved.Status,
		BlockNumber: resolved.BlockNumber,
		Txid:        *p.AnchorTxid,
		Network:     p.AnchorNetwork,
	}, nil
}

// Dispense moves ISSUED -> DISPENSED exactly once; the conditional update
// in the repository rejects every other starting state.
func (s *PrescriptionService) Dispense(ctx context.Context, prescriptionID string, callerID uuid.UUID, callerRole, callerName, location string, notes *string, ip string) (*prescription.DispensationSummary, error) {
	if callerRole != "pharmacy" {
		return nil, ErrForbidden
	}

	if location == "" {
		location = callerName
	}
	if location == "" {
		location = "Pharmacy"
	}

	d, err := s.repo.Dispense(ctx, prescriptionID, callerID, location, notes)
	if err != nil {
		return nil, err
	}

	p, err := s.repo.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.GetItems(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	s.auditSvc.LogAction(ctx, AuditEntry{
		ActorID: &callerID, Action: "RX_DISPENSE",
		EntityType: "prescription", EntityID: p.ID, IPAddress: ip,
	})

	return &prescription.DispensationSummary{
		ID:           p.ID,
		Status:       p.Status,
		DispensedAt:  p.DispensedAt,
		DispensedBy:  p.DispensedBy,
		Dispensation: d,
		Items:        items,
	}, nil
}

func (s *PrescriptionService) GetPrescription(ctx context.Context, prescriptionID string, callerID uuid.UUID, callerRole string) (*prescription.Prescription, []prescription.Item, error) {
	p, err := s.repo.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, nil, err
	}
	if !s.canAccess(p, callerID, callerRole) {
		return nil, nil, ErrForbidden
	}
	items, err := s.repo.GetItems(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	return p, items, nil
}

func (s *PrescriptionService) List(ctx context.Context, q *prescription.ListQuery, callerID uuid.UUID, callerRole string) ([]*prescription.Prescription, error) {
	switch callerRole {
	case "doctor":
		q.DoctorID = &callerID
	case "patient":
		q.PatientID = &callerID
	}
	return s.repo.List(ctx, q)
}

func (s *PrescriptionService) ListMedications(ctx context.Context) ([]prescription.Medication, error) {
	return s.repo.ListMedications(ctx)
}

// canAccess implements record-level read authorization: the issuing doctor,
// the patient it belongs to, admins, and pharmacies (which must inspect a
// prescription to dispense it).
func (s *PrescriptionService) canAccess(p *prescription.Prescription, callerID uuid.UUID, callerRole string) bool {
	switch callerRole {
	case "admin", "pharmacy":
		return true
	case "doctor":
		return p.DoctorID == callerID
	case "patient":
		return p.PatientID == callerID
	}
	return false
}
