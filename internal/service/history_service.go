package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srm-health/rxchain/internal/domain"
	"github.com/srm-health/rxchain/internal/domain/grant"
	"github.com/srm-health/rxchain/internal/domain/prescription"
)

// HistoryEntry is one prescription in a patient's timeline, enriched with
// the issuing doctor's name and the dispensation record when present.
type HistoryEntry struct {
	Prescription *prescription.Prescription `json:"prescription"`
	Items        []prescription.Item        `json:"items"`
	Dispensation *prescription.Dispensation `json:"dispensation,omitempty"`
	DoctorName   string                     `json:"doctor_name,omitempty"`
}

type HistoryService struct {
	prescriptions prescription.Repository
	grants        grant.Repository
	users         UserRepository
	auditSvc      *AuditService
	log           *zap.Logger
}

func NewHistoryService(prescriptions prescription.Repository, grants grant.Repository, users UserRepository, auditSvc *AuditService, log *zap.Logger) *HistoryService {
	return &HistoryService{
		prescriptions: prescriptions,
		grants:        grants,
		users:         users,
		auditSvc:      auditSvc,
		log:           log,
	}
}

// PatientHistory returns the patient's prescriptions newest first. Admins
// and the patient themselves always pass; a doctor needs an active grant
// from the patient.
func (s *HistoryService) PatientHistory(ctx context.Context, patientID, callerID uuid.UUID, callerRole domain.Role, ip string) ([]HistoryEntry, error) {
	allowed := false
	switch {
	case callerRole == domain.RoleAdmin:
		allowed = true
	case callerRole == domain.RolePatient && callerID == patientID:
		allowed = true
	case callerRole == domain.RoleDoctor:
		ok, err := s.grants.HasActiveGrant(ctx, patientID, callerID)
		if err != nil {
			return nil, fmt.Errorf("checking grant: %w", err)
		}
		allowed = ok
	}
	if !allowed {
		return nil, ErrForbidden
	}

	records, err := s.prescriptions.List(ctx, &prescription.ListQuery{PatientID: &patientID})
	if err != nil {
		return nil, fmt.Errorf("listing prescriptions: %w", err)
	}

	doctorNames := make(map[uuid.UUID]string)
	entries := make([]HistoryEntry, 0, len(records))
	for _, p := range records {
		items, err := s.prescriptions.GetItems(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("loading items for %s: %w", p.ID, err)
		}

		entry := HistoryEntry{Prescription: p, Items: items}

		if p.Status == prescription.StatusDispensed {
			disp, err := s.prescriptions.GetDispensation(ctx, p.ID)
			if err != nil {
				return nil, fmt.Errorf("loading dispensation for %s: %w", p.ID, err)
			}
			entry.Dispensation = disp
		}

		name, seen := doctorNames[p.DoctorID]
		if !seen {
			if doctor, err := s.users.GetByID(ctx, p.DoctorID); err == nil {
				name = doctor.FullName
			}
			doctorNames[p.DoctorID] = name
		}
		entry.DoctorName = name

		entries = append(entries, entry)
	}

	s.auditSvc.LogAction(ctx, AuditEntry{
		ActorID: &callerID, Action: "HISTORY_VIEW",
		EntityType: "patient", EntityID: patientID.String(), IPAddress: ip,
		Meta: map[string]any{"count": len(entries), "role": string(callerRole), "at": time.Now().UnixMilli()},
	})

	return entries, nil
}
