package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/srm-health/rxchain/internal/domain/prescription"
)

type PrescriptionRepository struct {
	db *gorm.DB
}

func NewPrescriptionRepository(db *gorm.DB) *PrescriptionRepository {
	return &PrescriptionRepository{db: db}
}

func (r *PrescriptionRepository) Create(ctx context.Context, p *prescription.Prescription, items []prescription.Item) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("inserting prescription: %w", err)
		}
		for i := range items {
			items[i].PrescriptionID = p.ID
		}
		if err := tx.Create(&items).Error; err != nil {
			return fmt.Errorf("inserting prescription items: %w", err)
		}
		return nil
	})
}

func (r *PrescriptionRepository) GetByID(ctx context.Context, id string) (*prescription.Prescription, error) {
	var p prescription.Prescription
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, prescription.ErrPrescriptionNotFound
		}
		return nil, fmt.Errorf("fetching prescription %s: %w", id, err)
	}
	return &p, nil
}

func (r *PrescriptionRepository) GetItems(ctx context.Context, id string) ([]prescription.Item, error) {
	var items []prescription.Item
	err := r.db.WithContext(ctx).
		Where("prescription_id = ?", id).
		Order("id asc").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("fetching items for %s: %w", id, err)
	}
	return items, nil
}

// MarkSigned only succeeds from DRAFT; losing the conditional update means
// another signer got there first.
func (r *PrescriptionRepository) MarkSigned(ctx context.Context, id, hash, signatureB64 string) error {
	res := r.db.WithContext(ctx).
		Model(&prescription.Prescription{}).
		Where("id = ? AND status = ?", id, prescription.StatusDraft).
		Updates(map[string]any{
			"status":        prescription.StatusIssued,
			"hash_sha256":   hash,
			"signature_b64": signatureB64,
			"signed_at":     time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("marking prescription %s signed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return prescription.ErrAlreadySigned
	}
	return nil
}

func (r *PrescriptionRepository) UpdateAnchor(ctx context.Context, id, network, txid string, blockNumber *uint64) error {
	res := r.db.WithContext(ctx).
		Model(&prescription.Prescription{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"anchor_network": network,
			"anchor_txid":    txid,
			"anchor_block":   blockNumber,
		})
	if res.Error != nil {
		return fmt.Errorf("updating anchor for %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return prescription.ErrPrescriptionNotFound
	}
	return nil
}

// Dispense guards the ISSUED -> DISPENSED transition with a conditional
// update inside the same transaction that appends the dispensation row, so
// two concurrent dispense calls cannot both succeed.
func (r *PrescriptionRepository) Dispense(ctx context.Context, id string, pharmacyID uuid.UUID, location string, notes *string) (*prescription.Dispensation, error) {
	d := &prescription.Dispensation{
		ID:                 fmt.Sprintf("disp-%d", time.Now().UnixMilli()),
		PrescriptionID:     id,
		PharmacyID:         pharmacyID,
		Location:           location,
		Notes:              notes,
		VerificationMethod: "QR",
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&prescription.Prescription{}).
			Where("id = ? AND status = ?", id, prescription.StatusIssued).
			Updates(map[string]any{
				"status":       prescription.StatusDispensed,
				"dispensed_by": pharmacyID,
				"dispensed_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("marking prescription %s dispensed: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&prescription.Prescription{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return prescription.ErrPrescriptionNotFound
			}
			return prescription.ErrNotIssued
		}
		if err := tx.Create(d).Error; err != nil {
			return fmt.Errorf("inserting dispensation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *PrescriptionRepository) GetDispensation(ctx context.Context, id string) (*prescription.Dispensation, error) {
	var d prescription.Dispensation
	err := r.db.WithContext(ctx).First(&d, "prescription_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching dispensation for %s: %w", id, err)
	}
	return &d, nil
}

func (r *PrescriptionRepository) List(ctx context.Context, q *prescription.ListQuery) ([]*prescription.Prescription, error) {
	limit := q.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	query := r.db.WithContext(ctx).Model(&prescription.Prescription{})
	if q.DoctorID != nil {
		query = query.Where("doctor_id = ?", *q.DoctorID)
	}
	if q.PatientID != nil {
		query = query.Where("patient_id = ?", *q.PatientID)
	}

	var list []*prescription.Prescription
	if err := query.Order("created_at desc").Limit(limit).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("listing prescriptions: %w", err)
	}
	return list, nil
}

func (r *PrescriptionRepository) ListMedications(ctx context.Context) ([]prescription.Medication, error) {
	var meds []prescription.Medication
	if err := r.db.WithContext(ctx).Order("name asc").Find(&meds).Error; err != nil {
		return nil, fmt.Errorf("listing medications: %w", err)
	}
	return meds, nil
}
