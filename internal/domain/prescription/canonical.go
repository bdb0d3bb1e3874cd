package prescription

import (
	"encoding/json"
	"fmt"
	"time"
)

// canonicalItem mirrors the persisted item shape, stripped of identifiers.
type canonicalItem struct {
	DrugCode string  `json:"drug_code"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Dosage   *string `json:"dosage"`
}

type canonicalForm struct {
	ID        string          `json:"id"`
	PatientID string          `json:"patient_id"`
	DoctorID  string          `json:"doctor_id"`
	Items     []canonicalItem `json:"items"`
	CreatedAt time.Time       `json:"created_at"`
	Notes     *string         `json:"notes"`
}

// Canonical builds the deterministic byte representation that is signed and
// hashed. Field order is fixed by the struct definition and items keep their
// persisted order, so the same stored record always yields identical bytes;
// any instability here would break signature verification and re-anchoring.
func Canonical(p *Prescription, items []Item) ([]byte, error) {
	form := canonicalForm{
		ID:        p.ID,
		PatientID: p.PatientID.String(),
		DoctorID:  p.DoctorID.String(),
		Items:     make([]canonicalItem, 0, len(items)),
		CreatedAt: p.CreatedAt,
		Notes:     p.Notes,
	}
	for _, it := range items {
		form.Items = append(form.Items, canonicalItem{
			DrugCode: it.DrugCode,
			Name:     it.Name,
			Quantity: it.Quantity,
			Dosage:   it.Dosage,
		})
	}

	payload, err := json.Marshal(form)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing prescription %s: %w", p.ID, err)
	}
	return payload, nil
}
