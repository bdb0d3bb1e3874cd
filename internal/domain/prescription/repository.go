package prescription

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create persists the prescription and its items in one transaction.
	Create(ctx context.Context, p *Prescription, items []Item) error
	GetByID(ctx context.Context, id string) (*Prescription, error)
	// GetItems returns items in insertion order, the order the canonical
	// form depends on.
	GetItems(ctx context.Context, id string) ([]Item, error)
	// MarkSigned transitions DRAFT -> ISSUED and records hash/signature in
	// a single status-conditioned update. A concurrent or repeated sign
	// loses the race and gets ErrAlreadySigned.
	MarkSigned(ctx context.Context, id, hash, signatureB64 string) error
	// UpdateAnchor replaces any previous anchor; re-anchoring overwrites.
	UpdateAnchor(ctx context.Context, id, network, txid string, blockNumber *uint64) error
	// Dispense transitions ISSUED -> DISPENSED and appends the dispensation
	// record transactionally. Any other starting status yields ErrNotIssued.
	Dispense(ctx context.Context, id string, pharmacyID uuid.UUID, location string, notes *string) (*Dispensation, error)
	GetDispensation(ctx context.Context, id string) (*Dispensation, error)
	List(ctx context.Context, q *ListQuery) ([]*Prescription, error)
	ListMedications(ctx context.Context) ([]Medication, error)
}
