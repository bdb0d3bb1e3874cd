package prescription

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusIssued    Status = "ISSUED"
	StatusDispensed Status = "DISPENSED"
)

type Prescription struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"-"`

	PatientID uuid.UUID `gorm:"column:patient_id;type:uuid;not null;index" json:"patient_id"`
	DoctorID  uuid.UUID `gorm:"column:doctor_id;type:uuid;not null;index" json:"doctor_id"`

	Status Status  `gorm:"column:status;type:varchar(20);not null;default:'DRAFT';index" json:"status"`
	Notes  *string `gorm:"column:notes;type:text" json:"notes"`

	// VerifySecret is the per-prescription HMAC key root. It is generated
	// exactly once at creation, never rotated, and must not appear in any
	// read path or log line.
	VerifySecret string `gorm:"column:verify_secret;type:varchar(64);not null" json:"-"`

	HashSHA256   *string    `gorm:"column:hash_sha256;type:char(64)" json:"hash_sha256,omitempty"`
	SignatureB64 *string    `gorm:"column:signature_b64;type:text" json:"signature_b64,omitempty"`
	SignedAt     *time.Time `gorm:"column:signed_at" json:"signed_at,omitempty"`

	DispensedBy *uuid.UUID `gorm:"column:dispensed_by;type:uuid" json:"dispensed_by,omitempty"`
	DispensedAt *time.Time `gorm:"column:dispensed_at" json:"dispensed_at,omitempty"`

	AnchorNetwork *string `gorm:"column:anchor_network;type:varchar(40)" json:"anchor_network,omitempty"`
	AnchorTxid    *string `gorm:"column:anchor_txid;type:varchar(80)" json:"anchor_txid,omitempty"`
	AnchorBlock   *uint64 `gorm:"column:anchor_block" json:"anchor_block,omitempty"`
}

func (Prescription) TableName() string {
	return "rx.prescriptions"
}

// Signed reports whether both halves of the signing output are present.
// hash and signature are set together in one conditional update, so a
// record where only one is set indicates corruption.
func (p *Prescription) Signed() bool {
	return p.HashSHA256 != nil && p.SignatureB64 != nil
}

func (p *Prescription) Anchored() bool {
	return p.AnchorTxid != nil && *p.AnchorTxid != ""
}

// Item is one prescribed drug line. The serial primary key defines the
// canonical item order used for signing.
type Item struct {
	ID             uint    `gorm:"primaryKey;autoIncrement" json:"-"`
	PrescriptionID string  `gorm:"column:prescription_id;type:varchar(64);not null;index" json:"-"`
	DrugCode       string  `gorm:"column:drug_code;type:varchar(50);not null" json:"drug_code"`
	Name           string  `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Quantity       int     `gorm:"column:quantity;not null;default:1" json:"quantity"`
	Dosage         *string `gorm:"column:dosage;type:varchar(100)" json:"dosage"`
}

func (Item) TableName() string {
	return "rx.prescription_items"
}

type Dispensation struct {
	ID                 string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"timestamp"`
	PrescriptionID     string    `gorm:"column:prescription_id;type:varchar(64);not null;uniqueIndex" json:"-"`
	PharmacyID         uuid.UUID `gorm:"column:pharmacy_id;type:uuid;not null;index" json:"pharmacy_id"`
	Location           string    `gorm:"column:location;type:varchar(255)" json:"location"`
	Notes              *string   `gorm:"column:notes;type:text" json:"notes,omitempty"`
	VerificationMethod string    `gorm:"column:verification_method;type:varchar(20);default:'QR'" json:"verification_method"`
}

func (Dispensation) TableName() string {
	return "rx.dispensations"
}

// Medication is a catalog row for the prescribing UI.
type Medication struct {
	ID   uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Code string `gorm:"column:code;type:varchar(50);uniqueIndex;not null" json:"code"`
	Name string `gorm:"column:name;type:varchar(255);not null" json:"name"`
}

func (Medication) TableName() string {
	return "rx.medications"
}

// ItemInput is the unsanitized item shape accepted from clients.
// "code" is a historical alias for drug_code.
type ItemInput struct {
	DrugCode string  `json:"drug_code"`
	Code     string  `json:"code"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Dosage   *string `json:"dosage"`
}

// SanitizeItems trims and validates client-supplied items, dropping any
// entry without a drug code and name, and coercing quantity to a positive
// integer defaulting to 1. Client-supplied IDs and extra fields never reach
// the store.
func SanitizeItems(inputs []ItemInput) []Item {
	items := make([]Item, 0, len(inputs))
	for _, in := range inputs {
		code := strings.TrimSpace(in.DrugCode)
		if code == "" {
			code = strings.TrimSpace(in.Code)
		}
		name := strings.TrimSpace(in.Name)
		if code == "" || name == "" {
			continue
		}
		quantity := in.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		var dosage *string
		if in.Dosage != nil && *in.Dosage != "" {
			d := *in.Dosage
			dosage = &d
		}
		items = append(items, Item{DrugCode: code, Name: name, Quantity: quantity, Dosage: dosage})
	}
	return items
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns a time-derived, human-scannable prescription identifier of
// the form rx_<unix millis>_<6 random base36 chars>.
func NewID() string {
	suffix := make([]byte, 6)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the process has no usable entropy
			// source; there is nothing sensible to fall back to.
			panic(fmt.Sprintf("prescription: reading entropy: %v", err))
		}
		suffix[i] = idAlphabet[n.Int64()]
	}
	return fmt.Sprintf("rx_%d_%s", time.Now().UnixMilli(), suffix)
}

// NewVerifySecret returns the 32-byte hex secret bound to one prescription.
func NewVerifySecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating verify secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type CreateCommand struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Items     []ItemInput
	Notes     *string
}

type SignResult struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	Hash         string     `json:"hash"`
	SignatureB64 string     `json:"signature_b64"`
	SignedAt     *time.Time `json:"signed_at"`
}

type ListQuery struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Limit     int
}

type AnchorInfo struct {
	Network     *string `json:"network"`
	Txid        *string `json:"txid"`
	BlockNumber *uint64 `json:"blockNumber"`
}

type AnchorVerification struct {
	Matches     bool    `json:"matches"`
	Payload     string  `json:"payload"`
	Expected    string  `json:"expected"`
	Status      *uint64 `json:"status"`
	BlockNumber *uint64 `json:"blockNumber"`
	Txid        string  `json:"txid"`
	Network     *string `json:"network"`
}

type DispensationSummary struct {
	ID           string        `json:"id"`
	Status       Status        `json:"status"`
	DispensedAt  *time.Time    `json:"dispensedAt"`
	DispensedBy  *uuid.UUID    `json:"dispensedBy"`
	Dispensation *Dispensation `json:"dispensation"`
	Items        []Item        `json:"items"`
}

type VerifyOutcome struct {
	Valid        bool          `json:"valid"`
	Anchored     bool          `json:"anchored"`
	Network      *string       `json:"network"`
	Txid         *string       `json:"txid"`
	Prescription *Prescription `json:"prescription"`
	Items        []Item        `json:"items"`
	IssuedAt     *time.Time    `json:"issued_at,omitempty"`
}
