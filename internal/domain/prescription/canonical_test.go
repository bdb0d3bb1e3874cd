package prescription

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePrescription() (*Prescription, []Item) {
	dosage := "1 tab / 8h"
	notes := "take with food"
	p := &Prescription{
		ID:        "rx_1700000000000_abc123",
		PatientID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		DoctorID:  uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		CreatedAt: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		Notes:     &notes,
	}
	items := []Item{
		{DrugCode: "AMOX500", Name: "Amoxicillin 500mg", Quantity: 21, Dosage: &dosage},
		{DrugCode: "IBU400", Name: "Ibuprofen 400mg", Quantity: 10},
	}
	return p, items
}

func TestCanonicalIsDeterministic(t *testing.T) {
	p, items := samplePrescription()

	first, err := Canonical(p, items)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		again, err := Canonical(p, items)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCanonicalFieldOrderAndShape(t *testing.T) {
	p, items := samplePrescription()

	payload, err := Canonical(p, items)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	for _, key := range []string{"id", "patient_id", "doctor_id", "items", "created_at", "notes"} {
		assert.Contains(t, decoded, key)
	}
	// Item rows carry only prescription content, never row identifiers.
	assert.NotContains(t, string(payload), "prescription_id")
	assert.NotContains(t, string(payload), "verify_secret")
}

func TestCanonicalChangesWithContent(t *testing.T) {
	p, items := samplePrescription()

	base, err := Canonical(p, items)
	require.NoError(t, err)

	items[1].Quantity = 99
	changed, err := Canonical(p, items)
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)
}

func TestCanonicalItemOrderMatters(t *testing.T) {
	p, items := samplePrescription()

	forward, err := Canonical(p, items)
	require.NoError(t, err)

	reversed, err := Canonical(p, []Item{items[1], items[0]})
	require.NoError(t, err)
	assert.NotEqual(t, forward, reversed)
}

func TestCanonicalNilNotesSerializedAsNull(t *testing.T) {
	p, items := samplePrescription()
	p.Notes = nil

	payload, err := Canonical(p, items)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"notes":null`)
}

func TestSanitizeItems(t *testing.T) {
	dosage := "2/day"
	empty := ""
	out := SanitizeItems([]ItemInput{
		{DrugCode: "  AMOX500 ", Name: " Amoxicillin ", Quantity: 3, Dosage: &dosage},
		{Code: "IBU400", Name: "Ibuprofen"},           // alias + default quantity
		{DrugCode: "", Name: "Nameless code"},         // dropped
		{DrugCode: "PARA500", Name: ""},               // dropped
		{DrugCode: "OME20", Name: "Omeprazole", Quantity: -5, Dosage: &empty},
	})

	require.Len(t, out, 3)
	assert.Equal(t, "AMOX500", out[0].DrugCode)
	assert.Equal(t, "Amoxicillin", out[0].Name)
	assert.Equal(t, 3, out[0].Quantity)
	assert.Equal(t, "IBU400", out[1].DrugCode)
	assert.Equal(t, 1, out[1].Quantity)
	assert.Equal(t, 1, out[2].Quantity)
	assert.Nil(t, out[2].Dosage)
}

func TestSanitizeItemsAllInvalid(t *testing.T) {
	out := SanitizeItems([]ItemInput{{Name: "no code"}, {DrugCode: "no name"}})
	assert.Empty(t, out)
}

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	assert.Regexp(t, `^rx_\d{13}_[0-9a-z]{6}$`, id)
	assert.NotEqual(t, id, NewID())
}

func TestNewVerifySecret(t *testing.T) {
	s, err := NewVerifySecret()
	require.NoError(t, err)
	assert.Len(t, s, 64)
	assert.Regexp(t, `^[0-9a-f]{64}$`, s)

	other, err := NewVerifySecret()
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}
