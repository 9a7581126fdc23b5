package store

import (
	"testing"

	"github.com/vvpay/vvpay/internal/models"
)

func TestSnapshotLookup(t *testing.T) {
	snapshot := NewSnapshot([]*models.ReferenceRecord{
		{ID: "a", CNPJ: "12345678000199", Competence: "2025-03", ExpectedAmount: "1000.00"},
		{ID: "b", CNPJ: "12345678000199", Competence: "2025-04", ExpectedAmount: "1100.00"},
		{ID: "c", CNPJ: "98765432000155", Competence: "2025-03", ExpectedAmount: "500.00"},
	})

	if snapshot.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", snapshot.Len())
	}

	rec, ok := snapshot.Lookup("12345678000199", "2025-04")
	if !ok || rec.ID != "b" {
		t.Fatalf("lookup returned %+v, %v", rec, ok)
	}

	if _, ok := snapshot.Lookup("12345678000199", "2025-05"); ok {
		t.Fatal("expected miss for an unknown competence")
	}
	if _, ok := snapshot.Lookup("00000000000000", "2025-03"); ok {
		t.Fatal("expected miss for an unknown CNPJ")
	}
}

func TestSnapshotLastWriteWinsOnDuplicateKey(t *testing.T) {
	snapshot := NewSnapshot([]*models.ReferenceRecord{
		{ID: "old", CNPJ: "12345678000199", Competence: "2025-03", ExpectedAmount: "1000.00"},
		{ID: "new", CNPJ: "12345678000199", Competence: "2025-03", ExpectedAmount: "1200.00"},
	})

	rec, ok := snapshot.Lookup("12345678000199", "2025-03")
	if !ok || rec.ID != "new" {
		t.Fatalf("expected the later record to win, got %+v", rec)
	}
}
