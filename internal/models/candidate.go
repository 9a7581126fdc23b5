package models

import "time"

// PaymentType classifies an invoice by the kind of disbursement it settles.
// Mirrors the meta table's per-type expected amount columns.
type PaymentType string

const (
	PaymentTypePC        PaymentType = "pc"
	PaymentTypeReembolso PaymentType = "reembolso"
	PaymentTypeBonus     PaymentType = "bonus"
)

// ValidPaymentType reports whether s is one of the known classifications.
func ValidPaymentType(s string) bool {
	switch PaymentType(s) {
	case PaymentTypePC, PaymentTypeReembolso, PaymentTypeBonus:
		return true
	}
	return false
}

// ExtractionCandidate is the structured output of one LLM extraction run for
// a document. Immutable once committed; a re-extraction writes a new version.
//
// Amount is kept as a canonical fixed-point decimal string ("1234.56") because
// the Firestore codec has no decimal type and float64 is unacceptable for
// money. Parse with decimal.NewFromString at the point of use.
type ExtractionCandidate struct {
	DocumentID  string      `firestore:"documentId"`
	Version     int         `firestore:"version"`
	CNPJ        string      `firestore:"cnpj"`
	Amount      string      `firestore:"amount"`
	PayeeName   string      `firestore:"payeeName"`
	Competence  string      `firestore:"competence"` // YYYY-MM
	Description string      `firestore:"description,omitempty"`
	PaymentType PaymentType `firestore:"paymentType"`
	Confidence  float64     `firestore:"confidence"`
	RawResponse string      `firestore:"rawResponse,omitempty"`
	ExtractedAt time.Time   `firestore:"extractedAt"`
}
