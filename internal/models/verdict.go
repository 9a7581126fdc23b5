package models

import "time"

// Severity grades a validation discrepancy. Only blocking discrepancies veto
// payment; warnings pass but stay visible for review.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

// Discrepancy reasons.
const (
	ReasonNoMatchingRecord = "no_matching_record"
	ReasonInactiveProvider = "inactive_provider"
	ReasonAmountMismatch   = "amount_mismatch"
	ReasonCNPJMismatch     = "cnpj_mismatch"
	ReasonPayeeMismatch    = "payee_mismatch"
	ReasonMalformedAmount  = "malformed_amount"
)

// Discrepancy is one itemized difference between an extraction candidate and
// its reference record.
type Discrepancy struct {
	Field    string   `firestore:"field"`
	Expected string   `firestore:"expected,omitempty"`
	Actual   string   `firestore:"actual,omitempty"`
	Severity Severity `firestore:"severity"`
	Reason   string   `firestore:"reason"`
}

// ValidationVerdict is the outcome of comparing one candidate version against
// the reference snapshot. A verdict with zero blocking discrepancies is the
// only thing that authorizes payment.
type ValidationVerdict struct {
	DocumentID       string        `firestore:"documentId"`
	CandidateVersion int           `firestore:"candidateVersion"`
	ReferenceID      string        `firestore:"referenceId,omitempty"`
	Passed           bool          `firestore:"passed"`
	Discrepancies    []Discrepancy `firestore:"discrepancies,omitempty"`
	MatchConfidence  float64       `firestore:"matchConfidence"`
	ValidatedAt      time.Time     `firestore:"validatedAt"`
}

// Blocking reports whether any discrepancy has blocking severity.
func (v *ValidationVerdict) Blocking() bool {
	for _, d := range v.Discrepancies {
		if d.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}
