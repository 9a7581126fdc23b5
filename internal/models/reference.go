package models

// ReferenceRecord is one authoritative meta-table entry: the expected invoice
// values for a provider in one competence period. Loaded wholesale from the
// meta collection and read-only to the pipeline.
//
// ExpectedAmount uses the same canonical decimal-string encoding as
// ExtractionCandidate.Amount.
type ReferenceRecord struct {
	ID             string      `firestore:"-"`
	CNPJ           string      `firestore:"cnpj"` // normalized, digits only
	Competence     string      `firestore:"competence"`
	ExpectedAmount string      `firestore:"expectedAmount"`
	ExpectedPayee  string      `firestore:"expectedPayee"`
	PixKey         string      `firestore:"pixKey"`
	PaymentType    PaymentType `firestore:"paymentType"`
	Active         bool        `firestore:"active"`
}
