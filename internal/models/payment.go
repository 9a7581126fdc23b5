package models

import "time"

// PaymentStatus tracks one payment instruction through the gateway.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSubmitted PaymentStatus = "submitted"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentRecord is one payment attempt for a document. The idempotency key is
// generated exactly once, persisted before the first gateway call, and reused
// verbatim on every retry so the gateway can de-duplicate. At most one
// non-failed record may exist per document.
type PaymentRecord struct {
	ID                 string        `firestore:"-"`
	DocumentID         string        `firestore:"documentId"`
	IdempotencyKey     string        `firestore:"idempotencyKey"`
	PixKey             string        `firestore:"pixKey"`
	Amount             string        `firestore:"amount"`
	Description        string        `firestore:"description,omitempty"`
	ScheduledFor       time.Time     `firestore:"scheduledFor"`
	GatewayRequestCode string        `firestore:"gatewayRequestCode,omitempty"`
	Status             PaymentStatus `firestore:"status"`
	ErrorMessage       string        `firestore:"errorMessage,omitempty"`
	CreatedAt          time.Time     `firestore:"createdAt"`
	ExecutedAt         time.Time     `firestore:"executedAt,omitempty"`
}
