package models

import "time"

// Status is the pipeline state of a Document. Transitions are driven
// exclusively by the pipeline controller and persisted to Firestore in the
// same transaction as the stage output that caused them.
type Status string

const (
	StatusUploaded         Status = "uploaded"
	StatusExtracting       Status = "extracting"
	StatusExtracted        Status = "extracted"
	StatusValidating       Status = "validating"
	StatusValidated        Status = "validated"
	StatusPaymentScheduled Status = "payment_scheduled"
	StatusConfirmed        Status = "confirmed"
	StatusRejected         Status = "rejected"
	StatusFailed           Status = "failed"
	StatusNeedsRetry       Status = "needs_retry"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further automatic transition may occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage names the pipeline step a retry counter or error refers to.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageLLM        Stage = "llm"
	StageValidation Stage = "validation"
	StagePayment    Stage = "payment"
	StageSettlement Stage = "settlement"
)

// Document is the master record for one uploaded invoice PDF. It is created
// at ingestion, mutated only by the pipeline controller, and never deleted.
type Document struct {
	ID               string           `firestore:"-"`
	FileHash         string           `firestore:"fileHash"`
	OriginalFilename string           `firestore:"originalFilename"`
	GCSUri           string           `firestore:"gcsUri"`
	Status           Status           `firestore:"status"`
	RetryCounts      map[string]int   `firestore:"retryCounts,omitempty"`
	NeedsRetryStage  Stage            `firestore:"needsRetryStage,omitempty"`
	CancelRequested  bool             `firestore:"cancelRequested,omitempty"`
	ErrorDetail      string           `firestore:"errorDetail,omitempty"`
	CandidateVersion int              `firestore:"candidateVersion,omitempty"`
	PaymentID        string           `firestore:"paymentId,omitempty"`
	CreatedAt        time.Time        `firestore:"createdAt"`
	UpdatedAt        time.Time        `firestore:"updatedAt"`
	Transitions      []StatusSnapshot `firestore:"transitions,omitempty"`
}

// StatusSnapshot records one committed status transition for audit.
type StatusSnapshot struct {
	Status Status    `firestore:"status"`
	At     time.Time `firestore:"at"`
}

// Attempts returns the recorded retry count for a stage.
func (d *Document) Attempts(stage Stage) int {
	if d.RetryCounts == nil {
		return 0
	}
	return d.RetryCounts[string(stage)]
}
