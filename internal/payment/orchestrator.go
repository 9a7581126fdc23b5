package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vvpay/vvpay/internal/models"
)

// Gateway is the slice of the bank client the orchestrator needs. Tests
// substitute a fake.
type Gateway interface {
	SubmitPix(ctx context.Context, instr PixInstruction) (*PixResult, error)
	Statement(ctx context.Context, start, end time.Time) ([]StatementEntry, error)
}

// RecordStore is the slice of the document store the orchestrator needs.
type RecordStore interface {
	EnsurePayment(ctx context.Context, id string, build func() *models.PaymentRecord) (*models.PaymentRecord, bool, error)
	MarkPaymentSubmitted(ctx context.Context, id, paymentID, requestCode string) error
	MarkPaymentSettled(ctx context.Context, id, paymentID string, settled models.PaymentStatus, detail string) error
}

// Orchestrator drives a validated document through payment dispatch and
// settlement reconciliation. The key invariant: the payment record and its
// idempotency key are committed to the store before the first gateway call,
// so a crash between dispatch and persistence can never mint a second key.
type Orchestrator struct {
	store   RecordStore
	gateway Gateway
	keyGen  func() string
	now     func() time.Time
}

func NewOrchestrator(store RecordStore, gateway Gateway, keyGen func() string) *Orchestrator {
	return &Orchestrator{store: store, gateway: gateway, keyGen: keyGen, now: time.Now}
}

// Schedule ensures a payment record exists for the document and submits it to
// the gateway. Safe to call repeatedly: an already-submitted or confirmed
// record is returned as-is, and a pending record is resubmitted under its
// original idempotency key.
func (o *Orchestrator) Schedule(ctx context.Context, doc *models.Document, candidate *models.ExtractionCandidate, ref *models.ReferenceRecord) (*models.PaymentRecord, error) {
	if ref.PixKey == "" {
		return nil, &Error{Kind: KindRejected, Err: fmt.Errorf("reference record %s has no pix key", ref.ID)}
	}

	record, created, err := o.store.EnsurePayment(ctx, doc.ID, func() *models.PaymentRecord {
		return &models.PaymentRecord{
			DocumentID:     doc.ID,
			IdempotencyKey: o.keyGen(),
			PixKey:         ref.PixKey,
			Amount:         candidate.Amount,
			Description:    paymentDescription(candidate),
			ScheduledFor:   o.now().UTC(),
		}
	})
	if err != nil {
		return nil, err
	}
	if !created && record.Status != models.PaymentPending {
		// A previous run already got the instruction past the gateway;
		// nothing to resubmit.
		slog.Info("Payment already dispatched, skipping submission.",
			"documentID", doc.ID, "paymentID", record.ID, "status", record.Status)
		return record, nil
	}

	result, err := o.gateway.SubmitPix(ctx, PixInstruction{
		IdempotencyKey: record.IdempotencyKey,
		Amount:         record.Amount,
		PaymentDate:    record.ScheduledFor,
		Description:    record.Description,
		PixKey:         record.PixKey,
	})
	if err != nil {
		return record, err
	}

	if err := o.store.MarkPaymentSubmitted(ctx, doc.ID, record.ID, result.RequestCode); err != nil {
		// The gateway accepted but the store write failed. The idempotency
		// key makes the retried submission a no-op on the bank side.
		return record, fmt.Errorf("payment submitted but not recorded: %w", err)
	}
	record.Status = models.PaymentSubmitted
	record.GatewayRequestCode = result.RequestCode
	return record, nil
}

// Reconcile checks the account statement for the submitted payment and, when
// a matching entry is found, settles the document. Returns true when the
// payment reached a final state.
func (o *Orchestrator) Reconcile(ctx context.Context, doc *models.Document, record *models.PaymentRecord) (bool, error) {
	if record.Status == models.PaymentConfirmed || record.Status == models.PaymentFailed {
		return true, nil
	}
	if record.GatewayRequestCode == "" {
		return false, fmt.Errorf("payment %s has no gateway request code to reconcile", record.ID)
	}

	start := record.ScheduledFor.AddDate(0, 0, -1)
	end := o.now()
	entries, err := o.gateway.Statement(ctx, start, end)
	if err != nil {
		return false, err
	}

	entry, found := matchStatement(entries, record.GatewayRequestCode)
	if !found {
		// Not on the statement yet; the settlement stage polls again later.
		return false, nil
	}

	if isReversal(entry) {
		detail := fmt.Sprintf("payment %s reversed by bank: %s", record.GatewayRequestCode, entry.Description)
		if err := o.store.MarkPaymentSettled(ctx, doc.ID, record.ID, models.PaymentFailed, detail); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := o.store.MarkPaymentSettled(ctx, doc.ID, record.ID, models.PaymentConfirmed, ""); err != nil {
		return false, err
	}
	slog.Info("Payment settled.", "documentID", doc.ID, "paymentID", record.ID, "requestCode", record.GatewayRequestCode)
	return true, nil
}

// matchStatement finds the statement line for a gateway request code. Some
// statement formats carry the code as a field, others only embed it in the
// free-text description.
func matchStatement(entries []StatementEntry, requestCode string) (StatementEntry, bool) {
	for _, entry := range entries {
		if entry.RequestCode == requestCode || strings.Contains(entry.Description, requestCode) {
			return entry, true
		}
	}
	return StatementEntry{}, false
}

// isReversal reports whether a matched statement line records the payment
// coming back instead of going out.
func isReversal(entry StatementEntry) bool {
	if entry.OperationType == "C" {
		return true
	}
	lower := strings.ToLower(entry.Title + " " + entry.Description)
	return strings.Contains(lower, "estorno") || strings.Contains(lower, "devolu")
}

func paymentDescription(candidate *models.ExtractionCandidate) string {
	if candidate.Description != "" {
		return candidate.Description
	}
	return fmt.Sprintf("NF %s %s", candidate.PayeeName, candidate.Competence)
}
