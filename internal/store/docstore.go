package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/vvpay/vvpay/internal/models"
)

var (
	// ErrNotFound means the requested document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrStatusConflict means a guarded transition found the document in a
	// different status than expected. The caller should re-read and resume
	// from the committed state instead of forcing the write.
	ErrStatusConflict = errors.New("document status conflict")
)

// DocumentStore is the single source of truth for pipeline state. Every
// stage output is committed in the same Firestore transaction as the status
// transition it causes, so a crash can never separate "component succeeded"
// from "state advanced".
//
// Layout:
//
//	documents/{id}                      Document
//	documents/{id}/candidates/v{N}      ExtractionCandidate
//	documents/{id}/verdicts/v{N}        ValidationVerdict
//	documents/{id}/payments/{paymentId} PaymentRecord
//	documents/{id}/log/{auto}           ProcessingLogEntry (append-only)
type DocumentStore struct {
	client     *firestore.Client
	collection string
}

func NewDocumentStore(client *firestore.Client, collection string) *DocumentStore {
	if collection == "" {
		collection = "documents"
	}
	return &DocumentStore{client: client, collection: collection}
}

func (s *DocumentStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

// Create registers a new document unless one with the same file hash already
// exists. Returns the existing document's ID on a duplicate.
func (s *DocumentStore) Create(ctx context.Context, doc *models.Document) (created bool, existingID string, err error) {
	dupes, err := s.client.Collection(s.collection).
		Where("fileHash", "==", doc.FileHash).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, "", fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(dupes) > 0 {
		return false, dupes[0].Ref.ID, nil
	}

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	doc.Status = models.StatusUploaded
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.Transitions = []models.StatusSnapshot{{Status: models.StatusUploaded, At: now}}

	if _, err := s.docRef(doc.ID).Create(ctx, doc); err != nil {
		return false, "", fmt.Errorf("failed to create document record: %w", err)
	}
	return true, doc.ID, nil
}

// Get loads one document.
func (s *DocumentStore) Get(ctx context.Context, id string) (*models.Document, error) {
	snap, err := s.docRef(id).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	return decodeDocument(snap)
}

// ListRunnable returns documents the worker should pick up: anything
// non-terminal, including in-progress statuses left behind by a crash.
func (s *DocumentStore) ListRunnable(ctx context.Context, limit int) ([]*models.Document, error) {
	runnable := []string{
		string(models.StatusUploaded),
		string(models.StatusExtracting),
		string(models.StatusExtracted),
		string(models.StatusValidating),
		string(models.StatusValidated),
		string(models.StatusPaymentScheduled),
		string(models.StatusNeedsRetry),
	}
	snaps, err := s.client.Collection(s.collection).
		Where("status", "in", runnable).
		OrderBy("updatedAt", firestore.Asc).
		Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable documents: %w", err)
	}
	docs := make([]*models.Document, 0, len(snaps))
	for _, snap := range snaps {
		doc, err := decodeDocument(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// SetStatus performs a guarded status transition with no payload.
func (s *DocumentStore) SetStatus(ctx context.Context, id string, from []models.Status, to models.Status) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.txGet(tx, id)
		if err != nil {
			return err
		}
		if !statusIn(doc.Status, from) {
			return fmt.Errorf("%w: document %s is %s", ErrStatusConflict, id, doc.Status)
		}
		return s.txAdvance(tx, id, doc, to, nil)
	})
}

// CommitCandidate atomically persists a new extraction candidate version and
// moves the document to extracted.
func (s *DocumentStore) CommitCandidate(ctx context.Context, id string, candidate *models.ExtractionCandidate) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.txGet(tx, id)
		if err != nil {
			return err
		}
		if doc.Status != models.StatusExtracting {
			return fmt.Errorf("%w: document %s is %s, want %s", ErrStatusConflict, id, doc.Status, models.StatusExtracting)
		}

		version := doc.CandidateVersion + 1
		candidate.DocumentID = id
		candidate.Version = version
		if err := tx.Set(s.versionRef(id, "candidates", version), candidate); err != nil {
			return err
		}
		return s.txAdvance(tx, id, doc, models.StatusExtracted, []firestore.Update{
			{Path: "candidateVersion", Value: version},
		})
	})
}

// CommitVerdict atomically persists the verdict for the current candidate
// version and routes the document to validated or rejected.
func (s *DocumentStore) CommitVerdict(ctx context.Context, id string, verdict *models.ValidationVerdict) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.txGet(tx, id)
		if err != nil {
			return err
		}
		if doc.Status != models.StatusValidating {
			return fmt.Errorf("%w: document %s is %s, want %s", ErrStatusConflict, id, doc.Status, models.StatusValidating)
		}

		verdict.DocumentID = id
		verdict.CandidateVersion = doc.CandidateVersion
		if err := tx.Set(s.versionRef(id, "verdicts", doc.CandidateVersion), verdict); err != nil {
			return err
		}

		if verdict.Passed {
			return s.txAdvance(tx, id, doc, models.StatusValidated, nil)
		}
		return s.txAdvance(tx, id, doc, models.StatusRejected, []firestore.Update{
			{Path: "errorDetail", Value: summarizeDiscrepancies(verdict)},
		})
	})
}

// EnsurePayment returns the document's payment record, creating it (with a
// fresh idempotency key) inside the transaction on first call. The key is
// therefore durably persisted before any gateway call can observe it, and
// every retry sees the same record.
func (s *DocumentStore) EnsurePayment(ctx context.Context, id string, build func() *models.PaymentRecord) (*models.PaymentRecord, bool, error) {
	var rec *models.PaymentRecord
	var createdNew bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		rec, createdNew = nil, false
		doc, err := s.txGet(tx, id)
		if err != nil {
			return err
		}
		if doc.Status != models.StatusValidated && doc.Status != models.StatusPaymentScheduled {
			return fmt.Errorf("%w: document %s is %s, payment requires %s", ErrStatusConflict, id, doc.Status, models.StatusValidated)
		}

		if doc.PaymentID != "" {
			snap, err := tx.Get(s.paymentRef(id, doc.PaymentID))
			if err != nil {
				return fmt.Errorf("failed to read payment record %s: %w", doc.PaymentID, err)
			}
			existing := &models.PaymentRecord{}
			if err := snap.DataTo(existing); err != nil {
				return fmt.Errorf("failed to decode payment record: %w", err)
			}
			existing.ID = snap.Ref.ID
			if existing.Status != models.PaymentFailed {
				rec = existing
				return nil
			}
			// A failed attempt may be superseded; fall through and create a
			// replacement with a new key.
		}

		fresh := build()
		fresh.ID = uuid.NewString()
		fresh.DocumentID = id
		fresh.Status = models.PaymentPending
		fresh.CreatedAt = time.Now().UTC()
		if err := tx.Set(s.paymentRef(id, fresh.ID), fresh); err != nil {
			return err
		}
		if err := tx.Update(s.docRef(id), []firestore.Update{
			{Path: "paymentId", Value: fresh.ID},
			{Path: "updatedAt", Value: time.Now().UTC()},
		}); err != nil {
			return err
		}
		rec = fresh
		createdNew = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, createdNew, nil
}

// MarkPaymentSubmitted records gateway acceptance atomically with the move
// to payment_scheduled.
func (s *DocumentStore) MarkPaymentSubmitted(ctx context.Context, id, paymentID, requestCode string) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.txGet(tx, id)
		if err != nil {
			return err
		}
		if doc.Status != models.StatusValidated && doc.Status != models.StatusPaymentScheduled {
			return fmt.Errorf("%w: document %s is %s", ErrStatusConflict, id, doc.Status)
		}
		if err := tx.Update(s.paymentRef(id, paymentID), []firestore.Update{
			{Path: "status", Value: models.PaymentSubmitted},
			{Path: "gatewayRequestCode", Value: requestCode},
			{Path: "executedAt", Value: time.Now().UTC()},
		}); err != nil {
			return err
		}
		if doc.Status == models.StatusPaymentScheduled {
			return nil // resume after crash; transition already committed
		}
		return s.txAdvance(tx, id, doc, models.StatusPaymentScheduled, nil)
	})
}

// MarkPaymentSettled resolves a submitted payment to confirmed or failed and
// moves the document to its terminal status in the same write.
func (s *DocumentStore) MarkPaymentSettled(ctx context.Context, id, paymentID string, settled models.PaymentStatus, detail string) error {
	if settled != models.PaymentConfirmed && settled != models.PaymentFailed {
		return fmt.Errorf("settlement status must be confirmed or failed, got %s", settled)
	}
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.txGet(tx, id)
		if err != nil {
			return err
		}
		if doc.Status != models.StatusPaymentScheduled {
			return fmt.Errorf("%w: document %s is %s, want %s", ErrStatusConflict, id, doc.Status, models.StatusPaymentScheduled)
		}
		updates := []firestore.Update{{Path: "status", Value: settled}}
		if detail != "" {
			updates = append(updates, firestore.Update{Path: "errorMessage", Value: detail})
		}
		if err := tx.Update(s.paymentRef(id, paymentID), updates); err != nil {
			return err
		}
		target := models.StatusConfirmed
		var docUpdates []firestore.Update
		if settled == models.PaymentFailed {
			target = models.StatusFailed
			docUpdates = []firestore.Update{{Path: "errorDetail", Value: detail}}
		}
		return s.txAdvance(tx, id, doc, target, docUpdates)
	})
}

// MarkNeedsRetry records a retryable stage failure, bumps the stage's
// attempt counter and parks the document for the next worker pass. Returns
// the new attempt count.
func (s *DocumentStore) MarkNeedsRetry(ctx context.Context, id string, stage models.Stage, detail string) (int, error) {
	attempts := 0
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.txGet(tx, id)
		if err != nil {
			return err
		}
		if doc.Status.Terminal() {
			return fmt.Errorf("%w: document %s is terminal (%s)", ErrStatusConflict, id, doc.Status)
		}
		attempts = doc.Attempts(stage) + 1
		return s.txAdvance(tx, id, doc, models.StatusNeedsRetry, []firestore.Update{
			{Path: "retryCounts." + string(stage), Value: attempts},
			{Path: "needsRetryStage", Value: string(stage)},
			{Path: "errorDetail", Value: detail},
		})
	})
	return attempts, err
}

// MarkFailed moves the document to the terminal failed status.
func (s *DocumentStore) MarkFailed(ctx context.Context, id string, stage models.Stage, detail string) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.txGet(tx, id)
		if err != nil {
			return err
		}
		if doc.Status.Terminal() {
			return fmt.Errorf("%w: document %s is terminal (%s)", ErrStatusConflict, id, doc.Status)
		}
		return s.txAdvance(tx, id, doc, models.StatusFailed, []firestore.Update{
			{Path: "needsRetryStage", Value: string(stage)},
			{Path: "errorDetail", Value: detail},
		})
	})
}

// RequestCancel flags a document for cancellation. The controller honors the
// flag at the next stage boundary; a payment already submitted is past the
// point of no return and settles normally.
func (s *DocumentStore) RequestCancel(ctx context.Context, id string) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.txGet(tx, id)
		if err != nil {
			return err
		}
		if doc.Status.Terminal() {
			return fmt.Errorf("%w: document %s is terminal (%s)", ErrStatusConflict, id, doc.Status)
		}
		return tx.Update(s.docRef(id), []firestore.Update{
			{Path: "cancelRequested", Value: true},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
}

// MarkCancelled finalizes a cancellation at a stage boundary.
func (s *DocumentStore) MarkCancelled(ctx context.Context, id string) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.txGet(tx, id)
		if err != nil {
			return err
		}
		if doc.Status.Terminal() {
			return fmt.Errorf("%w: document %s is terminal (%s)", ErrStatusConflict, id, doc.Status)
		}
		if doc.Status == models.StatusPaymentScheduled {
			return fmt.Errorf("%w: document %s has a submitted payment, settle first", ErrStatusConflict, id)
		}
		return s.txAdvance(tx, id, doc, models.StatusCancelled, nil)
	})
}

// Candidate loads one extraction candidate version.
func (s *DocumentStore) Candidate(ctx context.Context, id string, version int) (*models.ExtractionCandidate, error) {
	snap, err := s.versionRef(id, "candidates", version).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read candidate v%d for %s: %w", version, id, err)
	}
	candidate := &models.ExtractionCandidate{}
	if err := snap.DataTo(candidate); err != nil {
		return nil, fmt.Errorf("failed to decode candidate: %w", err)
	}
	return candidate, nil
}

// Verdict loads the verdict for one candidate version.
func (s *DocumentStore) Verdict(ctx context.Context, id string, version int) (*models.ValidationVerdict, error) {
	snap, err := s.versionRef(id, "verdicts", version).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read verdict v%d for %s: %w", version, id, err)
	}
	verdict := &models.ValidationVerdict{}
	if err := snap.DataTo(verdict); err != nil {
		return nil, fmt.Errorf("failed to decode verdict: %w", err)
	}
	return verdict, nil
}

// Payment loads one payment record.
func (s *DocumentStore) Payment(ctx context.Context, id, paymentID string) (*models.PaymentRecord, error) {
	snap, err := s.paymentRef(id, paymentID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment %s for %s: %w", paymentID, id, err)
	}
	rec := &models.PaymentRecord{}
	if err := snap.DataTo(rec); err != nil {
		return nil, fmt.Errorf("failed to decode payment record: %w", err)
	}
	rec.ID = snap.Ref.ID
	return rec, nil
}

// AppendLog writes one audit entry. Best-effort from the caller's point of
// view but never silently dropped: failures surface as errors.
func (s *DocumentStore) AppendLog(ctx context.Context, entry *models.ProcessingLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, _, err := s.docRef(entry.DocumentID).Collection("log").Add(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to append processing log: %w", err)
	}
	return nil
}

// --- internals ---

func (s *DocumentStore) versionRef(id, kind string, version int) *firestore.DocumentRef {
	return s.docRef(id).Collection(kind).Doc(fmt.Sprintf("v%d", version))
}

func (s *DocumentStore) paymentRef(id, paymentID string) *firestore.DocumentRef {
	return s.docRef(id).Collection("payments").Doc(paymentID)
}

func (s *DocumentStore) txGet(tx *firestore.Transaction, id string) (*models.Document, error) {
	snap, err := tx.Get(s.docRef(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	return decodeDocument(snap)
}

// txAdvance commits a status transition plus any extra field updates in the
// enclosing transaction, appending to the audit trail of transitions.
func (s *DocumentStore) txAdvance(tx *firestore.Transaction, id string, doc *models.Document, to models.Status, extra []firestore.Update) error {
	now := time.Now().UTC()
	updates := append([]firestore.Update{
		{Path: "status", Value: to},
		{Path: "updatedAt", Value: now},
		{Path: "transitions", Value: firestore.ArrayUnion(models.StatusSnapshot{Status: to, At: now})},
	}, extra...)
	return tx.Update(s.docRef(id), updates)
}

func decodeDocument(snap *firestore.DocumentSnapshot) (*models.Document, error) {
	doc := &models.Document{}
	if err := snap.DataTo(doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
	}
	doc.ID = snap.Ref.ID
	return doc, nil
}

func statusIn(s models.Status, set []models.Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func summarizeDiscrepancies(v *models.ValidationVerdict) string {
	var parts []string
	for _, d := range v.Discrepancies {
		if d.Severity == models.SeverityBlocking {
			parts = append(parts, fmt.Sprintf("%s: %s", d.Field, d.Reason))
		}
	}
	return "validation rejected: " + strings.Join(parts, "; ")
}
