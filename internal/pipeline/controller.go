package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vvpay/vvpay/internal/extract"
	"github.com/vvpay/vvpay/internal/llm"
	"github.com/vvpay/vvpay/internal/models"
	"github.com/vvpay/vvpay/internal/store"
	"github.com/vvpay/vvpay/internal/validate"
)

// DocStore is the slice of the document store the controller drives.
type DocStore interface {
	Get(ctx context.Context, id string) (*models.Document, error)
	ListRunnable(ctx context.Context, limit int) ([]*models.Document, error)
	SetStatus(ctx context.Context, id string, from []models.Status, to models.Status) error
	CommitCandidate(ctx context.Context, id string, candidate *models.ExtractionCandidate) error
	CommitVerdict(ctx context.Context, id string, verdict *models.ValidationVerdict) error
	Candidate(ctx context.Context, id string, version int) (*models.ExtractionCandidate, error)
	Payment(ctx context.Context, id, paymentID string) (*models.PaymentRecord, error)
	MarkNeedsRetry(ctx context.Context, id string, stage models.Stage, detail string) (int, error)
	MarkFailed(ctx context.Context, id string, stage models.Stage, detail string) error
	MarkCancelled(ctx context.Context, id string) error
	AppendLog(ctx context.Context, entry *models.ProcessingLogEntry) error
}

// ReferenceSource serves consistent reference snapshots.
type ReferenceSource interface {
	Snapshot(ctx context.Context) (*store.Snapshot, error)
}

// BlobReader fetches uploaded PDFs.
type BlobReader interface {
	ReadObject(ctx context.Context, bucket, object string) ([]byte, error)
}

// TextExtractor turns PDF bytes into text chunks.
type TextExtractor interface {
	Extract(ctx context.Context, pdfBytes []byte) (*extract.Result, error)
}

// FieldExtractor turns text chunks into an extraction candidate.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, chunks []extract.Chunk, filename string) (*models.ExtractionCandidate, error)
}

// Validator produces the verdict for one candidate.
type Validator interface {
	Validate(candidate *models.ExtractionCandidate, refs validate.ReferenceLookup) *models.ValidationVerdict
}

// Payments dispatches and reconciles bank payments.
type Payments interface {
	Schedule(ctx context.Context, doc *models.Document, candidate *models.ExtractionCandidate, ref *models.ReferenceRecord) (*models.PaymentRecord, error)
	Reconcile(ctx context.Context, doc *models.Document, record *models.PaymentRecord) (bool, error)
}

// TextArchiver optionally persists extracted text for audit.
type TextArchiver interface {
	Save(ctx context.Context, name, content string) error
}

// Config tunes the controller.
type Config struct {
	// Concurrency bounds how many documents advance in parallel (default 4).
	Concurrency int
	// BatchSize bounds how many runnable documents one pass claims (default 20).
	BatchSize int
	// StageBudget is the maximum attempts per stage before the document is
	// failed (default 3).
	StageBudget int
	// PollInterval is the idle wait between worker passes (default 30s).
	PollInterval time.Duration
	// RetryBaseDelay and RetryMaxDelay bound the backoff before a parked
	// document is resumed (defaults 2s and 2m).
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.StageBudget <= 0 {
		c.StageBudget = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Minute
	}
	return c
}

// Controller is the pipeline's state machine driver. It owns every status
// transition after ingestion: each pass claims runnable documents and advances
// each one stage by stage until it parks (needs_retry, awaiting settlement) or
// reaches a terminal status. All stage outputs are committed through the
// document store's transactional methods, so the controller itself holds no
// state that a crash could lose.
type Controller struct {
	docs      DocStore
	refs      ReferenceSource
	blobs     BlobReader
	texts     TextExtractor
	fields    FieldExtractor
	validator Validator
	payments  Payments
	archive   TextArchiver // optional
	config    Config
	locks     *keyedMutex
}

func NewController(docs DocStore, refs ReferenceSource, blobs BlobReader, texts TextExtractor, fields FieldExtractor, validator Validator, payments Payments, config Config) *Controller {
	return &Controller{
		docs:      docs,
		refs:      refs,
		blobs:     blobs,
		texts:     texts,
		fields:    fields,
		validator: validator,
		payments:  payments,
		config:    config.withDefaults(),
		locks:     newKeyedMutex(),
	}
}

// WithTextArchive enables archiving of extracted text.
func (c *Controller) WithTextArchive(archive TextArchiver) *Controller {
	c.archive = archive
	return c
}

// Run executes worker passes until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := c.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Worker pass failed.", "error", err)
		}
		if err := sleepCtx(ctx, c.config.PollInterval); err != nil {
			return nil
		}
	}
}

// RunOnce claims one batch of runnable documents and advances each as far as
// it can go. A document's failure never cancels its siblings.
func (c *Controller) RunOnce(ctx context.Context) error {
	docs, err := c.docs.ListRunnable(ctx, c.config.BatchSize)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)
	for _, doc := range docs {
		if !c.locks.tryAcquire(doc.ID) {
			continue
		}
		id := doc.ID
		g.Go(func() error {
			defer c.locks.release(id)
			if err := c.ProcessDocument(ctx, id); err != nil {
				slog.Error("Document pass aborted.", "documentID", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ProcessDocument advances one document stage by stage until it parks or
// terminates. Each iteration re-reads the committed state, so resuming after
// a crash naturally skips work that already reached the store.
func (c *Controller) ProcessDocument(ctx context.Context, id string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := c.docs.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc.Status.Terminal() {
			return nil
		}

		// Cancellation is honored at stage boundaries only. A submitted
		// payment is past the point of no return and settles normally.
		if doc.CancelRequested && doc.Status != models.StatusPaymentScheduled {
			if err := c.docs.MarkCancelled(ctx, id); err != nil {
				if errors.Is(err, store.ErrStatusConflict) {
					continue
				}
				return err
			}
			c.log(ctx, id, stageFor(doc.Status), "cancelled", "cancellation requested by operator")
			return nil
		}

		var stepErr error
		switch doc.Status {
		case models.StatusUploaded:
			stepErr = c.docs.SetStatus(ctx, id, []models.Status{models.StatusUploaded}, models.StatusExtracting)
		case models.StatusNeedsRetry:
			stepErr = c.resumeRetry(ctx, doc)
		case models.StatusExtracting:
			stepErr = c.runExtraction(ctx, doc)
		case models.StatusExtracted:
			stepErr = c.docs.SetStatus(ctx, id, []models.Status{models.StatusExtracted}, models.StatusValidating)
		case models.StatusValidating:
			stepErr = c.runValidation(ctx, doc)
		case models.StatusValidated:
			stepErr = c.runPayment(ctx, doc)
		case models.StatusPaymentScheduled:
			final, err := c.runSettlement(ctx, doc)
			if err != nil {
				stepErr = err
			} else if !final {
				return nil // not on the statement yet; next pass polls again
			}
		default:
			return fmt.Errorf("document %s has unexpected status %s", id, doc.Status)
		}

		if stepErr != nil {
			return c.handleStageError(ctx, doc, stepErr)
		}
	}
}

// resumeRetry waits out the backoff for the parked stage and routes the
// document back to the status that stage runs from.
func (c *Controller) resumeRetry(ctx context.Context, doc *models.Document) error {
	attempts := doc.Attempts(doc.NeedsRetryStage)
	if err := sleepCtx(ctx, retryDelay(c.config.RetryBaseDelay, c.config.RetryMaxDelay, attempts)); err != nil {
		return err
	}
	return c.docs.SetStatus(ctx, doc.ID, []models.Status{models.StatusNeedsRetry}, resumeStatus(doc.NeedsRetryStage))
}

func resumeStatus(stage models.Stage) models.Status {
	switch stage {
	case models.StageValidation:
		return models.StatusValidating
	case models.StagePayment:
		return models.StatusValidated
	case models.StageSettlement:
		return models.StatusPaymentScheduled
	default: // extraction and llm both rerun the extracting stage
		return models.StatusExtracting
	}
}

func (c *Controller) runExtraction(ctx context.Context, doc *models.Document) error {
	bucket, object, err := parseGCSUri(doc.GCSUri)
	if err != nil {
		return &fatalError{err}
	}
	pdfBytes, err := c.blobs.ReadObject(ctx, bucket, object)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", doc.GCSUri, err)
	}

	result, err := c.texts.Extract(ctx, pdfBytes)
	if err != nil {
		return err
	}
	if result.PagesSkipped > 0 {
		slog.Warn("Some pages yielded no usable text.",
			"documentID", doc.ID, "skipped", result.PagesSkipped, "total", result.PagesTotal)
	}

	candidate, err := c.fields.ExtractFields(ctx, result.Chunks, doc.OriginalFilename)
	if err != nil {
		return err
	}

	if c.archive != nil {
		if err := c.archive.Save(ctx, doc.ID+".txt", joinText(result.Chunks)); err != nil {
			// Archival is audit convenience, never a reason to park the document.
			slog.Warn("Failed to archive extracted text.", "documentID", doc.ID, "error", err)
		}
	}

	if err := c.docs.CommitCandidate(ctx, doc.ID, candidate); err != nil {
		return err
	}
	c.log(ctx, doc.ID, models.StageLLM, "ok",
		fmt.Sprintf("candidate v%d: %s %s %s", candidate.Version, candidate.CNPJ, candidate.Competence, candidate.Amount))
	return nil
}

func (c *Controller) runValidation(ctx context.Context, doc *models.Document) error {
	if doc.CandidateVersion == 0 {
		return &fatalError{fmt.Errorf("document %s is validating but has no candidate", doc.ID)}
	}
	candidate, err := c.docs.Candidate(ctx, doc.ID, doc.CandidateVersion)
	if err != nil {
		return err
	}
	refs, err := c.refs.Snapshot(ctx)
	if err != nil {
		return err
	}

	verdict := c.validator.Validate(candidate, refs)
	if err := c.docs.CommitVerdict(ctx, doc.ID, verdict); err != nil {
		return err
	}
	if verdict.Passed {
		c.log(ctx, doc.ID, models.StageValidation, "passed",
			fmt.Sprintf("matched %s with confidence %.2f", verdict.ReferenceID, verdict.MatchConfidence))
	} else {
		c.log(ctx, doc.ID, models.StageValidation, "rejected", summarize(verdict))
	}
	return nil
}

func (c *Controller) runPayment(ctx context.Context, doc *models.Document) error {
	candidate, err := c.docs.Candidate(ctx, doc.ID, doc.CandidateVersion)
	if err != nil {
		return err
	}
	refs, err := c.refs.Snapshot(ctx)
	if err != nil {
		return err
	}
	ref, ok := refs.Lookup(candidate.CNPJ, candidate.Competence)
	if !ok {
		// The reference table changed since the verdict was committed. Route
		// back through validation for a fresh verdict against current data.
		slog.Warn("Reference record gone since validation, re-validating.", "documentID", doc.ID)
		return c.docs.SetStatus(ctx, doc.ID, []models.Status{models.StatusValidated}, models.StatusValidating)
	}

	record, err := c.payments.Schedule(ctx, doc, candidate, ref)
	if err != nil {
		return err
	}
	c.log(ctx, doc.ID, models.StagePayment, "submitted",
		fmt.Sprintf("payment %s request %s", record.ID, record.GatewayRequestCode))
	return nil
}

func (c *Controller) runSettlement(ctx context.Context, doc *models.Document) (bool, error) {
	if doc.PaymentID == "" {
		return false, &fatalError{fmt.Errorf("document %s is payment_scheduled but has no payment record", doc.ID)}
	}
	record, err := c.docs.Payment(ctx, doc.ID, doc.PaymentID)
	if err != nil {
		return false, err
	}
	final, err := c.payments.Reconcile(ctx, doc, record)
	if err != nil {
		return false, err
	}
	if final {
		c.log(ctx, doc.ID, models.StageSettlement, "settled", "payment "+record.ID)
	}
	return final, nil
}

// handleStageError routes a stage failure: status conflicts mean another
// actor already advanced the document and are not failures; terminal errors
// fail the document immediately; retryable errors park it until the stage
// budget is exhausted.
func (c *Controller) handleStageError(ctx context.Context, doc *models.Document, stageErr error) error {
	if errors.Is(stageErr, store.ErrStatusConflict) {
		slog.Info("Status moved under us, deferring to committed state.", "documentID", doc.ID)
		return nil
	}
	if ctx.Err() != nil {
		return stageErr
	}

	stage := stageForError(doc.Status, stageErr)
	if !isRetryable(stageErr) {
		detail := fmt.Sprintf("%s: %v", stage, stageErr)
		if err := c.docs.MarkFailed(ctx, doc.ID, stage, detail); err != nil {
			return err
		}
		c.log(ctx, doc.ID, stage, "failed", detail)
		return nil
	}

	attempts := doc.Attempts(stage) + 1
	if attempts >= c.config.StageBudget {
		detail := fmt.Sprintf("%s failed after %d attempts: %v", stage, attempts, stageErr)
		if err := c.docs.MarkFailed(ctx, doc.ID, stage, detail); err != nil {
			return err
		}
		c.log(ctx, doc.ID, stage, "failed", detail)
		return nil
	}

	if _, err := c.docs.MarkNeedsRetry(ctx, doc.ID, stage, stageErr.Error()); err != nil {
		return err
	}
	c.log(ctx, doc.ID, stage, "retry",
		fmt.Sprintf("attempt %d/%d: %v", attempts, c.config.StageBudget, stageErr))
	return nil
}

func (c *Controller) log(ctx context.Context, id string, stage models.Stage, outcome, detail string) {
	err := c.docs.AppendLog(ctx, &models.ProcessingLogEntry{
		DocumentID: id,
		Stage:      stage,
		Outcome:    outcome,
		Detail:     detail,
	})
	if err != nil {
		slog.Warn("Failed to append processing log.", "documentID", id, "error", err)
	}
}

// stageFor maps a status to the stage that runs from it.
func stageFor(status models.Status) models.Stage {
	switch status {
	case models.StatusValidating:
		return models.StageValidation
	case models.StatusValidated:
		return models.StagePayment
	case models.StatusPaymentScheduled:
		return models.StageSettlement
	default:
		return models.StageExtraction
	}
}

// stageForError refines the stage attribution: a failure inside the
// extracting stage counts against the llm budget when the model produced it,
// against extraction otherwise.
func stageForError(status models.Status, err error) models.Stage {
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return models.StageLLM
	}
	return stageFor(status)
}

// fatalError wraps an error that must never be retried.
type fatalError struct{ err error }

func (e *fatalError) Error() string   { return e.err.Error() }
func (e *fatalError) Unwrap() error   { return e.err }
func (e *fatalError) Retryable() bool { return false }

// isRetryable consults the error's own classification when it has one.
// Unclassified errors (store writes, network reads) default to retryable;
// unreadable PDFs are permanently broken input.
func isRetryable(err error) bool {
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	var unreadable *extract.UnreadableError
	return !errors.As(err, &unreadable)
}

func joinText(chunks []extract.Chunk) string {
	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		parts[i] = chunk.Text
	}
	return strings.Join(parts, "\n")
}

func summarize(v *models.ValidationVerdict) string {
	if len(v.Discrepancies) == 0 {
		return "no discrepancies"
	}
	parts := make([]string, 0, len(v.Discrepancies))
	for _, d := range v.Discrepancies {
		parts = append(parts, fmt.Sprintf("%s=%s(%s)", d.Field, d.Reason, d.Severity))
	}
	return strings.Join(parts, "; ")
}
