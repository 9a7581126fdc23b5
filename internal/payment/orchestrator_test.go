package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vvpay/vvpay/internal/models"
)

type fakeRecordStore struct {
	record    *models.PaymentRecord
	submitted []string
	settled   []models.PaymentStatus
}

func (f *fakeRecordStore) EnsurePayment(_ context.Context, id string, build func() *models.PaymentRecord) (*models.PaymentRecord, bool, error) {
	if f.record != nil {
		return f.record, false, nil
	}
	rec := build()
	rec.ID = "pay-1"
	rec.DocumentID = id
	rec.Status = models.PaymentPending
	f.record = rec
	return rec, true, nil
}

func (f *fakeRecordStore) MarkPaymentSubmitted(_ context.Context, _, _ string, requestCode string) error {
	f.submitted = append(f.submitted, requestCode)
	f.record.Status = models.PaymentSubmitted
	f.record.GatewayRequestCode = requestCode
	return nil
}

func (f *fakeRecordStore) MarkPaymentSettled(_ context.Context, _, _ string, settled models.PaymentStatus, _ string) error {
	f.settled = append(f.settled, settled)
	f.record.Status = settled
	return nil
}

type fakeGateway struct {
	submissions []PixInstruction
	submitErr   error
	entries     []StatementEntry
}

func (f *fakeGateway) SubmitPix(_ context.Context, instr PixInstruction) (*PixResult, error) {
	f.submissions = append(f.submissions, instr)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &PixResult{ReturnType: "PROCESSADO", RequestCode: "req-1"}, nil
}

func (f *fakeGateway) Statement(_ context.Context, _, _ time.Time) ([]StatementEntry, error) {
	return f.entries, nil
}

func testDoc() *models.Document {
	return &models.Document{ID: "doc-1", Status: models.StatusValidated}
}

func testCandidate() *models.ExtractionCandidate {
	return &models.ExtractionCandidate{
		DocumentID: "doc-1",
		CNPJ:       "12345678000199",
		Amount:     "1000.00",
		PayeeName:  "Acme",
		Competence: "2025-03",
	}
}

func testRef() *models.ReferenceRecord {
	return &models.ReferenceRecord{ID: "ref-1", PixKey: "acme@example.com"}
}

func keyGen() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("key-%d", n)
	}
}

func TestScheduleCreatesRecordBeforeSubmitting(t *testing.T) {
	store := &fakeRecordStore{}
	gateway := &fakeGateway{}
	orch := NewOrchestrator(store, gateway, keyGen())

	record, err := orch.Schedule(context.Background(), testDoc(), testCandidate(), testRef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != models.PaymentSubmitted || record.GatewayRequestCode != "req-1" {
		t.Fatalf("record not updated: %+v", record)
	}
	if len(gateway.submissions) != 1 {
		t.Fatalf("expected one submission, got %d", len(gateway.submissions))
	}
	if gateway.submissions[0].IdempotencyKey != record.IdempotencyKey {
		t.Fatal("gateway saw a different idempotency key than the persisted one")
	}
}

func TestScheduleReusesKeyAcrossRetries(t *testing.T) {
	store := &fakeRecordStore{}
	gateway := &fakeGateway{submitErr: &Error{Kind: KindUnavailable, Err: errors.New("503")}}
	orch := NewOrchestrator(store, gateway, keyGen())

	// First attempt fails after the record is persisted.
	if _, err := orch.Schedule(context.Background(), testDoc(), testCandidate(), testRef()); err == nil {
		t.Fatal("expected gateway error")
	}
	firstKey := store.record.IdempotencyKey

	// The retry must present the same key, not mint a second one.
	gateway.submitErr = nil
	record, err := orch.Schedule(context.Background(), testDoc(), testCandidate(), testRef())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if record.IdempotencyKey != firstKey {
		t.Fatalf("retry minted a new key: %q vs %q", record.IdempotencyKey, firstKey)
	}
	if len(gateway.submissions) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(gateway.submissions))
	}
	if gateway.submissions[0].IdempotencyKey != gateway.submissions[1].IdempotencyKey {
		t.Fatal("submissions carried different idempotency keys")
	}
}

func TestScheduleSkipsGatewayWhenAlreadySubmitted(t *testing.T) {
	store := &fakeRecordStore{record: &models.PaymentRecord{
		ID: "pay-1", DocumentID: "doc-1", IdempotencyKey: "key-old",
		Status: models.PaymentSubmitted, GatewayRequestCode: "req-old",
	}}
	gateway := &fakeGateway{}
	orch := NewOrchestrator(store, gateway, keyGen())

	record, err := orch.Schedule(context.Background(), testDoc(), testCandidate(), testRef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gateway.submissions) != 0 {
		t.Fatal("already-submitted payment must not hit the gateway again")
	}
	if record.GatewayRequestCode != "req-old" {
		t.Fatalf("existing record not returned: %+v", record)
	}
}

func TestScheduleRejectsMissingPixKey(t *testing.T) {
	orch := NewOrchestrator(&fakeRecordStore{}, &fakeGateway{}, keyGen())
	ref := testRef()
	ref.PixKey = ""

	_, err := orch.Schedule(context.Background(), testDoc(), testCandidate(), ref)
	var perr *Error
	if !errors.As(err, &perr) || perr.Retryable() {
		t.Fatalf("missing pix key must be a terminal error, got %v", err)
	}
}

func submittedRecord() *models.PaymentRecord {
	return &models.PaymentRecord{
		ID: "pay-1", DocumentID: "doc-1", IdempotencyKey: "key-1",
		Status: models.PaymentSubmitted, GatewayRequestCode: "req-1",
		ScheduledFor: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestReconcileConfirmsOnStatementMatch(t *testing.T) {
	store := &fakeRecordStore{record: submittedRecord()}
	gateway := &fakeGateway{entries: []StatementEntry{
		{EntryDate: "2025-03-10", OperationType: "D", Amount: "1000.00", Description: "PIX enviado req-1"},
	}}
	orch := NewOrchestrator(store, gateway, keyGen())

	final, err := orch.Reconcile(context.Background(), testDoc(), store.record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !final {
		t.Fatal("expected settlement to be final")
	}
	if len(store.settled) != 1 || store.settled[0] != models.PaymentConfirmed {
		t.Fatalf("expected confirmed settlement, got %v", store.settled)
	}
}

func TestReconcileDetectsReversal(t *testing.T) {
	store := &fakeRecordStore{record: submittedRecord()}
	gateway := &fakeGateway{entries: []StatementEntry{
		{EntryDate: "2025-03-11", OperationType: "C", Amount: "1000.00", Description: "Estorno PIX req-1"},
	}}
	orch := NewOrchestrator(store, gateway, keyGen())

	final, err := orch.Reconcile(context.Background(), testDoc(), store.record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !final {
		t.Fatal("reversal should be final")
	}
	if store.settled[0] != models.PaymentFailed {
		t.Fatalf("expected failed settlement, got %v", store.settled)
	}
}

func TestReconcileStaysPendingWhenNotOnStatement(t *testing.T) {
	store := &fakeRecordStore{record: submittedRecord()}
	gateway := &fakeGateway{entries: []StatementEntry{
		{EntryDate: "2025-03-10", OperationType: "D", Amount: "9.99", Description: "unrelated"},
	}}
	orch := NewOrchestrator(store, gateway, keyGen())

	final, err := orch.Reconcile(context.Background(), testDoc(), store.record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final {
		t.Fatal("payment absent from the statement must stay pending")
	}
	if len(store.settled) != 0 {
		t.Fatalf("nothing should be settled, got %v", store.settled)
	}
}
