package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/vvpay/vvpay/internal/models"
)

// Snapshot is one immutable, consistent view of the reference table. A
// validation pass holds a single snapshot for its whole computation, so a
// concurrent refresh can never split one verdict across two reference states.
type Snapshot struct {
	byKey map[string]*models.ReferenceRecord
}

func refKey(cnpj, competence string) string {
	return cnpj + "|" + competence
}

// Lookup resolves the reference record for (normalized CNPJ, competence).
func (s *Snapshot) Lookup(cnpj, competence string) (*models.ReferenceRecord, bool) {
	rec, ok := s.byKey[refKey(cnpj, competence)]
	return rec, ok
}

// Len reports the number of loaded records.
func (s *Snapshot) Len() int { return len(s.byKey) }

// ReferenceStore loads the authoritative meta collection wholesale and serves
// immutable snapshots of it. Read-mostly: Refresh may run concurrently with
// validation without affecting verdicts already in flight.
type ReferenceStore struct {
	client     *firestore.Client
	collection string

	mu      sync.RWMutex
	current *Snapshot
}

func NewReferenceStore(client *firestore.Client, collection string) *ReferenceStore {
	if collection == "" {
		collection = "meta"
	}
	return &ReferenceStore{client: client, collection: collection}
}

// Refresh loads the full meta collection and atomically swaps the served
// snapshot. Records with malformed keys are skipped and logged, never
// silently half-loaded.
func (r *ReferenceStore) Refresh(ctx context.Context) error {
	byKey := make(map[string]*models.ReferenceRecord)

	it := r.client.Collection(r.collection).Documents(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list meta records: %w", err)
		}

		rec := &models.ReferenceRecord{}
		if err := snap.DataTo(rec); err != nil {
			slog.Warn("Skipping undecodable meta record.", "id", snap.Ref.ID, "error", err)
			continue
		}
		rec.ID = snap.Ref.ID

		cnpj, err := models.NormalizeCNPJ(rec.CNPJ)
		if err != nil {
			slog.Warn("Skipping meta record with invalid CNPJ.", "id", snap.Ref.ID, "error", err)
			continue
		}
		competence, err := models.NormalizeCompetence(rec.Competence)
		if err != nil {
			slog.Warn("Skipping meta record with invalid competence.", "id", snap.Ref.ID, "error", err)
			continue
		}
		rec.CNPJ = cnpj
		rec.Competence = competence
		byKey[refKey(cnpj, competence)] = rec
	}

	r.mu.Lock()
	r.current = &Snapshot{byKey: byKey}
	r.mu.Unlock()
	slog.Info("Reference table refreshed.", "records", len(byKey))
	return nil
}

// Snapshot returns the currently served reference view, loading it on first
// use.
func (r *ReferenceStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	r.mu.RLock()
	current := r.current
	r.mu.RUnlock()
	if current != nil {
		return current, nil
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, nil
}

// NewSnapshot builds an in-memory snapshot directly from records. Used by
// tests and by the meta importer's dry-run mode.
func NewSnapshot(records []*models.ReferenceRecord) *Snapshot {
	byKey := make(map[string]*models.ReferenceRecord, len(records))
	for _, rec := range records {
		byKey[refKey(rec.CNPJ, rec.Competence)] = rec
	}
	return &Snapshot{byKey: byKey}
}
