package models

import "time"

// ProcessingLogEntry is one append-only audit record. Entries live in the
// documents/{id}/log subcollection and are never mutated or deleted.
type ProcessingLogEntry struct {
	DocumentID string    `firestore:"documentId"`
	Stage      Stage     `firestore:"stage"`
	Outcome    string    `firestore:"outcome"`
	Detail     string    `firestore:"detail,omitempty"`
	Timestamp  time.Time `firestore:"timestamp"`
}
