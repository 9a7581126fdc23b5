package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/vvpay/vvpay/internal/gcp"
	"github.com/vvpay/vvpay/internal/models"
	"github.com/vvpay/vvpay/internal/store"
)

// GCSEvent is the storage-notification payload delivered when an invoice PDF
// lands in the upload bucket.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Config holds ingestion settings.
type Config struct {
	ProjectID      string
	CollectionName string
}

// Ingestor registers uploaded invoices. It does the minimum needed to get a
// durable, de-duplicated document record: everything heavier (PDF parsing,
// model calls) belongs to the pipeline worker, where it can be retried.
type Ingestor struct {
	storageClient *storage.Client
	documents     *store.DocumentStore
	config        Config
}

// NewIngestor wires the ingestion clients from the environment.
func NewIngestor(ctx context.Context) (*Ingestor, error) {
	config := Config{
		ProjectID:      gcp.GetEnv("PROJECT_ID", ""),
		CollectionName: gcp.GetEnv("FIRESTORE_COLLECTION", "documents"),
	}
	if config.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	slog.Info("Invoice ingestor initialized.", "collection", config.CollectionName)
	return &Ingestor{
		storageClient: storageClient,
		documents:     store.NewDocumentStore(firestoreClient, config.CollectionName),
		config:        config,
	}, nil
}

// Process handles one uploaded object: hash it, register the document record
// unless the same content was seen before. Non-PDF uploads are skipped with a
// warning rather than failed, since bucket notifications cover every object.
func (i *Ingestor) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing uploaded object.")

	if !strings.EqualFold(path.Ext(e.Name), ".pdf") {
		logCtx.Warn("Ignoring non-PDF upload.")
		return nil
	}

	fileHash, err := gcp.HashObject(ctx, i.storageClient, e.Bucket, e.Name)
	if err != nil {
		logCtx.Error("Failed to hash uploaded object.", "error", err)
		return fmt.Errorf("failed to hash gs://%s/%s: %w", e.Bucket, e.Name, err)
	}
	logCtx = logCtx.With("fileHash", fileHash)

	created, docID, err := i.documents.Create(ctx, &models.Document{
		FileHash:         fileHash,
		OriginalFilename: path.Base(e.Name),
		GCSUri:           fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name),
	})
	if err != nil {
		logCtx.Error("Failed to register document.", "error", err)
		return err
	}
	if !created {
		logCtx.Info("Duplicate upload detected. Skipping.", "existingDocId", docID)
		return nil
	}

	logCtx.Info("Registered invoice for processing.", "documentId", docID)
	return nil
}
