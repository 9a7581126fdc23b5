package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/vvpay/vvpay/internal/extract"
	"github.com/vvpay/vvpay/internal/gcp"
	"github.com/vvpay/vvpay/internal/llm"
	"github.com/vvpay/vvpay/internal/payment"
	"github.com/vvpay/vvpay/internal/pipeline"
	"github.com/vvpay/vvpay/internal/store"
	"github.com/vvpay/vvpay/internal/validate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Worker exited with error.", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		slog.Error("PROJECT_ID environment variable must be set")
		os.Exit(1)
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return err
	}
	defer firestoreClient.Close()

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return err
	}
	defer storageClient.Close()

	vertexClient, err := gcp.NewVertexClient(ctx, projectID,
		gcp.GetEnv("VERTEX_REGION", "us-central1"),
		gcp.GetEnv("VERTEX_MODEL", ""))
	if err != nil {
		return err
	}
	defer vertexClient.Close()

	interClient, err := payment.NewInterClient(payment.InterConfig{
		BaseURL:       gcp.GetEnv("INTER_BASE_URL", ""),
		ClientID:      gcp.GetEnv("INTER_CLIENT_ID", ""),
		ClientSecret:  gcp.GetEnv("INTER_CLIENT_SECRET", ""),
		CertFile:      gcp.GetEnv("INTER_CERT_FILE", ""),
		KeyFile:       gcp.GetEnv("INTER_KEY_FILE", ""),
		AccountNumber: gcp.GetEnv("INTER_ACCOUNT", ""),
	})
	if err != nil {
		return err
	}

	documents := store.NewDocumentStore(firestoreClient, gcp.GetEnv("FIRESTORE_COLLECTION", "documents"))
	references := store.NewReferenceStore(firestoreClient, gcp.GetEnv("META_COLLECTION", "meta"))
	orchestrator := payment.NewOrchestrator(documents, interClient, uuid.NewString)

	controller := pipeline.NewController(
		documents,
		references,
		&pipeline.GCSBlobs{Client: storageClient},
		extract.NewEngine(extract.Config{}),
		llm.NewExtractor(vertexClient.ExtractorModel, llm.Config{}),
		validate.NewEngine(validate.Config{
			AbsTolerance:    gcp.GetEnv("AMOUNT_ABS_TOLERANCE", "0.10"),
			RelTolerance:    gcp.GetEnv("AMOUNT_REL_TOLERANCE", "0"),
			ConfidenceFloor: envFloat("CONFIDENCE_FLOOR", 0.60),
		}),
		orchestrator,
		pipeline.Config{
			Concurrency:  envInt("WORKER_CONCURRENCY", 4),
			BatchSize:    envInt("WORKER_BATCH_SIZE", 20),
			StageBudget:  envInt("STAGE_BUDGET", 3),
			PollInterval: envDuration("POLL_INTERVAL", 30*time.Second),
		},
	)

	if archiveBucket := gcp.GetEnv("TEXT_ARCHIVE_BUCKET", ""); archiveBucket != "" {
		controller.WithTextArchive(&pipeline.GCSTextArchive{
			Bucket: storageClient.Bucket(archiveBucket),
		})
	}

	go refreshReferences(ctx, references, envDuration("META_REFRESH_INTERVAL", 10*time.Minute))

	slog.Info("Pipeline worker started.", "projectID", projectID)
	return controller.Run(ctx)
}

// refreshReferences keeps the reference snapshot current while the worker
// runs. A failed refresh keeps serving the previous snapshot.
func refreshReferences(ctx context.Context, references *store.ReferenceStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := references.Refresh(ctx); err != nil {
				slog.Warn("Reference refresh failed, keeping previous snapshot.", "error", err)
			}
		}
	}
}

func envInt(key string, fallback int) int {
	if v := gcp.GetEnv(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		slog.Warn("Ignoring invalid integer environment value.", "key", key)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := gcp.GetEnv(key, ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
		slog.Warn("Ignoring invalid float environment value.", "key", key)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := gcp.GetEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		slog.Warn("Ignoring invalid duration environment value.", "key", key)
	}
	return fallback
}
