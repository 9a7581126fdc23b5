package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/vvpay/vvpay/internal/ingest"
)

var (
	ingestorInstance *ingest.Ingestor
	once             sync.Once
	initErr          error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("IngestInvoice", ingestInvoice)
}

// main is required by the Go Functions Framework.
func main() {}

// ingestInvoice is the Cloud Function entry point for upload notifications.
func ingestInvoice(ctx context.Context, e cloudevents.Event) error {
	// One-time client initialization, shared across invocations.
	once.Do(func() {
		ingestorInstance, initErr = ingest.NewIngestor(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent ingest.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return ingestorInstance.Process(ctx, gcsEvent)
}
