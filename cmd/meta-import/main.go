package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/vvpay/vvpay/internal/gcp"
	"github.com/vvpay/vvpay/internal/models"
	"github.com/vvpay/vvpay/internal/store"
)

// meta-import loads the provider reference table from a CSV export into the
// meta collection. Rows are upserted under a deterministic document ID, so
// re-running the import is safe.
//
// Expected header: cnpj,competence,expected_amount,payee,pix_key,payment_type,active
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var (
		file       = flag.String("file", "", "path to the reference CSV")
		collection = flag.String("collection", gcp.GetEnv("META_COLLECTION", "meta"), "target Firestore collection")
		dryRun     = flag.Bool("dry-run", false, "parse and report without writing")
	)
	flag.Parse()

	if *file == "" {
		slog.Error("-file is required")
		os.Exit(1)
	}

	records, skipped, err := parseCSV(*file)
	if err != nil {
		slog.Error("Failed to parse reference CSV.", "error", err)
		os.Exit(1)
	}
	slog.Info("Parsed reference CSV.", "records", len(records), "skipped", skipped)

	if *dryRun {
		snapshot := store.NewSnapshot(records)
		slog.Info("Dry run complete, nothing written.", "uniqueKeys", snapshot.Len())
		return
	}

	ctx := context.Background()
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		slog.Error("PROJECT_ID environment variable must be set")
		os.Exit(1)
	}
	client, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		slog.Error("Failed to create firestore client.", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	for _, rec := range records {
		docID := rec.CNPJ + "_" + rec.Competence
		if _, err := client.Collection(*collection).Doc(docID).Set(ctx, rec); err != nil {
			slog.Error("Failed to write reference record.", "id", docID, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Reference table imported.", "records", len(records), "collection", *collection)
}

func parseCSV(path string) ([]*models.ReferenceRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"cnpj", "competence", "expected_amount"} {
		if _, ok := col[required]; !ok {
			return nil, 0, fmt.Errorf("missing required column %q", required)
		}
	}

	var records []*models.ReferenceRecord
	skipped := 0
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, 0, fmt.Errorf("line %d: %w", line, err)
		}

		rec, err := rowToRecord(row, col)
		if err != nil {
			slog.Warn("Skipping invalid reference row.", "line", line, "error", err)
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func rowToRecord(row []string, col map[string]int) (*models.ReferenceRecord, error) {
	field := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	cnpj, err := models.NormalizeCNPJ(field("cnpj"))
	if err != nil {
		return nil, err
	}
	competence, err := models.NormalizeCompetence(field("competence"))
	if err != nil {
		return nil, err
	}
	amount, err := models.ParseAmount(field("expected_amount"))
	if err != nil {
		return nil, err
	}

	rec := &models.ReferenceRecord{
		CNPJ:           cnpj,
		Competence:     competence,
		ExpectedAmount: models.CanonicalAmount(amount),
		ExpectedPayee:  field("payee"),
		PixKey:         field("pix_key"),
		Active:         true,
	}
	if pt := field("payment_type"); pt != "" {
		if !models.ValidPaymentType(pt) {
			return nil, fmt.Errorf("unknown payment type %q", pt)
		}
		rec.PaymentType = models.PaymentType(pt)
	}
	if active := strings.ToLower(field("active")); active == "false" || active == "0" || active == "no" {
		rec.Active = false
	}
	return rec, nil
}
