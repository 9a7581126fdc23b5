package pipeline

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/vvpay/vvpay/internal/gcp"
)

// GCSBlobs adapts a storage client to the controller's BlobReader.
type GCSBlobs struct {
	Client *storage.Client
}

func (g *GCSBlobs) ReadObject(ctx context.Context, bucket, object string) ([]byte, error) {
	return gcp.ReadObject(ctx, g.Client, bucket, object)
}

// GCSTextArchive stores extracted invoice text next to the pipeline for audit
// and reprocessing. Writes are conditional on absence, so re-runs of the
// extraction stage never clobber the archived copy.
type GCSTextArchive struct {
	Bucket *storage.BucketHandle
}

func (g *GCSTextArchive) Save(ctx context.Context, name, content string) error {
	return gcp.SaveObjectIfAbsent(ctx, g.Bucket, name, content)
}

// parseGCSUri splits "gs://bucket/path/to/object" into bucket and object.
func parseGCSUri(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gcs uri: %q", uri)
	}
	return bucket, object, nil
}
