package pipeline

import "testing"

func TestParseGCSUri(t *testing.T) {
	bucket, object, err := parseGCSUri("gs://uploads/2025/nf_1042.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "uploads" || object != "2025/nf_1042.pdf" {
		t.Fatalf("got %q / %q", bucket, object)
	}

	for _, bad := range []string{"", "http://uploads/x.pdf", "gs://", "gs://bucket", "gs://bucket/"} {
		if _, _, err := parseGCSUri(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
