package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// singlePagePDF builds a minimal one-page PDF whose content stream shows the
// given text, with a correct xref table so the parser accepts it as-is.
func singlePagePDF(text string) []byte {
	stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, 0, len(objects))
	for i, obj := range objects {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xrefOffset)
	return buf.Bytes()
}

func TestExtractRecoversTextFromSinglePagePDF(t *testing.T) {
	pdf := singlePagePDF("NOTA FISCAL No 1042 Valor Total R$ 1.234,56")
	engine := NewEngine(Config{})

	result, err := engine.Extract(context.Background(), pdf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PagesTotal != 1 || result.PagesSkipped != 0 {
		t.Fatalf("got %d pages with %d skipped", result.PagesTotal, result.PagesSkipped)
	}

	var all strings.Builder
	for _, c := range result.Chunks {
		if c.Page != 1 {
			t.Fatalf("chunk tagged with page %d", c.Page)
		}
		all.WriteString(c.Text)
	}
	if !strings.Contains(all.String(), "Valor Total R$ 1.234,56") {
		t.Fatalf("recovered text missing the amount: %q", all.String())
	}
}

func TestExtractNonPDFBytesIsUnreadable(t *testing.T) {
	engine := NewEngine(Config{})

	_, err := engine.Extract(context.Background(), []byte("plain text, no PDF header"))
	var unreadable *UnreadableError
	if !errors.As(err, &unreadable) {
		t.Fatalf("expected UnreadableError, got %v", err)
	}
}

func TestSplitTextAdvancesWithLargeOverlap(t *testing.T) {
	// A whitespace cut close to the chunk start used to rewind the cursor
	// whenever the overlap exceeded the cut distance.
	words := strings.Repeat("nota fiscal valor ", 500)
	chunks := splitText(words, 300, 200)

	if len(chunks) == 0 {
		t.Fatal("no chunks returned")
	}
	if last := chunks[len(chunks)-1]; !strings.HasSuffix(words, last) {
		t.Fatalf("last chunk does not reach the end of the input: %q", last)
	}
	if len(chunks) > len(words)/50 {
		t.Fatalf("%d chunks for %d bytes means the cursor barely advanced", len(chunks), len(words))
	}
}
