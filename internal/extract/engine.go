package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Chunk is one bounded piece of recovered invoice text, tagged with the page
// it came from.
type Chunk struct {
	Page int
	Text string
}

// Result is the outcome of text recovery for one document. PagesSkipped
// counts pages that failed to parse or decoded to garbage; they are flagged,
// not fatal, as long as at least one page yields text.
type Result struct {
	Chunks       []Chunk
	PagesTotal   int
	PagesSkipped int
}

// UnreadableError means zero pages yielded usable text. Terminal: retrying
// extraction on the same bytes cannot succeed.
type UnreadableError struct {
	Pages int
	Err   error
}

func (e *UnreadableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no text could be recovered from any of %d pages: %v", e.Pages, e.Err)
	}
	return fmt.Sprintf("no text could be recovered from any of %d pages", e.Pages)
}

func (e *UnreadableError) Unwrap() error { return e.Err }

// Config bounds the engine's output so downstream LLM cost stays capped.
type Config struct {
	MaxPages      int // pages beyond this are ignored (default 20)
	ChunkSize     int // target chunk size in bytes (default 2000)
	ChunkOverlap  int // overlap between chunks of one page (default 200)
	MaxTotalBytes int // hard cap across all chunks (default 40000)
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 2000
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = 200
	}
	if c.MaxTotalBytes <= 0 {
		c.MaxTotalBytes = 40000
	}
	return c
}

// Engine converts PDF bytes into text chunks. It has no persistence side
// effects; all it produces is the Result.
type Engine struct {
	config Config
}

func NewEngine(config Config) *Engine {
	return &Engine{config: config.withDefaults()}
}

// Extract recovers text from every readable page of the PDF. Malformed pages
// are skipped and counted. It fails with UnreadableError only when zero pages
// yield text.
func (e *Engine) Extract(ctx context.Context, pdfBytes []byte) (*Result, error) {
	// Relaxed validation: scanned invoices are frequently produced by broken
	// generators and strict mode rejects too many of them.
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(pdfBytes), cfg)
	if err != nil {
		return nil, &UnreadableError{Err: fmt.Errorf("failed to validate/optimize PDF: %w", err)}
	}

	pageCount := pdfCtx.PageCount
	result := &Result{PagesTotal: pageCount}
	pages := pageCount
	if pages > e.config.MaxPages {
		slog.Warn("Page count exceeds cap, ignoring overflow pages.", "pageCount", pageCount, "maxPages", e.config.MaxPages)
		pages = e.config.MaxPages
	}

	var total int
	for page := 1; page <= pages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, err := extractPageText(pdfCtx, page)
		if err != nil || !usableText(text) {
			if err != nil {
				slog.Warn("Skipping unreadable page.", "page", page, "error", err)
			}
			result.PagesSkipped++
			continue
		}

		for _, piece := range splitText(text, e.config.ChunkSize, e.config.ChunkOverlap) {
			if total >= e.config.MaxTotalBytes {
				break
			}
			if total+len(piece) > e.config.MaxTotalBytes {
				piece = piece[:e.config.MaxTotalBytes-total]
			}
			result.Chunks = append(result.Chunks, Chunk{Page: page, Text: piece})
			total += len(piece)
		}
	}

	if len(result.Chunks) == 0 {
		return nil, &UnreadableError{Pages: pageCount}
	}
	return result, nil
}

func extractPageText(pdfCtx *model.Context, page int) (string, error) {
	r, err := pdfcpu.ExtractPageContent(pdfCtx, page)
	if err != nil {
		return "", fmt.Errorf("page %d: %w", page, err)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("page %d: %w", page, err)
	}
	return decodeContentText(content), nil
}

// splitText cuts text into chunks of at most size bytes with the given
// overlap, preferring to break on whitespace near the boundary.
func splitText(text string, size, overlap int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var out []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			out = append(out, text[start:])
			break
		}
		cut := end
		if idx := strings.LastIndexAny(text[start:end], " \n\t"); idx > size/2 {
			cut = start + idx
		}
		out = append(out, text[start:cut])
		// The cursor must always move forward; a whitespace cut close to the
		// start would otherwise rewind past it when the overlap is large.
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return out
}

// usableText rejects decoded streams that are mostly binary noise, which is
// what CID-keyed fonts degrade to under naive string decoding.
func usableText(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return false
	}
	var printable int
	for _, r := range s {
		if r == '\n' || r == '\t' || (r >= 0x20 && r != 0xFFFD) {
			printable++
		}
	}
	return float64(printable)/float64(len([]rune(s))) > 0.85
}
