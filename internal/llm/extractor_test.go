package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/vertexai/genai"

	"github.com/vvpay/vvpay/internal/extract"
	"github.com/vvpay/vvpay/internal/models"
)

type fakeModel struct {
	responses []string // one per call; empty string means a transport error
	calls     int
}

func (f *fakeModel) GenerateContent(_ context.Context, _ ...genai.Part) (*genai.GenerateContentResponse, error) {
	if f.calls >= len(f.responses) {
		return nil, errors.New("no scripted response left")
	}
	resp := f.responses[f.calls]
	f.calls++
	if resp == "" {
		return nil, errors.New("transport failure")
	}
	return textResponse(resp), nil
}

func textResponse(s string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(s)}},
		}},
	}
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: time.Millisecond}
}

func chunks(text string) []extract.Chunk {
	return []extract.Chunk{{Page: 1, Text: text}}
}

const goodResponse = `{
	"cnpj": "12.345.678/0001-99",
	"valor": "R$ 1.234,56",
	"competence": "03/2025",
	"payee_name": "  Acme Servicos LTDA ",
	"description": "NF 1042 consultoria",
	"payment_type": "pc",
	"confidence": 0.93
}`

func TestExtractFieldsNormalizesOutput(t *testing.T) {
	model := &fakeModel{responses: []string{goodResponse}}
	extractor := NewExtractor(model, fastConfig())

	candidate, err := extractor.ExtractFields(context.Background(), chunks("invoice text"), "nf_1042.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if candidate.CNPJ != "12345678000199" {
		t.Fatalf("cnpj not normalized: %q", candidate.CNPJ)
	}
	if candidate.Amount != "1234.56" {
		t.Fatalf("amount not canonical: %q", candidate.Amount)
	}
	if candidate.Competence != "2025-03" {
		t.Fatalf("competence not normalized: %q", candidate.Competence)
	}
	if candidate.PayeeName != "Acme Servicos LTDA" {
		t.Fatalf("payee not trimmed: %q", candidate.PayeeName)
	}
	if candidate.Confidence != 0.93 {
		t.Fatalf("confidence lost: %v", candidate.Confidence)
	}
}

func TestExtractFieldsRetriesMalformedThenSucceeds(t *testing.T) {
	model := &fakeModel{responses: []string{"this is not json", goodResponse}}
	extractor := NewExtractor(model, fastConfig())

	candidate, err := extractor.ExtractFields(context.Background(), chunks("text"), "nf.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", model.calls)
	}
	if candidate.CNPJ == "" {
		t.Fatal("expected a parsed candidate from the retry")
	}
}

func TestExtractFieldsExhaustsRetriesOnMalformedOutput(t *testing.T) {
	model := &fakeModel{responses: []string{"garbage", "garbage", "garbage"}}
	extractor := NewExtractor(model, fastConfig())

	_, err := extractor.ExtractFields(context.Background(), chunks("text"), "nf.pdf")
	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if lerr.Kind != KindMalformedOutput {
		t.Fatalf("expected malformed_output, got %s", lerr.Kind)
	}
	if lerr.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", lerr.Attempts)
	}
	if !lerr.Retryable() {
		t.Fatal("llm errors should stay retryable for the stage budget")
	}
}

func TestExtractFieldsTransportErrorsSurfaceUnavailable(t *testing.T) {
	model := &fakeModel{responses: []string{"", "", ""}}
	extractor := NewExtractor(model, fastConfig())

	_, err := extractor.ExtractFields(context.Background(), chunks("text"), "nf.pdf")
	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if lerr.Kind != KindUnavailable {
		t.Fatalf("expected unavailable, got %s", lerr.Kind)
	}
}

func TestExtractFieldsRefusalIsMalformed(t *testing.T) {
	model := &fakeModel{responses: []string{
		"I am unable to process this document.",
		"I am unable to process this document.",
		"I am unable to process this document.",
	}}
	extractor := NewExtractor(model, fastConfig())

	_, err := extractor.ExtractFields(context.Background(), chunks("text"), "nf.pdf")
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindMalformedOutput {
		t.Fatalf("expected malformed_output for a refusal, got %v", err)
	}
}

func TestExtractFieldsStripsMarkdownFences(t *testing.T) {
	model := &fakeModel{responses: []string{"```json\n" + goodResponse + "\n```"}}
	extractor := NewExtractor(model, fastConfig())

	candidate, err := extractor.ExtractFields(context.Background(), chunks("text"), "nf.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if candidate.Amount != "1234.56" {
		t.Fatalf("fenced response not parsed: %q", candidate.Amount)
	}
}

func TestExtractFieldsDefaultsMissingConfidence(t *testing.T) {
	response := `{"cnpj":"12345678000199","valor":1234.56,"competence":"2025-03","payee_name":"Acme"}`
	model := &fakeModel{responses: []string{response}}
	extractor := NewExtractor(model, fastConfig())

	candidate, err := extractor.ExtractFields(context.Background(), chunks("text"), "nf.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if candidate.Confidence != 0.85 {
		t.Fatalf("expected default confidence 0.85, got %v", candidate.Confidence)
	}
}

func TestExtractFieldsClassifiesPaymentTypeFromFilename(t *testing.T) {
	response := `{"cnpj":"12345678000199","valor":"100.00","competence":"2025-03","payee_name":"Acme"}`
	cases := map[string]models.PaymentType{
		"nf_bonus_marco.pdf": models.PaymentTypeBonus,
		"reembolso_123.pdf":  models.PaymentTypeReembolso,
		"nf_comum.pdf":       models.PaymentTypePC,
	}
	for filename, want := range cases {
		model := &fakeModel{responses: []string{response}}
		extractor := NewExtractor(model, fastConfig())
		candidate, err := extractor.ExtractFields(context.Background(), chunks("text"), filename)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", filename, err)
		}
		if candidate.PaymentType != want {
			t.Fatalf("%s: got %s, want %s", filename, candidate.PaymentType, want)
		}
	}
}

func TestExtractFieldsRejectsEmptyInput(t *testing.T) {
	extractor := NewExtractor(&fakeModel{}, fastConfig())
	_, err := extractor.ExtractFields(context.Background(), nil, "nf.pdf")
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindMalformedOutput {
		t.Fatalf("expected malformed_output for empty input, got %v", err)
	}
}

func TestJoinChunksTruncatesOnRuneBoundary(t *testing.T) {
	// A byte budget that lands inside a multibyte rune must back off to the
	// previous boundary instead of emitting a partial sequence.
	input := []extract.Chunk{{Page: 1, Text: strings.Repeat("prestação de serviços ", 20)}}
	for budget := 1; budget <= 32; budget++ {
		got := joinChunks(input, budget)
		if !utf8.ValidString(got) {
			t.Fatalf("budget %d produced invalid UTF-8: %q", budget, got)
		}
		if len(got) > budget+1 { // trailing newline sits outside the budget
			t.Fatalf("budget %d exceeded: %d bytes", budget, len(got))
		}
	}
}
