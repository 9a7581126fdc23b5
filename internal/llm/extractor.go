package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/vertexai/genai"

	"github.com/vvpay/vvpay/internal/extract"
	"github.com/vvpay/vvpay/internal/gcp"
	"github.com/vvpay/vvpay/internal/models"
)

// GenerativeModel is the slice of *genai.GenerativeModel the extractor needs.
// Tests substitute a fake.
type GenerativeModel interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Config holds the extractor's knobs.
type Config struct {
	MaxAttempts       int           // retries per document before surfacing an error (default 3)
	BaseBackoff       time.Duration // first retry delay, doubles per attempt (default 2s)
	MaxPromptBytes    int           // invoice text is truncated to this before prompting (default 24000)
	DefaultConfidence float64       // used when the model omits the confidence field (default 0.85)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxPromptBytes <= 0 {
		c.MaxPromptBytes = 24000
	}
	if c.DefaultConfidence <= 0 || c.DefaultConfidence > 1 {
		c.DefaultConfidence = 0.85
	}
	return c
}

// Extractor turns recovered invoice text into a structured candidate via one
// JSON-mode model call per document.
type Extractor struct {
	model  GenerativeModel
	config Config
}

func NewExtractor(model GenerativeModel, config Config) *Extractor {
	return &Extractor{model: model, config: config.withDefaults()}
}

// rawFields mirrors the JSON object the model is instructed to return.
type rawFields struct {
	CNPJ        string          `json:"cnpj"`
	Valor       json.RawMessage `json:"valor"`
	Competence  string          `json:"competence"`
	PayeeName   string          `json:"payee_name"`
	Description string          `json:"description"`
	PaymentType string          `json:"payment_type"`
	Confidence  *float64        `json:"confidence"`
}

// ExtractFields sends the document's text to the model and parses the
// response against the candidate schema. Chunks are concatenated and
// truncated into a single request; they are never sent as independent calls,
// which would risk inconsistent partial records. Schema violations are
// treated as transient and retried with backoff before surfacing
// ErrMalformedOutput; transport failures surface ErrUnavailable.
func (e *Extractor) ExtractFields(ctx context.Context, chunks []extract.Chunk, filename string) (*models.ExtractionCandidate, error) {
	if len(chunks) == 0 {
		return nil, &Error{Kind: KindMalformedOutput, Err: fmt.Errorf("no text chunks to extract from")}
	}

	prompt := fmt.Sprintf(gcp.ExtractorUserPrompt, filename, joinChunks(chunks, e.config.MaxPromptBytes))
	logCtx := slog.With("filename", filename)

	var lastErr error
	backoff := e.config.BaseBackoff
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		resp, err := e.model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			lastErr = &Error{Kind: KindUnavailable, Attempts: attempt, Err: err}
			logCtx.Warn("Model call failed, will retry.", "attempt", attempt, "error", err)
		} else {
			candidate, perr := e.parseResponse(resp, filename)
			if perr == nil {
				logCtx.Info("Extraction complete.", "attempt", attempt, "confidence", candidate.Confidence)
				return candidate, nil
			}
			lastErr = &Error{Kind: KindMalformedOutput, Attempts: attempt, Err: perr}
			logCtx.Warn("Model response failed schema validation, will retry.", "attempt", attempt, "error", perr)
		}

		if attempt == e.config.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, &Error{Kind: KindUnavailable, Attempts: attempt, Err: ctx.Err()}
		}
	}

	if lerr, ok := lastErr.(*Error); ok {
		lerr.Attempts = e.config.MaxAttempts
		return nil, lerr
	}
	return nil, lastErr
}

func (e *Extractor) parseResponse(resp *genai.GenerateContentResponse, filename string) (*models.ExtractionCandidate, error) {
	raw := extractJSONContent(resp)
	if raw == "" {
		return nil, fmt.Errorf("model returned an empty response instead of JSON")
	}
	if phrase := refusalPhrase(raw); phrase != "" {
		return nil, fmt.Errorf("model response indicates refusal (%q)", phrase)
	}

	var fields rawFields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from model: %w", err)
	}

	cnpj, err := models.NormalizeCNPJ(fields.CNPJ)
	if err != nil {
		return nil, err
	}

	amount, err := models.ParseAmount(strings.Trim(string(fields.Valor), `"`))
	if err != nil {
		return nil, err
	}

	competence, err := models.NormalizeCompetence(fields.Competence)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(fields.PayeeName) == "" {
		return nil, fmt.Errorf("payee_name is empty")
	}

	paymentType := fields.PaymentType
	if !models.ValidPaymentType(paymentType) {
		paymentType = string(classifyPaymentType(filename))
	}

	confidence := e.config.DefaultConfidence
	if fields.Confidence != nil {
		confidence = *fields.Confidence
		if confidence < 0 || confidence > 1 {
			return nil, fmt.Errorf("confidence %v out of [0,1]", confidence)
		}
	}

	return &models.ExtractionCandidate{
		CNPJ:        cnpj,
		Amount:      models.CanonicalAmount(amount),
		PayeeName:   strings.TrimSpace(fields.PayeeName),
		Competence:  competence,
		Description: strings.TrimSpace(fields.Description),
		PaymentType: models.PaymentType(paymentType),
		Confidence:  confidence,
		RawResponse: raw,
		ExtractedAt: time.Now().UTC(),
	}, nil
}

// classifyPaymentType applies the filename rule used when the model's own
// classification is missing or invalid.
func classifyPaymentType(filename string) models.PaymentType {
	lower := strings.ToLower(filename)
	switch {
	case strings.Contains(lower, "bonus") || strings.Contains(lower, "bônus"):
		return models.PaymentTypeBonus
	case strings.Contains(lower, "reembolso"):
		return models.PaymentTypeReembolso
	default:
		return models.PaymentTypePC
	}
}

func joinChunks(chunks []extract.Chunk, maxBytes int) string {
	var sb strings.Builder
	for _, c := range chunks {
		if sb.Len() >= maxBytes {
			break
		}
		rest := maxBytes - sb.Len()
		text := c.Text
		if len(text) > rest {
			// Back off to a rune boundary so the prompt never ends with a
			// partial UTF-8 sequence.
			for rest > 0 && !utf8.RuneStart(text[rest]) {
				rest--
			}
			text = text[:rest]
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// extractJSONContent robustly gets the raw text content from the model
// response, cleaning markdown fences the model sometimes adds despite the
// JSON response MIME type.
func extractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	txt, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return ""
	}
	clean := strings.TrimSpace(string(txt))
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	return strings.TrimSpace(clean)
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

func refusalPhrase(content string) string {
	lower := strings.ToLower(content)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return phrase
		}
	}
	return ""
}
