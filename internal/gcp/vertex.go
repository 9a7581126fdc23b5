package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Invoice Extractor Model Prompts ---

const ExtractorSystemPrompt = "You are an expert in analyzing Brazilian invoices (Notas Fiscais). " +
	"You extract structured financial fields from invoice text and return them as a single valid JSON object. " +
	"Accuracy and information preservation are of utmost importance. Never invent values that are not present in the document."

const ExtractorUserPrompt = `Analyze the invoice text below and extract the following fields into a JSON object:

{
  "cnpj": "provider CNPJ, exactly 14 digits, no punctuation",
  "valor": "payment amount as a plain decimal number, no currency symbol",
  "competence": "competence period in MM/YYYY format",
  "payee_name": "complete name of the service provider",
  "description": "brief description of the services",
  "payment_type": "one of: pc, reembolso, bonus",
  "confidence": "your extraction confidence between 0.0 and 1.0"
}

Rules:
- cnpj must be exactly 14 digits after removing punctuation.
- valor must be a number (remove 'R$' and convert decimal commas).
- competence must be MM/YYYY.
- payment_type: if the file name contains 'bonus' use 'bonus'; if it contains 'reembolso' use 'reembolso'; otherwise use 'pc'.
- The output MUST be a single valid JSON object with exactly these keys and nothing else.

File Name: %s

Invoice Text:
%s`

// VertexClient holds the pre-configured generative model for invoice field
// extraction.
type VertexClient struct {
	ExtractorModel *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewVertexClient creates a client with the extractor model configured for
// deterministic JSON output.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	extractorModel := baseClient.GenerativeModel(modelName)
	extractorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractorSystemPrompt)},
	}
	extractorModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output. This is a critical setting for this model.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	extractorModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexClient{
		ExtractorModel: extractorModel,
		baseClient:     baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
