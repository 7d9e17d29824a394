package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// GeminiInvoker calls the Gemini API with a response schema, so the model is
// constrained to emit parseable JSON.
type GeminiInvoker struct {
	client *genai.Client
	model  string
}

// NewGeminiInvoker creates an Invoker backed by the Gemini API.
func NewGeminiInvoker(ctx context.Context, apiKey, model string) (*GeminiInvoker, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llm: create gemini client: %w", err)
	}
	return &GeminiInvoker{client: client, model: model}, nil
}

// Invoke issues one structured-output generation call.
func (g *GeminiInvoker) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   req.Schema,
		Temperature:      genai.Ptr[float32](0),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("llm: generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("llm: empty response")
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("llm: response is not valid JSON")
	}
	return json.RawMessage(text), nil
}
