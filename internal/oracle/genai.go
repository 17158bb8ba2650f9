package oracle

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const defaultGenAIModel = "gemini-2.5-flash"

// GenAI is a Provider backed by the Gemini API.
type GenAI struct {
	client *genai.Client
	model  string
}

func NewGenAI(ctx context.Context, apiKey, model string) (*GenAI, error) {
	if apiKey == "" {
		return nil, errors.New("GenAI API key is required")
	}
	if model == "" {
		model = defaultGenAIModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAI{client: client, model: model}, nil
}

func (g *GenAI) Complete(ctx context.Context, p Prompt) (Completion, error) {
	model := g.model
	if p.Model != "" {
		model = p.Model
	}
	cfg := &genai.GenerateContentConfig{}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	if p.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(p.User), cfg)
	if err != nil {
		return Completion{}, &ProviderError{Provider: "genai", Err: err}
	}
	out := Completion{Text: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int64(u.PromptTokenCount)
		out.OutputTokens = int64(u.CandidatesTokenCount)
	}
	return out, nil
}
