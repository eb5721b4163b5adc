package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient implements Client on the Google GenAI API.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a Gemini client. Client construction needs a
// context, so it is deferred to the first Complete call.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{
		apiKey: apiKey,
		model:  model,
	}
}

// ModelName returns the model identifier.
func (g *GeminiClient) ModelName() string {
	return g.model
}

// Complete implements the Client interface.
func (g *GeminiClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return CompletionResponse{}, NewErrorWithCause(ErrorTypeAuth, err, fmt.Sprintf("failed to create Gemini client: %v", err))
		}
		g.client = client
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature: &temperature,
		//nolint:gosec // MaxTokens validated at higher layer, overflow acceptable
		MaxOutputTokens: int32(maxTokens),
	}
	if in.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: in.System}},
		}
	}

	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: in.Prompt}}},
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return CompletionResponse{}, ClassifyError(err)
	}
	if result == nil || strings.TrimSpace(result.Text()) == "" {
		return CompletionResponse{}, NewError(ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	resp := CompletionResponse{Content: result.Text()}
	if result.UsageMetadata != nil {
		resp.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}
