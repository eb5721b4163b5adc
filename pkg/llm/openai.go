package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIClient implements Client on the official OpenAI Go SDK using the
// Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI client.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ModelName returns the model identifier.
func (o *OpenAIClient) ModelName() string {
	return o.model
}

// Complete implements the Client interface.
func (o *OpenAIClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	// The Responses API takes a single input string; fold the system
	// instruction in ahead of the user prompt.
	inputText := in.Prompt
	if in.System != "" {
		inputText = fmt.Sprintf("System: %s\n\n%s", in.System, in.Prompt)
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(inputText)},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, ClassifyError(err)
	}

	content := resp.OutputText()
	if strings.TrimSpace(content) == "" {
		return CompletionResponse{}, NewError(ErrorTypeEmptyResponse, "empty response from OpenAI API")
	}

	return CompletionResponse{
		Content:          content,
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}
