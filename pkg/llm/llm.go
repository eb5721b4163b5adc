// Package llm provides the generation capability behind the planning,
// coding, and review phases, with provider implementations, retry with
// backoff, and error classification.
package llm

import (
	"context"
)

// Role identifies which phase a completion serves. Used for logging and
// per-call accounting on the task record.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleCoder    Role = "coder"
	RoleReviewer Role = "reviewer"
)

const (
	// DefaultMaxTokens bounds one completion.
	DefaultMaxTokens = 4096

	// TemperatureDefault is used for planning and review.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used for code generation. Slight
	// randomness avoids getting stuck producing the same broken patch.
	TemperatureDeterministic = 0.2
)

// CompletionRequest represents one prompt to the model.
//
//nolint:govet // value semantics preferred over pointer indirection
type CompletionRequest struct {
	// System is the system instruction, may be empty.
	System string

	// Prompt is the user content.
	Prompt string

	// MaxTokens bounds the completion length. Zero means DefaultMaxTokens.
	MaxTokens int

	// Temperature controls sampling randomness.
	Temperature float32
}

// CompletionResponse is the model's reply plus token accounting.
type CompletionResponse struct {
	// Content is the completion text.
	Content string

	// PromptTokens and CompletionTokens come from the provider's usage
	// report when available, otherwise from a local estimate.
	PromptTokens     int
	CompletionTokens int
}

// Client is the provider-agnostic completion interface.
type Client interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// ModelName returns the model identifier for logging.
	ModelName() string
}
