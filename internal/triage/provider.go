package triage

import "context"

// Provider is a minimal single-turn completion contract. The classifier only
// ever sends one system prompt and one user prompt and expects text back.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}
