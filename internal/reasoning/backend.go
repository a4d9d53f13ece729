// Package reasoning provides the skill-routed LLM client the orchestrator
// uses for candidate generation, crossover merges, judge scoring, and gate
// policy checks. Each named skill maps to a model route with its own
// timeout, retry, and fallback policy.
package reasoning

import (
	"context"
	"errors"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic chat request.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
}

// Response is a provider-agnostic chat response.
type Response struct {
	Content      string
	Model        string
	TokensInput  int
	TokensOutput int
	FinishReason string
}

// Provider is one reasoning backend (Anthropic, OpenAI-compatible, Ollama,
// or the deterministic stub).
type Provider interface {
	Name() string
	Chat(ctx context.Context, req Request) (*Response, error)
}

var (
	// ErrTimeout reports that every attempt at a skill invocation ran out
	// of its per-attempt deadline.
	ErrTimeout = errors.New("reasoning: backend timeout")

	// ErrNoRoute reports a skill with no configured route.
	ErrNoRoute = errors.New("reasoning: no route for skill")

	// ErrExhausted reports that the primary model and every fallback
	// failed after all retries.
	ErrExhausted = errors.New("reasoning: all models exhausted")
)
