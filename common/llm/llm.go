package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Provider constants for LLM provider selection.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds LLM client configuration.
type Config struct {
	Provider  string // "openai" or "anthropic"
	APIKey    string // Required: API key for the provider
	BaseURL   string // Optional: custom API endpoint
	Model     string // Model name
	MaxTokens int    // Default completion budget
}

// Message represents a conversation message sent to the model.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// StreamRequest contains one streamed analysis turn.
type StreamRequest struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// StreamEvent is one increment of a streamed response.
// Exactly one terminal event is emitted per stream: Done=true on normal
// completion, or Err set on failure (including context cancellation).
type StreamEvent struct {
	TextDelta    string
	Done         bool
	InputTokens  int
	OutputTokens int
	Err          error
}

// StreamClient issues a streaming chat request and emits incremental deltas.
// The returned channel is closed after the terminal event.
type StreamClient interface {
	StreamMessage(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error)
	Model() string
}

// send delivers an event unless the request context ends first. Reports
// false when the context won, so producer goroutines never block on a
// consumer that stopped receiving.
func send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Request is a structured-output chat turn (JSON schema constrained).
type Request struct {
	SystemPrompt string
	UserPrompt   string
	SchemaName   string
	Schema       any
	MaxTokens    int
	Temperature  *float64 // nil = model default, explicit 0 = deterministic
}

// Response carries token accounting for a structured chat turn.
type Response struct {
	PromptTokens     int
	CompletionTokens int
}

// Client performs single-shot structured-output chat requests.
type Client interface {
	Chat(ctx context.Context, req Request, result any) (*Response, error)
	Model() string
}

// NewStreamClient creates a StreamClient for the configured provider.
// Defaults to Anthropic if no provider is specified.
func NewStreamClient(cfg Config) (StreamClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	provider := cfg.Provider
	if provider == "" {
		provider = ProviderAnthropic
	}

	switch provider {
	case ProviderAnthropic:
		return newAnthropicClient(cfg)
	case ProviderOpenAI:
		return newOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
	}
}

// GenerateSchema generates a JSON schema for T, for structured-output requests.
func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// Temp is a helper for inline temperature pointers.
func Temp(t float64) *float64 {
	return &t
}

// DecodeJSON unmarshals a model's JSON text output into the target struct.
func DecodeJSON[T any](content string) (T, error) {
	var result T
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return result, fmt.Errorf("decode model output: %w", err)
	}
	return result, nil
}
