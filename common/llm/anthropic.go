package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicClient struct {
	client anthropic.Client
	model  string
}

func newAnthropicClient(cfg Config) (*anthropicClient, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250514"
	}

	return &anthropicClient{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

func (c *anthropicClient) Model() string {
	return c.model
}

func (c *anthropicClient) StreamMessage(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	system, messages := c.convertMessages(req)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		start := time.Now()
		var inputTokens, outputTokens int

		for stream.Next() {
			event := stream.Current()

			switch variant := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				inputTokens = int(variant.Message.Usage.InputTokens)

			case anthropic.ContentBlockDeltaEvent:
				if d, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					if !send(ctx, ch, StreamEvent{TextDelta: d.Text}) {
						return
					}
				}

			case anthropic.MessageDeltaEvent:
				outputTokens = int(variant.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, ch, StreamEvent{Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}

		slog.DebugContext(ctx, "stream completed",
			"model", c.model,
			"duration_ms", time.Since(start).Milliseconds(),
			"input_tokens", inputTokens,
			"output_tokens", outputTokens)

		send(ctx, ch, StreamEvent{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
	}()

	return ch, nil
}

// convertMessages extracts system content and converts messages to Anthropic format.
// Anthropic requires system messages to be passed separately, not in the messages array.
func (c *anthropicClient) convertMessages(req StreamRequest) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	if req.System != "" {
		system = append(system, anthropic.TextBlockParam{Type: "text", Text: req.System})
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Type: "text", Text: msg.Content})

		case "user":
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})

		case "assistant":
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})
		}
	}

	return system, messages
}
