package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"courtside.app/coach/common/llm"
	"courtside.app/coach/common/logger"
	"courtside.app/coach/internal/store"
)

const titleSystemPrompt = `Generate a short title for a sports coaching conversation based on the user's first message. Maximum six words. No quotes, no trailing punctuation.`

type conversationTitle struct {
	Title string `json:"title" jsonschema_description:"Short conversation title, at most six words"`
}

// TitleGenerator names a conversation after its first successful analysis.
// Generations are deduplicated per conversation with a lock map that is
// always released when the attempt finishes, whatever the outcome.
type TitleGenerator struct {
	conversations store.ConversationStore
	client        llm.Client

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

func NewTitleGenerator(conversations store.ConversationStore, client llm.Client) *TitleGenerator {
	return &TitleGenerator{
		conversations: conversations,
		client:        client,
		inFlight:      make(map[int64]struct{}),
	}
}

// Generate runs asynchronously and is a no-op when the conversation already
// has a title, a generation is already in flight, or no client is configured.
func (t *TitleGenerator) Generate(conversationID int64, prompt string) {
	if t == nil || t.client == nil || strings.TrimSpace(prompt) == "" {
		return
	}

	t.mu.Lock()
	if _, busy := t.inFlight[conversationID]; busy {
		t.mu.Unlock()
		return
	}
	t.inFlight[conversationID] = struct{}{}
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.inFlight, conversationID)
			t.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ctx = logger.WithLogFields(ctx, logger.LogFields{
			ConversationID: &conversationID,
			Component:      "coach.pipeline.title",
		})

		conv, err := t.conversations.GetByID(ctx, conversationID)
		if err != nil {
			slog.WarnContext(ctx, "title generation skipped, conversation lookup failed", "error", err)
			return
		}
		if conv.Title != "" {
			return
		}

		var result conversationTitle
		if _, err := t.client.Chat(ctx, llm.Request{
			SystemPrompt: titleSystemPrompt,
			UserPrompt:   logger.Truncate(prompt, 500),
			SchemaName:   "conversation_title",
			Schema:       llm.GenerateSchema[conversationTitle](),
			MaxTokens:    64,
			Temperature:  llm.Temp(0.2),
		}, &result); err != nil {
			slog.WarnContext(ctx, "title generation failed", "error", err)
			return
		}

		title := strings.TrimSpace(result.Title)
		if title == "" {
			return
		}
		if len(title) > 80 {
			title = title[:80]
		}

		if err := t.conversations.UpdateTitle(ctx, conversationID, title); err != nil {
			slog.WarnContext(ctx, "failed to persist title", "error", err)
			return
		}
		slog.InfoContext(ctx, "conversation titled", "title", title)
	}()
}
