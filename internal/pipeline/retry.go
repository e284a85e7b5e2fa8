package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"courtside.app/coach/common/logger"
	"courtside.app/coach/internal/model"
	"courtside.app/coach/internal/store"
)

// RetryRequest re-runs the analysis behind an existing assistant message.
type RetryRequest struct {
	ConversationID int64
	MessageID      int64
	UserID         int64
	SessionID      string
	Settings       model.AnalysisSettings
}

// Retry re-enters the pipeline at the dispatch stage for an existing
// assistant message. History is reconstructed as everything strictly before
// the message's originating turn, so messages appended after the target
// never leak into context. Retry never deletes history: on failure the
// target is marked incomplete instead of removed.
func (o *Orchestrator) Retry(ctx context.Context, req RetryRequest) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: &req.ConversationID,
		MessageID:      &req.MessageID,
		Component:      "coach.pipeline.retry",
	})

	all, err := o.messages.ListByConversation(ctx, req.ConversationID, 0)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	idx := indexOf(all, req.MessageID)
	if idx < 0 {
		return fmt.Errorf("message %d in conversation %d: %w", req.MessageID, req.ConversationID, store.ErrNotFound)
	}
	target := all[idx]
	if target.Role != model.RoleAssistant {
		return fmt.Errorf("only assistant messages can be retried")
	}
	if target.Type == model.MessageTypeAnalysisOptions {
		return fmt.Errorf("options messages cannot be retried")
	}

	history, turn := splitBeforeTurn(all, idx)
	prompt, videoURL := recoverInputs(turn)
	pre := recoverPreAnalysis(all[:idx], videoURL)

	// An empty turn means the target was produced after a resolved options
	// message rather than directly after user input. Recover the inputs from
	// that options message and cut history before its turn instead.
	if len(turn) == 0 {
		if k := resolvedOptionsIndex(all, idx); k >= 0 {
			opts := all[k].Options
			prompt = opts.Prompt
			videoURL = opts.VideoURL
			history, _ = splitBeforeTurn(all, k)
			pre = nil
		}
	}

	r := &run{
		conversationID: req.ConversationID,
		userID:         req.UserID,
		sessionID:      req.SessionID,
		prompt:         prompt,
		settings:       req.Settings,
		videoURL:       videoURL,
		history:        trimHistory(history, o.cfg.HistoryLimit),
		placeholderID:  target.ID,
		pre:            pre,
		isRetry:        true,
	}

	if err := o.begin(r); err != nil {
		return err
	}

	if err := o.messages.Update(ctx, target.ID, model.MessageUpdate{
		Content:    ptr(""),
		Streaming:  ptr(true),
		Incomplete: ptr(false),
	}); err != nil {
		o.finish(req.ConversationID)
		return fmt.Errorf("reset message for retry: %w", err)
	}

	o.publishStage(ctx, req.ConversationID, model.StageProcessing)
	slog.InfoContext(ctx, "retrying analysis", "history_len", len(r.history), "has_video", videoURL != "")

	go o.execute(r)
	return nil
}

// recoverInputs walks the originating turn backwards to find the nearest
// prompt text and media reference.
func recoverInputs(turn []model.ConversationMessage) (prompt, videoURL string) {
	for i := len(turn) - 1; i >= 0; i-- {
		m := turn[i]
		if m.Role != model.RoleUser {
			continue
		}
		if prompt == "" && m.Content != "" {
			prompt = m.Content
		}
		if videoURL == "" && m.VideoURL != nil {
			videoURL = *m.VideoURL
		}
	}
	return prompt, videoURL
}

// recoverPreAnalysis finds eligibility metadata for the video being retried.
// A resolved options message means the user already chose a path, so the
// dispatcher must not offer the choice again: pre stays nil and the retry
// streams directly.
func recoverPreAnalysis(prior []model.ConversationMessage, videoURL string) *model.PreAnalysis {
	if videoURL == "" {
		return nil
	}
	for i := len(prior) - 1; i >= 0; i-- {
		m := prior[i]
		if m.Type != model.MessageTypeAnalysisOptions || m.Options == nil {
			continue
		}
		if m.Options.VideoURL != videoURL {
			continue
		}
		if m.Options.Selected != model.OptionNone {
			return nil
		}
		pre := m.Options.Pre
		return &pre
	}
	return nil
}

// resolvedOptionsIndex walks back over the assistant messages immediately
// preceding idx and returns the position of a resolved options message, or -1.
func resolvedOptionsIndex(all []model.ConversationMessage, idx int) int {
	for i := idx - 1; i >= 0; i-- {
		m := all[i]
		if m.Role != model.RoleAssistant {
			return -1
		}
		if m.Type == model.MessageTypeAnalysisOptions {
			if m.Options != nil && m.Options.Selected != model.OptionNone {
				return i
			}
			return -1
		}
	}
	return -1
}

func trimHistory(msgs []model.ConversationMessage, limit int) []model.ConversationMessage {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}
