package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"courtside.app/coach/common/llm"
	"courtside.app/coach/internal/model"
)

const analysisSystemPrompt = `You are an experienced sports coach reviewing a player's submission.
Give a focused, practical analysis: what is working, what is not, and the
single most impactful correction. Be specific about body mechanics and
timing. Keep the tone encouraging but direct.`

var (
	// Structured results the model emits out of band, e.g.
	// [RESULT:serve_speed]182 km/h[/RESULT]. Extracted into result tags and
	// stripped from the visible text.
	resultTagRe = regexp.MustCompile(`(?s)\[RESULT:([A-Za-z0-9_-]+)\](.*?)\[/RESULT\]`)

	// Internal control markers, e.g. [[SECTION:summary]]. Never shown.
	controlTagRe = regexp.MustCompile(`\[\[[A-Z_]+(?::[^\]\n]*)?\]\]`)
)

// streamAnalysis issues one streaming request and republishes the
// accumulated text onto the placeholder on every chunk. Terminal handling:
// completion finalizes the message, cancellation preserves partial output
// with a stopped marker, failure propagates for rollback.
func (o *Orchestrator) streamAnalysis(ctx context.Context, r *run) error {
	o.publishStage(ctx, r.conversationID, model.StageGenerating)

	events, err := o.stream.StreamMessage(ctx, llm.StreamRequest{
		System:   analysisSystemPrompt,
		Messages: o.buildMessages(r),
	})
	if err != nil {
		if r.token.Cancelled() {
			return o.finishCancelled(ctx, r, "")
		}
		return fmt.Errorf("start analysis stream: %w", err)
	}

	// persisted tracks the last content successfully written to the
	// placeholder. Cancellation preserves exactly that, so a delta whose
	// write failed on the cancelled context is never lost nor half-shown.
	var full strings.Builder
	var persisted string
	var stale bool
	for ev := range events {
		if ev.Err != nil {
			if stale {
				return ErrStaleSession
			}
			if r.token.Cancelled() {
				return o.finishCancelled(ctx, r, persisted)
			}
			return fmt.Errorf("analysis stream: %w", ev.Err)
		}

		if ev.TextDelta != "" {
			full.WriteString(ev.TextDelta)
			if stale {
				continue
			}
			visible := stripControlTags(full.String())
			err := o.updateMessage(ctx, r, r.placeholderID, model.MessageUpdate{Content: &visible})
			switch {
			case err == nil:
				persisted = visible
			case errors.Is(err, ErrStaleSession):
				// A newer session owns the conversation now. Keep consuming
				// the network stream quietly until it ends, dropping writes.
				stale = true
			case r.token.Cancelled():
				drainEvents(events)
				return o.finishCancelled(ctx, r, persisted)
			default:
				drainEvents(events)
				return err
			}
		}

		if ev.Done {
			slog.InfoContext(ctx, "analysis stream completed",
				"model", o.stream.Model(),
				"input_tokens", ev.InputTokens,
				"output_tokens", ev.OutputTokens)
		}
	}

	if stale {
		return ErrStaleSession
	}
	if r.token.Cancelled() {
		return o.finishCancelled(ctx, r, persisted)
	}
	return o.finalize(ctx, r, full.String())
}

// drainEvents discards the rest of a stream in the background so the
// producing goroutine can finish its sends and exit.
func drainEvents(events <-chan llm.StreamEvent) {
	go func() {
		for range events {
		}
	}()
}

// buildMessages assembles prior-turn context plus the current prompt. The
// resolved video reference and any vision-derived context are prefixed onto
// the prompt so the model sees them as part of the same turn.
func (o *Orchestrator) buildMessages(r *run) []llm.Message {
	msgs := make([]llm.Message, 0, len(r.history)+1)
	for _, m := range r.history {
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}

	prompt := r.prompt
	if prompt == "" {
		prompt = "Analyze the attached video."
	}
	if r.visionContext != "" {
		prompt = r.visionContext + "\n\n" + prompt
	}
	if r.videoURL != "" {
		prompt = "Video: " + r.videoURL + "\n\n" + prompt
	}

	return append(msgs, llm.Message{Role: "user", Content: prompt})
}

// finalize strips control tags, extracts result tags, and marks the message
// terminal. Media-based runs with a task get a trailing deep-link message
// after a short delay to let the UI settle.
func (o *Orchestrator) finalize(ctx context.Context, r *run, full string) error {
	ctx = context.WithoutCancel(ctx)

	visible := stripControlTags(full)
	update := model.MessageUpdate{
		Content:   &visible,
		Streaming: ptr(false),
	}
	if tags := extractResultTags(full); tags != nil {
		update.ResultTags = tags
	}
	if r.task != nil {
		update.TaskID = &r.task.ID
	}

	if err := o.updateMessage(ctx, r, r.placeholderID, update); err != nil {
		return err
	}

	if r.videoURL != "" && r.task != nil {
		time.Sleep(o.cfg.FollowUpDelay)
		if err := o.checkSession(ctx, r.userID, r.sessionID); err != nil {
			return err
		}
		followUp := &model.ConversationMessage{
			ID:             o.newID(),
			ConversationID: r.conversationID,
			Role:           model.RoleAssistant,
			Type:           model.MessageTypePlain,
			Content:        "Open the detailed view to explore the full results.",
			TaskID:         &r.task.ID,
		}
		if err := o.messages.Append(ctx, followUp); err != nil {
			slog.WarnContext(ctx, "failed to append follow-up message", "error", err)
		}
	}

	if o.titles != nil {
		o.titles.Generate(r.conversationID, r.prompt)
	}
	return nil
}

// finishCancelled preserves whatever the user saw: partial content gets a
// visible stopped marker and stays terminal; an empty placeholder is removed.
func (o *Orchestrator) finishCancelled(ctx context.Context, r *run, full string) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.checkSession(ctx, r.userID, r.sessionID); err != nil {
		return err
	}

	partial := stripControlTags(full)
	if strings.TrimSpace(partial) == "" {
		slog.InfoContext(ctx, "stream cancelled with no content, removing placeholder")
		return o.messages.Remove(ctx, r.placeholderID)
	}

	content := partial + o.cfg.StoppedMarker
	slog.InfoContext(ctx, "stream cancelled with partial content", "chars", len(partial))
	return o.messages.Update(ctx, r.placeholderID, model.MessageUpdate{
		Content:   &content,
		Streaming: ptr(false),
	})
}

func stripControlTags(s string) string {
	s = resultTagRe.ReplaceAllString(s, "")
	s = controlTagRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func extractResultTags(s string) map[string]string {
	matches := resultTagRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	tags := make(map[string]string, len(matches))
	for _, m := range matches {
		tags[m[1]] = strings.TrimSpace(m[2])
	}
	return tags
}
