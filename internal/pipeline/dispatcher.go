package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"courtside.app/coach/internal/model"
	"courtside.app/coach/internal/queue"
)

// dispatch decides how a run proceeds once media is resolved:
//
//  1. No media: stream directly.
//  2. Media without special eligibility: stream directly, silently creating
//     a technique task first when the footage is technique-eligible but the
//     sport is not a racket sport.
//  3. Media eligible for pro analysis, or technique-eligible racket sport:
//     the placeholder becomes a terminal analysis_options message and the
//     pipeline halts. It resumes out of band via Select.
//  4. Resumed from a selection: pro creates a task and an informational
//     message before streaming; quick streams directly.
func (o *Orchestrator) dispatch(ctx context.Context, r *run) error {
	if r.fromSelection {
		return o.dispatchSelection(ctx, r)
	}

	if r.videoURL == "" {
		return o.streamAnalysis(ctx, r)
	}

	r.visionContext = o.visionContextFor(ctx, r)

	pre := r.pre
	switch {
	case pre != nil && (pre.ProEligible || (pre.TechniqueEligible && pre.IsRacketSport())):
		return o.offerOptions(ctx, r)

	case pre != nil && pre.TechniqueEligible:
		task, err := o.createTask(ctx, r, model.TaskTypeTechnique)
		if err != nil {
			return err
		}
		r.task = task
		slog.InfoContext(ctx, "auto-created technique task", "task_id", task.ID, "sport", pre.Sport)
		return o.streamAnalysis(ctx, r)

	default:
		return o.streamAnalysis(ctx, r)
	}
}

// offerOptions mutates the placeholder into a terminal analysis_options
// message and returns the pipeline to idle. The empty content write happens
// in the same update as the streaming flip so the message is never terminal
// without a content write.
func (o *Orchestrator) offerOptions(ctx context.Context, r *run) error {
	opts := &model.AnalysisOptions{
		VideoURL: r.videoURL,
		Prompt:   r.prompt,
		Selected: model.OptionNone,
		Choices:  o.graph.Offers(),
	}
	if r.pre != nil {
		opts.Pre = *r.pre
	}

	err := o.updateMessage(ctx, r, r.placeholderID, model.MessageUpdate{
		Content:   ptr(""),
		Streaming: ptr(false),
		Type:      ptr(model.MessageTypeAnalysisOptions),
		Options:   opts,
	})
	if err != nil {
		return fmt.Errorf("present analysis options: %w", err)
	}

	slog.InfoContext(ctx, "analysis options presented", "pro_eligible", r.pre != nil && r.pre.ProEligible)
	return nil
}

func (o *Orchestrator) dispatchSelection(ctx context.Context, r *run) error {
	if r.videoURL == "" {
		// The video reference is gone. Reset the options message so the
		// user can choose again, and answer with what we have.
		reset := *r.pre
		opts := &model.AnalysisOptions{
			Pre:      reset,
			Prompt:   r.prompt,
			Selected: model.OptionNone,
			Choices:  o.graph.Offers(),
		}
		if err := o.updateMessage(ctx, r, r.optionsMessageID, model.MessageUpdate{Options: opts}); err != nil {
			return err
		}
		slog.WarnContext(ctx, "video reference missing on resume, options reset")
		return o.streamAnalysis(ctx, r)
	}

	r.visionContext = o.visionContextFor(ctx, r)

	if r.choice == model.OptionPro {
		taskType := model.TaskTypeStatistics
		if r.pre != nil && r.pre.TechniqueEligible {
			taskType = model.TaskTypeTechnique
		}

		task, err := o.createTask(ctx, r, taskType)
		if err != nil {
			return err
		}
		r.task = task

		info := &model.ConversationMessage{
			ID:             o.newID(),
			ConversationID: r.conversationID,
			Role:           model.RoleAssistant,
			Type:           model.MessageTypePlain,
			Content:        "Pro analysis started. The full report will appear in the detailed view when it is ready.",
			TaskID:         &task.ID,
		}
		if err := o.checkSession(ctx, r.userID, r.sessionID); err != nil {
			return err
		}
		if err := o.messages.Append(ctx, info); err != nil {
			return fmt.Errorf("append task info message: %w", err)
		}
	}

	return o.streamAnalysis(ctx, r)
}

// visionContextFor returns structured swing-scoring context when a completed
// technique task already exists for the same video, so the streamed analysis
// can reference concrete measurements. Best effort: lookup failures just
// mean no context.
func (o *Orchestrator) visionContextFor(ctx context.Context, r *run) string {
	tasks, err := o.tasks.ListByConversation(ctx, r.conversationID, 20)
	if err != nil {
		slog.DebugContext(ctx, "vision context lookup failed", "error", err)
		return ""
	}
	for _, t := range tasks {
		if t.Type != model.TaskTypeTechnique || t.Status != model.TaskStatusCompleted {
			continue
		}
		if t.VideoURL != r.videoURL || len(t.Result) == 0 {
			continue
		}
		return "Technique scoring for this video:\n" + string(t.Result)
	}
	return ""
}

// createTask persists a durable task record and enqueues it for the worker.
func (o *Orchestrator) createTask(ctx context.Context, r *run, taskType model.TaskType) (*model.Task, error) {
	task := &model.Task{
		ID:             o.newID(),
		ConversationID: r.conversationID,
		Type:           taskType,
		VideoURL:       r.videoURL,
		Status:         model.TaskStatusCreated,
	}
	if r.pre != nil {
		task.Sport = r.pre.Sport
		if r.pre.ThumbnailURL != "" {
			task.ThumbnailURL = &r.pre.ThumbnailURL
		}
		if r.pre.DurationSeconds > 0 {
			task.DurationSeconds = &r.pre.DurationSeconds
		}
	}

	if err := o.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	var traceID *string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		id := sc.TraceID().String()
		traceID = &id
	}

	if err := o.producer.Enqueue(ctx, queue.TaskMessage{
		TaskID:         task.ID,
		ConversationID: r.conversationID,
		TaskType:       taskType,
		VideoURL:       task.VideoURL,
		Sport:          task.Sport,
		TraceID:        traceID,
	}); err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	return task, nil
}
