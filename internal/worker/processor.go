package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"courtside.app/coach/common/llm"
	"courtside.app/coach/common/logger"
	"courtside.app/coach/internal/model"
	"courtside.app/coach/internal/pipeline"
	"courtside.app/coach/internal/queue"
	"courtside.app/coach/internal/store"
	"courtside.app/coach/internal/vision"
)

const statisticsSystemPrompt = `You are a sports analyst producing match statistics from video footage metadata.
Estimate realistic statistics for the given sport and summarize the key patterns.`

type statisticsResult struct {
	Summary    string      `json:"summary" jsonschema_description:"Two or three sentence overview of the match"`
	Highlights []string    `json:"highlights" jsonschema_description:"Notable moments or patterns"`
	Metrics    []statistic `json:"metrics" jsonschema_description:"Quantified statistics"`
}

type statistic struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// TaskProcessor runs durable analysis tasks: technique tasks go through the
// vision service, statistics tasks through a structured LLM turn. Completed
// results land on the task record and as a technique_result message in the
// conversation.
type TaskProcessor struct {
	tasks    store.TaskStore
	messages store.MessageStore
	progress pipeline.ProgressPublisher
	vision   *vision.Client
	chat     llm.Client
	newID    func() int64
}

func NewTaskProcessor(tasks store.TaskStore, messages store.MessageStore, progress pipeline.ProgressPublisher, visionClient *vision.Client, chat llm.Client, newID func() int64) *TaskProcessor {
	return &TaskProcessor{
		tasks:    tasks,
		messages: messages,
		progress: progress,
		vision:   visionClient,
		chat:     chat,
		newID:    newID,
	}
}

func (p *TaskProcessor) Process(ctx context.Context, msg queue.Message) error {
	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.process_task",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = logger.WithLogFields(sc.Context(), logger.LogFields{
		ConversationID: &msg.ConversationID,
		TaskID:         &msg.TaskID,
		Component:      "coach.worker",
	})

	claimed, task, err := p.tasks.Claim(ctx, msg.TaskID)
	if err != nil {
		return fmt.Errorf("claiming task: %w", err)
	}
	if !claimed {
		// Already processed or in flight elsewhere. ACK and move on.
		slog.InfoContext(ctx, "task not claimable, skipping")
		return nil
	}

	_ = p.progress.Publish(ctx, msg.ConversationID, pipeline.ProgressEvent{Stage: model.StageAnalyzing})
	defer func() {
		_ = p.progress.Publish(context.WithoutCancel(ctx), msg.ConversationID, pipeline.ProgressEvent{Stage: model.StageIdle})
	}()

	var result json.RawMessage
	switch task.Type {
	case model.TaskTypeTechnique:
		result, err = p.runTechnique(ctx, task)
	case model.TaskTypeStatistics:
		result, err = p.runStatistics(ctx, task)
	default:
		err = fmt.Errorf("unknown task type %q", task.Type)
	}
	if err != nil {
		sc.RecordError(err)
		if relErr := p.tasks.Release(ctx, task.ID); relErr != nil {
			slog.ErrorContext(ctx, "failed to release task", "error", relErr)
		}
		return err
	}

	if err := p.tasks.Complete(ctx, task.ID, result); err != nil {
		return fmt.Errorf("completing task: %w", err)
	}

	if err := p.appendResultMessage(ctx, task, result); err != nil {
		// The task is already complete; a missing message is recoverable
		// from the detailed view, so don't fail the run over it.
		slog.WarnContext(ctx, "failed to append result message", "error", err)
	}

	slog.InfoContext(ctx, "task completed", "task_type", task.Type)
	return nil
}

func (p *TaskProcessor) runTechnique(ctx context.Context, task *model.Task) (json.RawMessage, error) {
	if p.vision == nil {
		return nil, fmt.Errorf("vision service not configured")
	}

	res, err := p.vision.Analyze(ctx, vision.AnalyzeRequest{
		VideoURL: task.VideoURL,
		Sport:    task.Sport,
		Mode:     "technique",
	}, func(pct float64) {
		_ = p.progress.Publish(ctx, task.ConversationID, pipeline.ProgressEvent{
			Stage:   model.StageAnalyzing,
			Percent: pct,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("vision analysis: %w", err)
	}
	return res.Raw, nil
}

func (p *TaskProcessor) runStatistics(ctx context.Context, task *model.Task) (json.RawMessage, error) {
	if p.chat == nil {
		return nil, fmt.Errorf("analysis model not configured")
	}

	prompt := fmt.Sprintf("Sport: %s\nVideo: %s", task.Sport, task.VideoURL)
	if task.DurationSeconds != nil {
		prompt += fmt.Sprintf("\nDuration: %.0f seconds", *task.DurationSeconds)
	}

	var stats statisticsResult
	if _, err := p.chat.Chat(ctx, llm.Request{
		SystemPrompt: statisticsSystemPrompt,
		UserPrompt:   prompt,
		SchemaName:   "match_statistics",
		Schema:       llm.GenerateSchema[statisticsResult](),
		Temperature:  llm.Temp(0),
	}, &stats); err != nil {
		return nil, fmt.Errorf("statistics analysis: %w", err)
	}

	return json.Marshal(stats)
}

// appendResultMessage surfaces the finished analysis in the conversation so
// the user sees it without opening the detailed view.
func (p *TaskProcessor) appendResultMessage(ctx context.Context, task *model.Task, result json.RawMessage) error {
	content := "Detailed analysis is ready."
	if task.Type == model.TaskTypeStatistics {
		var stats statisticsResult
		if err := json.Unmarshal(result, &stats); err == nil && stats.Summary != "" {
			content = stats.Summary
		}
	}

	return p.messages.Append(ctx, &model.ConversationMessage{
		ID:             p.newID(),
		ConversationID: task.ConversationID,
		Role:           model.RoleAssistant,
		Type:           model.MessageTypeTechniqueResult,
		Content:        content,
		TaskID:         &task.ID,
	})
}
