package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"courtside.app/coach/internal/model"
	"courtside.app/coach/internal/queue"
)

// ProgressEvent is the session-wide UI-facing progress state. The stage only
// advances within a run and resets to idle on completion, error, or
// cancellation.
type ProgressEvent struct {
	Stage     model.ProgressStage `json:"stage"`
	Percent   float64             `json:"percent,omitempty"`
	MessageID *int64              `json:"message_id,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type ProgressPublisher interface {
	Publish(ctx context.Context, conversationID int64, ev ProgressEvent) error
}

type redisProgressPublisher struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisProgressPublisher(client *redis.Client) ProgressPublisher {
	return &redisProgressPublisher{client: client, ttl: time.Hour}
}

// Publish stores the latest event under the conversation's progress key and
// fans it out over pub/sub. The SET lets late subscribers catch up without
// waiting for the next event.
func (p *redisProgressPublisher) Publish(ctx context.Context, conversationID int64, ev ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}

	channel := queue.ProgressChannel(conversationID)
	if err := p.client.Set(ctx, channel, payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("set progress state: %w", err)
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	return nil
}

// publishStage is a convenience for stage-only transitions. Publish errors
// are logged by callers at most; progress is advisory and never fails a run.
func (o *Orchestrator) publishStage(ctx context.Context, conversationID int64, stage model.ProgressStage) {
	_ = o.progress.Publish(ctx, conversationID, ProgressEvent{Stage: stage})
}
