package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"courtside.app/coach/internal/queue"
)

// ErrStaleSession indicates the user switched sessions mid-run. Writes from
// the superseded run are silently dropped, never surfaced as user errors.
var ErrStaleSession = errors.New("session superseded")

// SessionSource answers which session currently owns a user's conversations.
type SessionSource interface {
	ActiveSession(ctx context.Context, userID int64) (string, error)
	Activate(ctx context.Context, userID int64, sessionID string) error
}

type redisSessionSource struct {
	client *redis.Client
}

func NewRedisSessionSource(client *redis.Client) SessionSource {
	return &redisSessionSource{client: client}
}

func (s *redisSessionSource) ActiveSession(ctx context.Context, userID int64) (string, error) {
	val, err := s.client.Get(ctx, queue.ActiveSessionKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("get active session: %w", err)
	}
	return val, nil
}

func (s *redisSessionSource) Activate(ctx context.Context, userID int64, sessionID string) error {
	if err := s.client.Set(ctx, queue.ActiveSessionKey(userID), sessionID, 0).Err(); err != nil {
		return fmt.Errorf("set active session: %w", err)
	}
	return nil
}

// checkSession returns ErrStaleSession when another session has claimed the
// user since this run started. An unreachable session source fails open so a
// Redis hiccup never drops a healthy run's writes.
func (o *Orchestrator) checkSession(ctx context.Context, userID int64, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	active, err := o.sessions.ActiveSession(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "session lookup failed, allowing write", "error", err)
		return nil
	}
	if active != "" && active != sessionID {
		return ErrStaleSession
	}
	return nil
}
