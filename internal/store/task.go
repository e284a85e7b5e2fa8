package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courtside.app/coach/internal/model"
)

type taskStore struct {
	pool *pgxpool.Pool
}

const taskColumns = `id, conversation_id, type, sport, video_url, thumbnail_url, duration_seconds, status, attempt, result, error, created_at, started_at, finished_at`

func (s *taskStore) GetByID(ctx context.Context, id int64) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *taskStore) Create(ctx context.Context, task *model.Task) error {
	if task.Status == "" {
		task.Status = model.TaskStatusCreated
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, conversation_id, type, sport, video_url, thumbnail_url, duration_seconds, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		task.ID, task.ConversationID, task.Type, task.Sport, task.VideoURL,
		task.ThumbnailURL, task.DurationSeconds, task.Status,
	).Scan(&task.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Claim prevents duplicate processing when multiple workers receive the same
// message: only one wins the created -> processing transition.
func (s *taskStore) Claim(ctx context.Context, id int64) (bool, *model.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET status = $2, attempt = attempt + 1, started_at = now()
		 WHERE id = $1 AND status = $3
		 RETURNING `+taskColumns,
		id, model.TaskStatusProcessing, model.TaskStatusCreated)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("claim task: %w", err)
	}
	return true, task, nil
}

func (s *taskStore) Release(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, started_at = NULL WHERE id = $1 AND status = $3`,
		id, model.TaskStatusCreated, model.TaskStatusProcessing)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return nil
}

func (s *taskStore) Complete(ctx context.Context, id int64, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, result = $3, error = NULL, finished_at = now() WHERE id = $1`,
		id, model.TaskStatusCompleted, []byte(result))
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *taskStore) Fail(ctx context.Context, id int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, error = $3, finished_at = now() WHERE id = $1`,
		id, model.TaskStatusFailed, errMsg)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *taskStore) ListByConversation(ctx context.Context, conversationID int64, limit int32) ([]model.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]model.Task, 0, 8)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		task   model.Task
		result []byte
	)
	err := row.Scan(
		&task.ID, &task.ConversationID, &task.Type, &task.Sport, &task.VideoURL,
		&task.ThumbnailURL, &task.DurationSeconds, &task.Status, &task.Attempt,
		&result, &task.Error, &task.CreatedAt, &task.StartedAt, &task.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	return &task, nil
}
