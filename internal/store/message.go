package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courtside.app/coach/internal/model"
)

type messageStore struct {
	pool *pgxpool.Pool
}

const messageColumns = `id, conversation_id, role, type, content, video_url, streaming, incomplete, options, result_tags, task_id, created_at`

func (s *messageStore) GetByID(ctx context.Context, id int64) (*model.ConversationMessage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *messageStore) ListByConversation(ctx context.Context, conversationID int64, limit int32) ([]model.ConversationMessage, error) {
	// Snowflake ids are time-ordered, so id order is append order. A positive
	// limit keeps the newest window: fetch descending, re-sort ascending.
	// Zero or negative means the whole log.
	query := `SELECT ` + messageColumns + ` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY id ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = $1
			ORDER BY id DESC
			LIMIT $2
		 ) newest ORDER BY id ASC`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]model.ConversationMessage, 0, 32)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (s *messageStore) Append(ctx context.Context, msg *model.ConversationMessage) error {
	options, err := marshalNullable(msg.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	tags, err := marshalNullable(msg.ResultTags)
	if err != nil {
		return fmt.Errorf("marshal result tags: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, role, type, content, video_url, streaming, incomplete, options, result_tags, task_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at`,
		msg.ID, msg.ConversationID, msg.Role, msg.Type, msg.Content, msg.VideoURL,
		msg.Streaming, msg.Incomplete, options, tags, msg.TaskID,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *messageStore) Update(ctx context.Context, id int64, update model.MessageUpdate) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)
	args = append(args, id)

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Content != nil {
		add("content", *update.Content)
	}
	if update.Streaming != nil {
		add("streaming", *update.Streaming)
	}
	if update.Incomplete != nil {
		add("incomplete", *update.Incomplete)
	}
	if update.Type != nil {
		add("type", *update.Type)
	}
	if update.VideoURL != nil {
		add("video_url", *update.VideoURL)
	}
	if update.Options != nil {
		options, err := marshalNullable(update.Options)
		if err != nil {
			return fmt.Errorf("marshal options: %w", err)
		}
		add("options", options)
	}
	if update.ResultTags != nil {
		tags, err := marshalNullable(update.ResultTags)
		if err != nil {
			return fmt.Errorf("marshal result tags: %w", err)
		}
		add("result_tags", tags)
	}
	if update.TaskID != nil {
		add("task_id", *update.TaskID)
	}

	if len(sets) == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *messageStore) Remove(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("remove message: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.ConversationMessage, error) {
	var (
		msg     model.ConversationMessage
		options []byte
		tags    []byte
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Role, &msg.Type, &msg.Content,
		&msg.VideoURL, &msg.Streaming, &msg.Incomplete, &options, &tags,
		&msg.TaskID, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(options) > 0 {
		msg.Options = &model.AnalysisOptions{}
		if err := json.Unmarshal(options, msg.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &msg.ResultTags); err != nil {
			return nil, fmt.Errorf("unmarshal result tags: %w", err)
		}
	}
	return &msg, nil
}

// marshalNullable returns nil for nil-ish values so jsonb columns stay NULL.
func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *model.AnalysisOptions:
		if val == nil {
			return nil, nil
		}
	case map[string]string:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
