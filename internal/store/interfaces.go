package store

import (
	"context"
	"encoding/json"
	"errors"

	"courtside.app/coach/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// MessageStore is the persisted conversation log. It is the single source
// of truth for history: the pipeline always re-reads it at run start rather
// than trusting in-memory state.
type MessageStore interface {
	GetByID(ctx context.Context, id int64) (*model.ConversationMessage, error)
	// ListByConversation returns messages in append order. A positive limit
	// keeps the newest window; zero or negative returns the whole log.
	ListByConversation(ctx context.Context, conversationID int64, limit int32) ([]model.ConversationMessage, error)
	Append(ctx context.Context, msg *model.ConversationMessage) error
	Update(ctx context.Context, id int64, update model.MessageUpdate) error
	Remove(ctx context.Context, id int64) error
}

// ConversationStore defines the contract for conversation data access
type ConversationStore interface {
	GetByID(ctx context.Context, id int64) (*model.Conversation, error)
	Create(ctx context.Context, conv *model.Conversation) error
	UpdateTitle(ctx context.Context, id int64, title string) error
	ListByUser(ctx context.Context, userID int64) ([]model.Conversation, error)
}

// TaskStore defines the contract for durable analysis task records
type TaskStore interface {
	GetByID(ctx context.Context, id int64) (*model.Task, error)
	Create(ctx context.Context, task *model.Task) error
	// Claim transitions created -> processing and bumps the attempt counter.
	// Returns false without error when the task is not claimable.
	Claim(ctx context.Context, id int64) (bool, *model.Task, error)
	// Release returns a claimed task to the created state so a requeued
	// message can claim it again.
	Release(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64, result json.RawMessage) error
	Fail(ctx context.Context, id int64, errMsg string) error
	ListByConversation(ctx context.Context, conversationID int64, limit int32) ([]model.Task, error)
}
