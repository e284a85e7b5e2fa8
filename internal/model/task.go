package model

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskTypeStatistics TaskType = "statistics"
	TaskTypeTechnique  TaskType = "technique"
)

type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "created"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is a durable record for a longer-running analysis. The pipeline only
// creates it and stores its id; the worker processes it out of band.
type Task struct {
	ID              int64           `json:"id"`
	ConversationID  int64           `json:"conversation_id"`
	Type            TaskType        `json:"type"`
	Sport           string          `json:"sport"`
	VideoURL        string          `json:"video_url"`
	ThumbnailURL    *string         `json:"thumbnail_url,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	Status          TaskStatus      `json:"status"`
	Attempt         int32           `json:"attempt"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}
