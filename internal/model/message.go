package model

import "time"

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type MessageType string

const (
	MessageTypePlain           MessageType = "plain"
	MessageTypeAnalysisOptions MessageType = "analysis_options"
	MessageTypeTechniqueResult MessageType = "technique_result"
)

// OptionChoice is the user's selection on an analysis_options message.
// It transitions from empty to a terminal value exactly once.
type OptionChoice string

const (
	OptionNone  OptionChoice = ""
	OptionQuick OptionChoice = "quick"
	OptionPro   OptionChoice = "pro"
)

// ConversationMessage is one entry in the persisted conversation log.
// Created by the coordinator, mutated in place by streaming updates, and
// never mutated after being marked terminal (Streaming=false) except by
// the retry engine, which resets it to streaming state.
type ConversationMessage struct {
	ID             int64             `json:"id"`
	ConversationID int64             `json:"conversation_id"`
	Role           MessageRole       `json:"role"`
	Type           MessageType       `json:"type"`
	Content        string            `json:"content"`
	VideoURL       *string           `json:"video_url,omitempty"`
	Streaming      bool              `json:"streaming"`
	Incomplete     bool              `json:"incomplete"`
	Options        *AnalysisOptions  `json:"options,omitempty"`
	ResultTags     map[string]string `json:"result_tags,omitempty"`
	TaskID         *int64            `json:"task_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Terminal reports whether the message has reached a final state for its turn.
func (m ConversationMessage) Terminal() bool {
	return !m.Streaming
}

// AnalysisOptions is the state attached to exactly one analysis_options
// assistant message. Selected is set once and never reverts, except when
// dispatch resumes without a resolvable video reference.
type AnalysisOptions struct {
	Pre      PreAnalysis   `json:"pre_analysis"`
	VideoURL string        `json:"video_url"`
	Prompt   string        `json:"prompt"`
	Selected OptionChoice  `json:"selected"`
	Choices  []OptionOffer `json:"choices"`
}

// OptionOffer is one selectable analysis path shown to the user.
type OptionOffer struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// MessageUpdate is a partial update applied to a conversation message.
// Nil fields are left untouched.
type MessageUpdate struct {
	Content    *string
	Streaming  *bool
	Incomplete *bool
	Type       *MessageType
	VideoURL   *string
	Options    *AnalysisOptions
	ResultTags map[string]string
	TaskID     *int64
}
