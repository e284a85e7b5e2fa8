package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, enabling zero-touch logging where pipeline
// context (conversation_id, run_id, etc.) is automatically included in all log statements.
type LogFields struct {
	ConversationID *int64  // Conversation the pipeline run belongs to
	RunID          *int64  // Pipeline run ID
	MessageID      *int64  // Conversation message being written
	TaskID         *int64  // Durable analysis task ID
	UserID         *int64  // Submitting user
	Stage          *string // Pipeline stage (e.g., "uploading", "analyzing")
	Component      string  // Component name (OTel semantic convention style, e.g., "coach.pipeline.dispatcher")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.ConversationID != nil {
		result.ConversationID = next.ConversationID
	}
	if next.RunID != nil {
		result.RunID = next.RunID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.TaskID != nil {
		result.TaskID = next.TaskID
	}
	if next.UserID != nil {
		result.UserID = next.UserID
	}
	if next.Stage != nil {
		result.Stage = next.Stage
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{RunID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like prompts or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
