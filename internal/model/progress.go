package model

// ProgressStage is the single session-wide UI-facing pipeline state.
// It is advanced monotonically by the active run and reset to idle on
// completion, error, or cancellation.
type ProgressStage string

const (
	StageIdle       ProgressStage = "idle"
	StageUploading  ProgressStage = "uploading"
	StageProcessing ProgressStage = "processing"
	StageAnalyzing  ProgressStage = "analyzing"
	StageGenerating ProgressStage = "generating"
)
