package http

import (
	"courtside.app/coach/internal/model"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

type submitRequest struct {
	Prompt   string `form:"prompt" json:"prompt"`
	VideoURL string `form:"video_url" json:"video_url"`

	Sport             string  `form:"sport" json:"sport"`
	DurationSeconds   float64 `form:"duration_seconds" json:"duration_seconds"`
	ProEligible       bool    `form:"pro_eligible" json:"pro_eligible"`
	TechniqueEligible bool    `form:"technique_eligible" json:"technique_eligible"`
	ThumbnailURL      string  `form:"thumbnail_url" json:"thumbnail_url"`
	NeedsConversion   bool    `form:"needs_conversion" json:"needs_conversion"`

	Depth      string `form:"depth" json:"depth"`
	Resolution string `form:"resolution" json:"resolution"`
	Domain     string `form:"domain" json:"domain"`
}

func (r submitRequest) hasPreAnalysis() bool {
	return r.Sport != "" || r.ProEligible || r.TechniqueEligible
}

func (r submitRequest) preAnalysis() *model.PreAnalysis {
	if !r.hasPreAnalysis() {
		return nil
	}
	return &model.PreAnalysis{
		Sport:             r.Sport,
		DurationSeconds:   r.DurationSeconds,
		ProEligible:       r.ProEligible,
		TechniqueEligible: r.TechniqueEligible,
		ThumbnailURL:      r.ThumbnailURL,
	}
}

func (r submitRequest) settings() model.AnalysisSettings {
	return model.AnalysisSettings{
		Depth:      r.Depth,
		Resolution: r.Resolution,
		Domain:     r.Domain,
	}
}

type selectRequest struct {
	Choice string `json:"choice" binding:"required"`
}

type submitResponse struct {
	MessageID int64 `json:"message_id,string"`
}

type errorResponse struct {
	Error string `json:"error"`
}
