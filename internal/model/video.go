package model

// PreAnalysis is the lightweight client-side eligibility check performed
// before submission. Read-only input to the dispatcher.
type PreAnalysis struct {
	Sport             string  `json:"sport"`
	DurationSeconds   float64 `json:"duration_seconds"`
	ProEligible       bool    `json:"pro_eligible"`
	TechniqueEligible bool    `json:"technique_eligible"`
	ThumbnailURL      string  `json:"thumbnail_url,omitempty"`
}

var racketSports = map[string]bool{
	"tennis":       true,
	"badminton":    true,
	"squash":       true,
	"table_tennis": true,
	"padel":        true,
	"pickleball":   true,
}

// IsRacketSport reports whether the detected sport is a racket sport,
// which gates the technique-choice branch of dispatch.
func (p PreAnalysis) IsRacketSport() bool {
	return racketSports[p.Sport]
}

// AnalysisSettings are the user-facing knobs forwarded to the analysis service.
type AnalysisSettings struct {
	Depth      string `json:"depth"`      // "standard" | "deep"
	Resolution string `json:"resolution"` // frame sampling resolution hint
	Domain     string `json:"domain"`     // domain expertise, e.g. "tennis coach"
}
