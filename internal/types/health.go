package types

import "time"

// HealthLevel is the banded interpretation of an overall health score.
type HealthLevel string

const (
	LevelExcellent HealthLevel = "EXCELLENT" // 90-100
	LevelGood      HealthLevel = "GOOD"      // 75-89
	LevelFair      HealthLevel = "FAIR"      // 60-74
	LevelPoor      HealthLevel = "POOR"      // 40-59
	LevelCritical  HealthLevel = "CRITICAL"  // 0-39
)

// LevelForScore maps an overall score to its health level band.
func LevelForScore(score float64) HealthLevel {
	switch {
	case score >= 90:
		return LevelExcellent
	case score >= 75:
		return LevelGood
	case score >= 60:
		return LevelFair
	case score >= 40:
		return LevelPoor
	default:
		return LevelCritical
	}
}

// TrendDirection summarizes the recent movement of the overall score.
type TrendDirection string

const (
	TrendImproving TrendDirection = "IMPROVING"
	TrendStable    TrendDirection = "STABLE"
	TrendDeclining TrendDirection = "DECLINING"
	TrendVolatile  TrendDirection = "VOLATILE"
)

// HealthTrend is a least-squares fit over the recent score window.
type HealthTrend struct {
	// Direction is the classified movement
	Direction TrendDirection `json:"direction"`
	// Slope is the fitted change in score per sample
	Slope float64 `json:"slope"`
	// Confidence reflects how well the fit explains the samples (0.0-1.0)
	Confidence float64 `json:"confidence"`
}

// ComponentScore is one collaborator's contribution to the overall score.
type ComponentScore struct {
	// Component is the collaborator name
	Component string `json:"component"`
	// Weight is the effective weight used in the overall sum. A missing
	// component carries weight 0; its configured weight is redistributed.
	Weight float64 `json:"weight"`
	// Score is the component's 0-100 score
	Score float64 `json:"score"`
	// Present indicates the component was reachable for this computation
	Present bool `json:"present"`
}

// HealthScore is the weighted 0-100 aggregate over collaborator components.
// It is always derived fresh and never persisted.
type HealthScore struct {
	Components []ComponentScore `json:"components"`
	Overall    float64          `json:"overall"`
	Level      HealthLevel      `json:"level"`
	Trend      HealthTrend      `json:"trend"`
	ComputedAt time.Time        `json:"computed_at"`
}

// Clone returns a deep copy of the health score.
func (h *HealthScore) Clone() *HealthScore {
	cp := *h
	cp.Components = append([]ComponentScore(nil), h.Components...)
	return &cp
}
