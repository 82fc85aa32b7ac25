package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidLevel is returned when a crowd level is not one of low, medium or high.
var ErrInvalidLevel = errors.New("invalid crowd level")

// CrowdLevel is the categorical occupancy estimate for a restaurant.
type CrowdLevel string

const (
	LevelLow    CrowdLevel = "low"
	LevelMedium CrowdLevel = "medium"
	LevelHigh   CrowdLevel = "high"
)

// Canonical scores used for aggregation math. Spaced apart so spikes are detectable.
const (
	ScoreLow    = 20.0
	ScoreMedium = 60.0
	ScoreHigh   = 90.0
)

// Thresholds for mapping an aggregated score back to a level.
const (
	HighThreshold   = 75.0
	MediumThreshold = 45.0
)

// ParseLevel validates a raw level string.
func ParseLevel(s string) (CrowdLevel, error) {
	switch CrowdLevel(s) {
	case LevelLow, LevelMedium, LevelHigh:
		return CrowdLevel(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

// Valid reports whether l is a known level.
func (l CrowdLevel) Valid() bool {
	_, err := ParseLevel(string(l))
	return err == nil
}

// Score returns the canonical numeric score of the level.
// Unknown levels score as high, matching the severity ordering.
func (l CrowdLevel) Score() float64 {
	switch l {
	case LevelLow:
		return ScoreLow
	case LevelMedium:
		return ScoreMedium
	default:
		return ScoreHigh
	}
}

// Rank orders levels by severity: low=0, medium=1, high=2.
func (l CrowdLevel) Rank() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	default:
		return 2
	}
}

// ScoreToLevel maps an aggregated score to a level.
func ScoreToLevel(score float64) CrowdLevel {
	if score >= HighThreshold {
		return LevelHigh
	}
	if score >= MediumThreshold {
		return LevelMedium
	}
	return LevelLow
}

// CrowdReport is one user's observation. Immutable once created.
type CrowdReport struct {
	At     time.Time
	Level  CrowdLevel
	Weight float64
}

// ReportRecord is the flat persisted and wire encoding of a CrowdReport.
type ReportRecord struct {
	ID     string     `json:"id,omitempty"`
	UserID string     `json:"userId,omitempty"`
	At     int64      `json:"at"` // epoch ms
	Level  CrowdLevel `json:"level"`
	Weight float64    `json:"weight"`
}

// Record converts the report to its flat encoding.
func (r CrowdReport) Record() ReportRecord {
	return ReportRecord{
		At:     r.At.UnixMilli(),
		Level:  r.Level,
		Weight: r.Weight,
	}
}

// Report converts a flat record back into a CrowdReport.
func (r ReportRecord) Report() CrowdReport {
	return CrowdReport{
		At:     time.UnixMilli(r.At).UTC(),
		Level:  r.Level,
		Weight: r.Weight,
	}
}

// UserTrustProfile is the activity summary used to weight a user's reports.
// Counts are expected to be non-negative; that is the caller's responsibility.
type UserTrustProfile struct {
	Points                int  `json:"points"`
	CrowdReportsSubmitted int  `json:"crowdReportsSubmitted"`
	ReviewsCount          int  `json:"reviewsCount"`
	IsPremium             bool `json:"isPremium"`
}

// Gamification rewards.
const (
	PointsPerCrowdReport = 5
	PointsPerReview      = 10
)

// Standard time windows.
const (
	PruneAge       = 48 * time.Hour
	FreshnessSpan  = 2 * time.Hour
	ConfidenceSpan = 24 * time.Hour
	SpikeWindow    = 5 * time.Minute
	AnomalyTTL     = 15 * time.Minute

	// MaxClockSkew is how far a caller-supplied report time may run ahead
	// of the service clock.
	MaxClockSkew = 30 * time.Second
)
