package crowd

import (
	"time"

	"github.com/menza-app/menza/internal/domain"
)

// ConfidenceLabel is the coarse trust indicator shown next to a crowd level.
type ConfidenceLabel string

const (
	ConfidenceLow    ConfidenceLabel = "Niska"
	ConfidenceMedium ConfidenceLabel = "Srednja"
	ConfidenceHigh   ConfidenceLabel = "Visoka"
)

// Rank orders labels: Niska=0, Srednja=1, Visoka=2.
func (c ConfidenceLabel) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// Confidence label thresholds.
const (
	HighConfidenceReports   = 20
	HighConfidenceMaxAge    = 60 * time.Minute
	MediumConfidenceReports = 8
	MediumConfidenceMaxAge  = 180 * time.Minute
)

// Confidence summarizes how much recent reporting backs an estimate.
type Confidence struct {
	Label          ConfidenceLabel `json:"label"`
	ReportCount24h int             `json:"reportCount24h"`
	LastUpdateAt   *time.Time      `json:"lastUpdateAt"`
}

// ComputeConfidence requires both volume in the last 24h and recency of the
// latest report. LastUpdateAt considers every live report, not only the 24h window.
func ComputeConfidence(reports []domain.CrowdReport, now time.Time) Confidence {
	live := Live(reports, now)
	count := CountInWindow(live, now, domain.ConfidenceSpan)
	last := LastUpdate(live)

	return Confidence{
		Label:          confidenceLabel(count, last, now),
		ReportCount24h: count,
		LastUpdateAt:   last,
	}
}

func confidenceLabel(count int, last *time.Time, now time.Time) ConfidenceLabel {
	if last == nil {
		return ConfidenceLow
	}
	age := now.Sub(*last)
	if count >= HighConfidenceReports && age <= HighConfidenceMaxAge {
		return ConfidenceHigh
	}
	if count >= MediumConfidenceReports && age <= MediumConfidenceMaxAge {
		return ConfidenceMedium
	}
	return ConfidenceLow
}

// IsAnomalyActive reports whether an anomaly window is still open at now.
func IsAnomalyActive(until *time.Time, now time.Time) bool {
	return until != nil && !until.IsZero() && until.After(now)
}
