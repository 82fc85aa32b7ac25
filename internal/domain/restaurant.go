package domain

// Trend is the published direction of a restaurant's crowd. It is a static
// catalog attribute, not derived from reports.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// Restaurant is the read-only catalog entry the crowd engine consumes.
type Restaurant struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	City    string `json:"city"`

	WorkingHours []WorkingHours `json:"workingHours,omitempty"`
	Rating       float64        `json:"rating"`
	ReviewCount  int            `json:"reviewCount"`

	// CrowdLevel is the published baseline, used as the fallback level.
	CrowdLevel  CrowdLevel   `json:"crowdLevel"`
	Trend       Trend        `json:"crowdTrend"`
	Pattern     CrowdPattern `json:"crowdPattern"`
	Predictions []Prediction `json:"crowdPredictions"`
}

// WorkingHours is one opening-hours line, e.g. "Pon - Pet" / "09:00 - 15:00".
type WorkingHours struct {
	Label string `json:"label"`
	Times string `json:"times"`
}

// CrowdPattern holds the usual peak and quiet times.
type CrowdPattern struct {
	PeakTime  string `json:"peakTime"`
	QuietTime string `json:"quietTime"`
}

// Prediction is a forecast occupancy (0..100) for a time slot.
type Prediction struct {
	Time  string  `json:"time"`
	Level float64 `json:"level"`
}
