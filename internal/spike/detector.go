// Package spike detects abnormal report volume or score swings at submission
// time and decides how long a restaurant stays flagged.
package spike

import (
	"context"
	"math"
	"time"

	"github.com/menza-app/menza/internal/crowd"
	"github.com/menza-app/menza/internal/domain"
	"github.com/menza-app/menza/internal/rules"
)

// Heuristic thresholds for the built-in triggers.
const (
	BucketsPer24h    = 288
	MinVolume        = 4
	VolumeMultiplier = 6
	MinChangeReports = 3
	MinScoreChange   = 25.0
)

// Reasons reported by the built-in triggers.
const (
	ReasonVolume = "volume"
	ReasonChange = "change"
)

// RuleEvaluator evaluates operator spike rules. *rules.Engine implements it.
type RuleEvaluator interface {
	EvaluateAll(ctx context.Context, input *rules.Input) []domain.RuleResult
}

// Input is the state of one restaurant around a submission.
// Prev is the live collection before the new report was appended and
// Next is the collection after.
type Input struct {
	RestaurantID string
	Level        domain.CrowdLevel
	Prev         []domain.CrowdReport
	Next         []domain.CrowdReport
	Now          time.Time
}

// Detection is the outcome of a single check.
type Detection struct {
	PrevScore       float64             `json:"prevScore"`
	NextScore       float64             `json:"nextScore"`
	Window5m        int                 `json:"window5m"`
	Window24h       int                 `json:"window24h"`
	BaselinePer5m   float64             `json:"baselinePer5m"`
	VolumeThreshold int                 `json:"volumeThreshold"`
	SpikeByVolume   bool                `json:"spikeByVolume"`
	SpikeByChange   bool                `json:"spikeByChange"`
	RuleResults     []domain.RuleResult `json:"ruleResults,omitempty"`
	Triggered       bool                `json:"triggered"`
	Reasons         []string            `json:"reasons,omitempty"`
}

// Detector runs the built-in triggers plus any loaded operator rules.
type Detector struct {
	rules RuleEvaluator
}

// NewDetector creates a detector. rules may be nil.
func NewDetector(rules RuleEvaluator) *Detector {
	return &Detector{rules: rules}
}

// Detect compares the aggregate before and after a submission.
func (d *Detector) Detect(ctx context.Context, in Input) Detection {
	prev := crowd.EffectiveCrowd(in.Prev, in.Level, in.Now)
	next := crowd.EffectiveCrowd(in.Next, in.Level, in.Now)

	det := Detection{
		PrevScore: prev.Score,
		NextScore: next.Score,
		Window5m:  crowd.CountInWindow(in.Next, in.Now, domain.SpikeWindow),
		Window24h: crowd.CountInWindow(in.Next, in.Now, domain.ConfidenceSpan),
	}
	det.BaselinePer5m = Baseline(det.Window24h)
	det.VolumeThreshold = VolumeThreshold(det.Window24h)
	det.SpikeByVolume = det.Window5m >= det.VolumeThreshold
	det.SpikeByChange = ByChange(det.Window5m, det.PrevScore, det.NextScore)

	if det.SpikeByVolume {
		det.Reasons = append(det.Reasons, ReasonVolume)
	}
	if det.SpikeByChange {
		det.Reasons = append(det.Reasons, ReasonChange)
	}

	if d != nil && d.rules != nil {
		det.RuleResults = d.rules.EvaluateAll(ctx, &rules.Input{
			RestaurantID:    in.RestaurantID,
			Level:           in.Level,
			Window5m:        det.Window5m,
			Window24h:       det.Window24h,
			BaselinePer5m:   det.BaselinePer5m,
			VolumeThreshold: det.VolumeThreshold,
			PrevScore:       det.PrevScore,
			NextScore:       det.NextScore,
		})
		for _, r := range det.RuleResults {
			if r.Triggered {
				det.Reasons = append(det.Reasons, r.Reason)
			}
		}
	}

	det.Triggered = len(det.Reasons) > 0
	return det
}

// Baseline is the typical number of reports per 5-minute bucket.
func Baseline(window24h int) float64 {
	return float64(window24h) / BucketsPer24h
}

// VolumeThreshold is the 5-minute count that counts as a burst: at least
// MinVolume, or VolumeMultiplier times the baseline when that is larger.
func VolumeThreshold(window24h int) int {
	t := int(math.Ceil(Baseline(window24h) * VolumeMultiplier))
	if t < MinVolume {
		return MinVolume
	}
	return t
}

// ByVolume reports whether the 5-minute count reaches the volume threshold.
func ByVolume(window5m, window24h int) bool {
	return window5m >= VolumeThreshold(window24h)
}

// ByChange reports whether enough recent reports moved the score far enough.
func ByChange(window5m int, prevScore, nextScore float64) bool {
	return window5m >= MinChangeReports && math.Abs(nextScore-prevScore) >= MinScoreChange
}

// Extend returns the anomaly deadline after a spike at now. The deadline
// never moves backwards.
func Extend(current *time.Time, now time.Time) time.Time {
	until := now.Add(domain.AnomalyTTL)
	if current != nil && current.After(until) {
		return *current
	}
	return until
}
