package crowd

import (
	"time"

	"github.com/menza-app/menza/internal/domain"
)

// Freshness bounds. Reports older than FreshnessSpan keep the floor.
const (
	FreshnessFloor = 0.6
	FreshnessRange = 0.4
)

// Estimate is the effective crowd for a restaurant at a point in time.
type Estimate struct {
	Score        float64           `json:"score"`
	Level        domain.CrowdLevel `json:"level"`
	LastUpdateAt *time.Time        `json:"lastUpdateAt"`
}

// Freshness returns the decay multiplier for a report of the given age:
// 1.0 for a brand-new report, falling linearly to 0.6 at two hours and
// staying there. Negative ages count as zero.
func Freshness(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	remaining := 1 - float64(age)/float64(domain.FreshnessSpan)
	if remaining < 0 {
		remaining = 0
	}
	return FreshnessFloor + FreshnessRange*remaining
}

// EffectiveCrowd combines reports into a single score and level. With no live
// reports the fallback level is returned unchanged and LastUpdateAt is nil.
func EffectiveCrowd(reports []domain.CrowdReport, fallback domain.CrowdLevel, now time.Time) Estimate {
	live := Live(reports, now)
	if len(live) == 0 {
		return Estimate{Score: fallback.Score(), Level: fallback}
	}

	var sum, sumW float64
	for _, r := range live {
		w := r.Weight * Freshness(now.Sub(r.At))
		sumW += w
		sum += r.Level.Score() * w
	}

	score := fallback.Score()
	if sumW > 0 {
		score = sum / sumW
	}

	return Estimate{
		Score:        score,
		Level:        domain.ScoreToLevel(score),
		LastUpdateAt: LastUpdate(live),
	}
}
