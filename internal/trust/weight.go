// Package trust converts a user's activity profile into a report weight.
package trust

import (
	"math"

	"github.com/menza-app/menza/internal/domain"
)

// Activity coefficients.
const (
	PerCrowdReport = 0.03
	PerReview      = 0.05
	PerPoint       = 0.001
	PremiumBoost   = 0.15

	MinWeight = 1.0
	MaxWeight = 2.0
)

// Weight returns the reliability weight of a user's reports, in [1.0, 2.0],
// rounded to two decimals.
//
// Formula: 1 + reports*0.03 + reviews*0.05 + points*0.001 (+0.15 premium)
//
// Inputs are not validated; negative counts still produce a clamped result.
func Weight(p domain.UserTrustProfile) float64 {
	activity := float64(p.CrowdReportsSubmitted)*PerCrowdReport +
		float64(p.ReviewsCount)*PerReview +
		float64(p.Points)*PerPoint

	boost := 0.0
	if p.IsPremium {
		boost = PremiumBoost
	}

	return Clamp(round2(1 + activity + boost))
}

// Clamp bounds a weight to [MinWeight, MaxWeight].
func Clamp(w float64) float64 {
	if math.IsNaN(w) || w < MinWeight {
		return MinWeight
	}
	if w > MaxWeight {
		return MaxWeight
	}
	return w
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
