package crowd

import (
	"fmt"
	"time"

	"github.com/menza-app/menza/internal/domain"
)

// FormatTimeAgo renders the age of the latest report for display.
func FormatTimeAgo(at *time.Time, now time.Time) string {
	if at == nil || at.IsZero() {
		return "no reports"
	}

	diff := now.Sub(*at)
	if diff < 0 {
		diff = 0
	}

	mins := int(diff / time.Minute)
	if mins < 1 {
		return "just now"
	}
	if mins < 60 {
		return fmt.Sprintf("%d min ago", mins)
	}
	hours := mins / 60
	if hours < 24 {
		return fmt.Sprintf("%d h ago", hours)
	}
	return fmt.Sprintf("%d d ago", hours/24)
}

// TrendText is the display label for a catalog trend.
func TrendText(t domain.Trend) string {
	switch t {
	case domain.TrendRising:
		return "Rising"
	case domain.TrendFalling:
		return "Falling"
	default:
		return "Stable"
	}
}
