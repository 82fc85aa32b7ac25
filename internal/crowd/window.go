// Package crowd implements the crowd-level estimation core: weighted
// aggregation with time decay, confidence, report windows and display
// formatting. Every function is pure and takes "now" explicitly.
package crowd

import (
	"time"

	"github.com/menza-app/menza/internal/domain"
)

// IsStale reports whether a report is past the pruning age relative to now.
func IsStale(r domain.CrowdReport, now time.Time) bool {
	return now.Sub(r.At) > domain.PruneAge
}

// Live returns the reports that are not stale. The input is not modified.
func Live(reports []domain.CrowdReport, now time.Time) []domain.CrowdReport {
	for i, r := range reports {
		if IsStale(r, now) {
			return appendLive(reports[:i:i], reports[i+1:], now)
		}
	}
	return reports
}

func appendLive(dst, rest []domain.CrowdReport, now time.Time) []domain.CrowdReport {
	out := make([]domain.CrowdReport, len(dst), len(dst)+len(rest))
	copy(out, dst)
	for _, r := range rest {
		if !IsStale(r, now) {
			out = append(out, r)
		}
	}
	return out
}

// InWindow returns reports with At in [now-window, now].
func InWindow(reports []domain.CrowdReport, now time.Time, window time.Duration) []domain.CrowdReport {
	start := now.Add(-window)
	var out []domain.CrowdReport
	for _, r := range reports {
		if !r.At.Before(start) && !r.At.After(now) {
			out = append(out, r)
		}
	}
	return out
}

// CountInWindow is InWindow without the allocation.
func CountInWindow(reports []domain.CrowdReport, now time.Time, window time.Duration) int {
	start := now.Add(-window)
	n := 0
	for _, r := range reports {
		if !r.At.Before(start) && !r.At.After(now) {
			n++
		}
	}
	return n
}

// LastUpdate returns the latest report time, or nil when there are none.
func LastUpdate(reports []domain.CrowdReport) *time.Time {
	if len(reports) == 0 {
		return nil
	}
	last := reports[0].At
	for _, r := range reports[1:] {
		if r.At.After(last) {
			last = r.At
		}
	}
	return &last
}
