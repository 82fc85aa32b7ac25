package crowd

import (
	"testing"
	"time"

	"github.com/menza-app/menza/internal/domain"
)

// reportsEvery returns n reports spaced by step, the newest at newest.
func reportsEvery(n int, newest time.Time, step time.Duration) []domain.CrowdReport {
	out := make([]domain.CrowdReport, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, report(newest.Add(-time.Duration(i)*step), domain.LevelMedium, 1.0))
	}
	return out
}

func TestComputeConfidence(t *testing.T) {
	tests := []struct {
		name      string
		reports   []domain.CrowdReport
		wantLabel ConfidenceLabel
		wantCount int
	}{
		{"NoReports", nil, ConfidenceLow, 0},
		{"OneFreshReport", reportsEvery(1, t0, time.Minute), ConfidenceLow, 1},
		{"TwentyFresh", reportsEvery(20, t0.Add(-10*time.Minute), time.Minute), ConfidenceHigh, 20},
		{"TwentyButLastTooOld", reportsEvery(20, t0.Add(-61*time.Minute), time.Minute), ConfidenceMedium, 20},
		{"EightRecent", reportsEvery(8, t0.Add(-170*time.Minute), time.Minute), ConfidenceMedium, 8},
		{"EightStale", reportsEvery(8, t0.Add(-181*time.Minute), time.Minute), ConfidenceLow, 8},
		{"SevenFresh", reportsEvery(7, t0, time.Minute), ConfidenceLow, 7},
		{"ManyOutside24h", reportsEvery(30, t0.Add(-25*time.Hour), time.Minute), ConfidenceLow, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ComputeConfidence(tt.reports, t0)
			if c.Label != tt.wantLabel {
				t.Errorf("expected label %s, got %s", tt.wantLabel, c.Label)
			}
			if c.ReportCount24h != tt.wantCount {
				t.Errorf("expected count %d, got %d", tt.wantCount, c.ReportCount24h)
			}
		})
	}
}

func TestComputeConfidence_LastUpdateSpansAllReports(t *testing.T) {
	reports := reportsEvery(3, t0.Add(-30*time.Hour), time.Minute)
	c := ComputeConfidence(reports, t0)
	if c.ReportCount24h != 0 {
		t.Errorf("expected no reports in 24h, got %d", c.ReportCount24h)
	}
	if c.LastUpdateAt == nil || !c.LastUpdateAt.Equal(t0.Add(-30*time.Hour)) {
		t.Errorf("expected LastUpdateAt from outside the 24h window, got %v", c.LastUpdateAt)
	}
}

func TestComputeConfidence_IgnoresStale(t *testing.T) {
	reports := reportsEvery(5, t0.Add(-50*time.Hour), time.Minute)
	c := ComputeConfidence(reports, t0)
	if c.LastUpdateAt != nil {
		t.Errorf("stale reports must not set LastUpdateAt, got %v", c.LastUpdateAt)
	}
}

func TestComputeConfidence_MonotonicInVolume(t *testing.T) {
	newest := t0.Add(-30 * time.Minute)
	prev := ConfidenceLow
	for n := 1; n <= 30; n++ {
		c := ComputeConfidence(reportsEvery(n, newest, time.Minute), t0)
		if c.Label.Rank() < prev.Rank() {
			t.Fatalf("confidence dropped from %s to %s at %d reports", prev, c.Label, n)
		}
		prev = c.Label
	}
	if prev != ConfidenceHigh {
		t.Errorf("expected to reach %s, got %s", ConfidenceHigh, prev)
	}
}

func TestIsAnomalyActive(t *testing.T) {
	future := t0.Add(time.Minute)
	past := t0.Add(-time.Minute)
	var zero time.Time

	if !IsAnomalyActive(&future, t0) {
		t.Error("expected future window to be active")
	}
	if IsAnomalyActive(&past, t0) {
		t.Error("expected past window to be inactive")
	}
	if IsAnomalyActive(&t0, t0) {
		t.Error("window ending exactly now is inactive")
	}
	if IsAnomalyActive(nil, t0) || IsAnomalyActive(&zero, t0) {
		t.Error("missing window must be inactive")
	}
}
