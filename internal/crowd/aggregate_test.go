package crowd

import (
	"math"
	"testing"
	"time"

	"github.com/menza-app/menza/internal/domain"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func report(at time.Time, level domain.CrowdLevel, weight float64) domain.CrowdReport {
	return domain.CrowdReport{At: at, Level: level, Weight: weight}
}

func TestEffectiveCrowd_EmptyUsesFallback(t *testing.T) {
	for _, fallback := range []domain.CrowdLevel{domain.LevelLow, domain.LevelMedium, domain.LevelHigh} {
		t.Run(string(fallback), func(t *testing.T) {
			est := EffectiveCrowd(nil, fallback, t0)
			if est.Level != fallback {
				t.Errorf("expected level %s, got %s", fallback, est.Level)
			}
			if est.Score != fallback.Score() {
				t.Errorf("expected score %.1f, got %.1f", fallback.Score(), est.Score)
			}
			if est.LastUpdateAt != nil {
				t.Errorf("expected nil LastUpdateAt, got %v", est.LastUpdateAt)
			}
		})
	}
}

func TestEffectiveCrowd_SingleReport(t *testing.T) {
	est := EffectiveCrowd([]domain.CrowdReport{report(t0.Add(-time.Minute), domain.LevelHigh, 1.3)}, domain.LevelLow, t0)
	if est.Score != domain.ScoreHigh {
		t.Errorf("expected score 90, got %f", est.Score)
	}
	if est.Level != domain.LevelHigh {
		t.Errorf("expected high, got %s", est.Level)
	}
	if est.LastUpdateAt == nil || !est.LastUpdateAt.Equal(t0.Add(-time.Minute)) {
		t.Errorf("unexpected LastUpdateAt %v", est.LastUpdateAt)
	}
}

func TestEffectiveCrowd_WeightedMix(t *testing.T) {
	// Two fresh reports at the same instant: freshness cancels out.
	reports := []domain.CrowdReport{
		report(t0, domain.LevelLow, 1.0),
		report(t0, domain.LevelHigh, 2.0),
	}
	est := EffectiveCrowd(reports, domain.LevelMedium, t0)

	want := (20.0*1.0 + 90.0*2.0) / 3.0
	if math.Abs(est.Score-want) > 1e-9 {
		t.Errorf("expected score %f, got %f", want, est.Score)
	}
	if est.Level != domain.LevelMedium {
		t.Errorf("expected medium for score %.2f, got %s", est.Score, est.Level)
	}
}

func TestEffectiveCrowd_FreshReportsDominate(t *testing.T) {
	reports := []domain.CrowdReport{
		report(t0.Add(-3*time.Hour), domain.LevelLow, 1.0),
		report(t0, domain.LevelHigh, 1.0),
	}
	est := EffectiveCrowd(reports, domain.LevelLow, t0)

	want := (20.0*0.6 + 90.0*1.0) / 1.6
	if math.Abs(est.Score-want) > 1e-9 {
		t.Errorf("expected score %f, got %f", want, est.Score)
	}
}

func TestEffectiveCrowd_ZeroWeightFallsBack(t *testing.T) {
	reports := []domain.CrowdReport{report(t0, domain.LevelHigh, 0)}
	est := EffectiveCrowd(reports, domain.LevelLow, t0)
	if est.Score != domain.ScoreLow {
		t.Errorf("expected fallback score 20, got %f", est.Score)
	}
	if est.Level != domain.LevelLow {
		t.Errorf("expected low, got %s", est.Level)
	}
}

func TestEffectiveCrowd_IgnoresStaleReports(t *testing.T) {
	stale := report(t0.Add(-49*time.Hour), domain.LevelHigh, 2.0)

	t.Run("OnlyStale", func(t *testing.T) {
		est := EffectiveCrowd([]domain.CrowdReport{stale}, domain.LevelLow, t0)
		if est.Level != domain.LevelLow || est.LastUpdateAt != nil {
			t.Errorf("stale report leaked into estimate: %+v", est)
		}
	})

	t.Run("Mixed", func(t *testing.T) {
		fresh := report(t0.Add(-time.Minute), domain.LevelLow, 1.0)
		est := EffectiveCrowd([]domain.CrowdReport{stale, fresh}, domain.LevelHigh, t0)
		if est.Score != domain.ScoreLow {
			t.Errorf("expected only fresh report to count, got score %f", est.Score)
		}
	})
}

func TestEffectiveCrowd_ScoreWithinCanonicalRange(t *testing.T) {
	levels := []domain.CrowdLevel{domain.LevelLow, domain.LevelMedium, domain.LevelHigh}
	var reports []domain.CrowdReport
	for i := 0; i < 60; i++ {
		reports = append(reports, report(t0.Add(-time.Duration(i)*7*time.Minute), levels[i%3], 1+float64(i%10)/10))
		est := EffectiveCrowd(reports, domain.LevelMedium, t0)
		if est.Score < domain.ScoreLow || est.Score > domain.ScoreHigh {
			t.Fatalf("score %f outside [20, 90] after %d reports", est.Score, i+1)
		}
	}
}

func TestFreshness(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want float64
	}{
		{0, 1.0},
		{-time.Minute, 1.0},
		{time.Hour, 0.8},
		{2 * time.Hour, 0.6},
		{10 * time.Hour, 0.6},
	}
	for _, tt := range tests {
		if got := Freshness(tt.age); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Freshness(%v) = %f, want %f", tt.age, got, tt.want)
		}
	}
}

func TestFreshness_Monotonic(t *testing.T) {
	prev := Freshness(0)
	for age := time.Duration(0); age <= 3*time.Hour; age += 90 * time.Second {
		f := Freshness(age)
		if f > prev {
			t.Fatalf("freshness increased with age at %v: %f > %f", age, f, prev)
		}
		prev = f
	}
}

func TestScoreToLevelThresholds(t *testing.T) {
	tests := []struct {
		score float64
		want  domain.CrowdLevel
	}{
		{20, domain.LevelLow},
		{44.99, domain.LevelLow},
		{45, domain.LevelMedium},
		{74.99, domain.LevelMedium},
		{75, domain.LevelHigh},
		{90, domain.LevelHigh},
	}
	for _, tt := range tests {
		if got := domain.ScoreToLevel(tt.score); got != tt.want {
			t.Errorf("ScoreToLevel(%.2f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}
