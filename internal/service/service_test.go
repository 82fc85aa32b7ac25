package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/menza-app/menza/internal/bus"
	"github.com/menza-app/menza/internal/cache"
	"github.com/menza-app/menza/internal/catalog"
	"github.com/menza-app/menza/internal/crowd"
	"github.com/menza-app/menza/internal/domain"
	"github.com/menza-app/menza/internal/repository"
	"github.com/menza-app/menza/internal/rules"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc  *Service
	repo domain.Repository
	bus  *bus.ChannelBus
	now  *time.Time
}

func openRepo(t *testing.T, path string) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newFixture(t *testing.T, cfg domain.CrowdConfig, withRules bool) *fixture {
	t.Helper()

	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}

	repo := openRepo(t, filepath.Join(t.TempDir(), "menza.db"))
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	var engine *rules.Engine
	if withRules {
		engine, err = rules.NewEngine(2)
		if err != nil {
			t.Fatalf("failed to create engine: %v", err)
		}
	}

	now := t0
	svc := New(Deps{
		Catalog: cat,
		Repo:    repo,
		Cache:   cache.NewLRUCache(100),
		Bus:     b,
		Rules:   engine,
		Clock:   func() time.Time { return now },
	}, cfg)

	return &fixture{svc: svc, repo: repo, bus: b, now: &now}
}

func defaultCrowd() domain.CrowdConfig {
	return domain.CrowdConfig{
		ViewCacheTTL:     time.Minute,
		JournalRetention: domain.PruneAge,
	}
}

func TestSubmitReport_EndToEnd(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	spikes := make(chan domain.SpikeEvent, 4)
	f.bus.Subscribe(ctx, domain.TopicSpike, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.SpikeEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		spikes <- ev
		return nil
	})

	steps := []struct {
		user   string
		level  string
		offset time.Duration
	}{
		{"ana", "medium", 0},
		{"ivan", "high", 60 * time.Second},
		{"luka", "high", 120 * time.Second},
		{"petra", "high", 150 * time.Second},
	}

	var resp *SubmitResponse
	for _, step := range steps {
		*f.now = t0.Add(step.offset)
		var err error
		resp, err = f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "1", UserID: step.user, Level: step.level})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	if resp.View.Level != domain.LevelHigh {
		t.Errorf("expected high, got %s", resp.View.Level)
	}
	if resp.View.Confidence != crowd.ConfidenceLow {
		t.Errorf("expected Niska, got %s", resp.View.Confidence)
	}
	if !resp.View.AnomalyActive {
		t.Error("expected active anomaly")
	}
	want := t0.Add(150 * time.Second).Add(15 * time.Minute)
	if resp.AnomalyUntil == nil || !resp.AnomalyUntil.Equal(want) {
		t.Errorf("expected anomaly until %v, got %v", want, resp.AnomalyUntil)
	}
	if resp.Report.ID == "" || resp.Report.UserID != "petra" {
		t.Errorf("unexpected journal record: %+v", resp.Report)
	}

	select {
	case ev := <-spikes:
		if ev.RestaurantID != "1" || ev.Window5m != 4 {
			t.Errorf("unexpected spike event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected spike event")
	}

	records, err := f.repo.ListReportsSince(ctx, "1", t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListReportsSince failed: %v", err)
	}
	if len(records) != 4 {
		t.Errorf("expected 4 journaled reports, got %d", len(records))
	}

	anomalies, _ := f.repo.GetAnomalies(ctx)
	if !anomalies["1"].Equal(want) {
		t.Errorf("expected persisted anomaly %v, got %v", want, anomalies["1"])
	}
}

func TestSubmitReport_Validation(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"unknown restaurant", SubmitRequest{RestaurantID: "99", UserID: "u", Level: "low"}, ErrUnknownRestaurant},
		{"missing user", SubmitRequest{RestaurantID: "1", Level: "low"}, ErrMissingUser},
		{"bad level", SubmitRequest{RestaurantID: "1", UserID: "u", Level: "packed"}, domain.ErrInvalidLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitReport(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSubmitReport_RewardsAndWeighsByProfile(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	if err := f.svc.SaveProfile(ctx, "ana", domain.UserTrustProfile{IsPremium: true}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	resp, err := f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "2", UserID: "ana", Level: "low"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if resp.Report.Weight != 1.15 {
		t.Errorf("expected weight 1.15, got %v", resp.Report.Weight)
	}
	if resp.Profile.Points != 5 || resp.Profile.CrowdReportsSubmitted != 1 {
		t.Errorf("expected +5 points and +1 report, got %+v", resp.Profile)
	}

	stored, _ := f.svc.Profile(ctx, "ana")
	if stored.Points != 5 || !stored.IsPremium {
		t.Errorf("profile not persisted: %+v", stored)
	}

	// The reward applies after weighing, so only the next report gains from it.
	resp, _ = f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "2", UserID: "ana", Level: "low"})
	if resp.Report.Weight <= 1.15 {
		t.Errorf("expected weight above 1.15, got %v", resp.Report.Weight)
	}
}

func TestSubmitReport_Throttle(t *testing.T) {
	cfg := defaultCrowd()
	cfg.MaxReportsPerUser = 2
	cfg.ReportCooldown = time.Minute
	f := newFixture(t, cfg, false)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "3", UserID: "ivan", Level: "low"}); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	_, err := f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "3", UserID: "ivan", Level: "low"})
	if !errors.Is(err, ErrThrottled) {
		t.Errorf("expected ErrThrottled, got %v", err)
	}

	if _, err := f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "4", UserID: "ivan", Level: "low"}); err != nil {
		t.Errorf("other restaurants should not be throttled: %v", err)
	}
	if _, err := f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "3", UserID: "ana", Level: "low"}); err != nil {
		t.Errorf("other users should not be throttled: %v", err)
	}
}

// flakyProfiles fails profile lookups while fail is set.
type flakyProfiles struct {
	domain.Repository
	fail bool
}

func (r *flakyProfiles) GetProfile(ctx context.Context, userID string) (*domain.UserTrustProfile, error) {
	if r.fail {
		return nil, errors.New("profile store unavailable")
	}
	return r.Repository.GetProfile(ctx, userID)
}

func TestSubmitReport_ThrottleCountsOnlyAcceptedReports(t *testing.T) {
	cfg := defaultCrowd()
	cfg.MaxReportsPerUser = 1
	cfg.ReportCooldown = time.Minute
	f := newFixture(t, cfg, false)
	ctx := context.Background()

	repo := &flakyProfiles{Repository: f.repo, fail: true}
	svc := New(Deps{
		Catalog: f.svc.catalog,
		Repo:    repo,
		Cache:   cache.NewLRUCache(100),
		Clock:   f.svc.now,
	}, cfg)

	req := SubmitRequest{RestaurantID: "3", UserID: "ivan", Level: "low"}

	if _, err := svc.SubmitReport(ctx, req); err == nil || errors.Is(err, ErrThrottled) {
		t.Fatalf("expected profile lookup failure, got %v", err)
	}

	future := req
	future.At = t0.Add(72 * time.Hour)
	if _, err := svc.SubmitReport(ctx, future); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
	}

	repo.fail = false
	if _, err := svc.SubmitReport(ctx, req); err != nil {
		t.Fatalf("failed submissions must not use up the quota: %v", err)
	}
	if _, err := svc.SubmitReport(ctx, req); !errors.Is(err, ErrThrottled) {
		t.Errorf("expected ErrThrottled after the quota is used, got %v", err)
	}
}

func TestSubmitReport_ReportTime(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		req := SubmitRequest{RestaurantID: "3", UserID: fmt.Sprintf("user-%d", i), Level: "low"}
		if _, err := f.svc.SubmitReport(ctx, req); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	rejected := []struct {
		name string
		at   time.Time
	}{
		{"days ahead", t0.Add(72 * time.Hour)},
		{"just past skew", t0.Add(domain.MaxClockSkew + time.Second)},
		{"already expired", t0.Add(-domain.PruneAge)},
	}

	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "3", UserID: "mallory", Level: "high", At: tt.at})
			if !errors.Is(err, ErrInvalidTimestamp) {
				t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
			}
		})
	}

	if n := len(f.svc.store.Reports("3")); n != 10 {
		t.Errorf("rejected reports must not prune live ones, got %d reports", n)
	}
	if until := f.svc.store.AnomalyUntil("3"); until != nil {
		t.Errorf("rejected reports must not open an anomaly, got %v", until)
	}
	v, _ := f.svc.View(ctx, "3")
	if v.Level != domain.LevelLow || v.LastUpdateText != "just now" {
		t.Errorf("unexpected view after rejections: %+v", v)
	}

	t.Run("small lead is clamped", func(t *testing.T) {
		resp, err := f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "4", UserID: "ana", Level: "low", At: t0.Add(10 * time.Second)})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		if resp.Report.At != t0.UnixMilli() {
			t.Errorf("expected report at the clock, got %v", time.UnixMilli(resp.Report.At).UTC())
		}
	})

	t.Run("past time is kept", func(t *testing.T) {
		at := t0.Add(-10 * time.Minute)
		resp, err := f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "4", UserID: "luka", Level: "low", At: at})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		if resp.Report.At != at.UnixMilli() {
			t.Errorf("expected report at %v, got %v", at, time.UnixMilli(resp.Report.At).UTC())
		}
	})
}

func TestView_LateWriteOfOutdatedViewIsNotServed(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	r, _ := f.svc.catalog.Get("3")

	// outdated builds the view a reader would have rendered from the state
	// before a write, and stores it only after the write finished.
	outdated := func() (key string, v View) {
		verified, flagRev := f.svc.verifiedState(r.ID)
		st := f.svc.store.Snapshot(r.ID)
		return f.svc.viewKey(r.ID, st.Version, flagRev), f.svc.buildView(r, st, verified, f.svc.now())
	}

	t.Run("report", func(t *testing.T) {
		key, stale := outdated()

		if _, err := f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "3", UserID: "ana", Level: "high"}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		if err := cache.SetJSON(ctx, f.svc.cache, key, stale, time.Minute); err != nil {
			t.Fatalf("SetJSON failed: %v", err)
		}

		v, _ := f.svc.View(ctx, "3")
		if v.Level != domain.LevelHigh || v.ReportCount24h != 1 {
			t.Errorf("served an outdated view: %+v", v)
		}
	})

	t.Run("verified flag", func(t *testing.T) {
		key, stale := outdated()

		if err := f.svc.SetVerified(ctx, "3", true); err != nil {
			t.Fatalf("SetVerified failed: %v", err)
		}
		if err := cache.SetJSON(ctx, f.svc.cache, key, stale, time.Minute); err != nil {
			t.Fatalf("SetJSON failed: %v", err)
		}

		v, _ := f.svc.View(ctx, "3")
		if !v.Verified {
			t.Errorf("served an outdated view: %+v", v)
		}
	})
}

func TestView_CacheInvalidatedOnSubmit(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	v, err := f.svc.View(ctx, "3")
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if v.Level != domain.LevelLow || v.LastUpdateText != "no reports" {
		t.Errorf("expected baseline view, got %+v", v)
	}

	f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "3", UserID: "ana", Level: "high"})

	v, _ = f.svc.View(ctx, "3")
	if v.Level != domain.LevelHigh {
		t.Errorf("expected stale view to be invalidated, got %s", v.Level)
	}
	if v.ReportCount24h != 1 || v.LastUpdateText != "just now" {
		t.Errorf("unexpected view: %+v", v)
	}

	if _, err := f.svc.View(ctx, "missing"); !errors.Is(err, ErrUnknownRestaurant) {
		t.Errorf("expected ErrUnknownRestaurant, got %v", err)
	}
}

func TestBoardAndCompare(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	board := f.svc.Board(ctx, "Zagreb")
	if len(board) != 5 {
		t.Fatalf("expected 5 views, got %d", len(board))
	}
	if board[3].Level != domain.LevelHigh || board[3].TrendText != "Rising" {
		t.Errorf("unexpected view for restaurant 4: %+v", board[3])
	}

	cmp, err := f.svc.Compare(ctx, "1", "4")
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if cmp.Quieter != "1" {
		t.Errorf("expected restaurant 1 to be quieter, got %q", cmp.Quieter)
	}

	cmp, _ = f.svc.Compare(ctx, "1", "3")
	if cmp.Quieter != "" {
		t.Errorf("expected tie, got %q", cmp.Quieter)
	}

	if _, err := f.svc.Compare(ctx, "1", "missing"); !errors.Is(err, ErrUnknownRestaurant) {
		t.Errorf("expected ErrUnknownRestaurant, got %v", err)
	}
}

func TestHeatmap(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	t.Run("live slot", func(t *testing.T) {
		cells := f.svc.Heatmap(ctx, "Zagreb", 0, true)
		if len(cells) != 5 {
			t.Fatalf("expected 5 cells, got %d", len(cells))
		}
		if cells[0].Source != SourceLive || cells[0].Level != domain.LevelLow {
			t.Errorf("unexpected cell: %+v", cells[0])
		}
	})

	t.Run("forecast for premium", func(t *testing.T) {
		cells := f.svc.Heatmap(ctx, "Zagreb", 3, true)
		if cells[0].Source != SourceForecast || cells[0].Level != domain.LevelHigh || cells[0].Time != "12:30" {
			t.Errorf("unexpected cell: %+v", cells[0])
		}
		// Restaurant 3 forecasts 70 at 12:30.
		if cells[2].Level != domain.LevelMedium {
			t.Errorf("expected medium for 70, got %s", cells[2].Level)
		}
	})

	t.Run("slot past end is clamped", func(t *testing.T) {
		cells := f.svc.Heatmap(ctx, "Zagreb", 50, true)
		if cells[0].Time != "14:00" || cells[0].Level != domain.LevelLow {
			t.Errorf("unexpected cell: %+v", cells[0])
		}
	})

	t.Run("forecast hidden without premium", func(t *testing.T) {
		cells := f.svc.Heatmap(ctx, "Zagreb", 3, false)
		if cells[0].Source != SourceLive {
			t.Errorf("expected live source, got %s", cells[0].Source)
		}
	})
}

func TestRecordReview(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	p, err := f.svc.RecordReview(ctx, "ana")
	if err != nil {
		t.Fatalf("RecordReview failed: %v", err)
	}
	if p.ReviewsCount != 1 || p.Points != 10 {
		t.Errorf("expected +1 review and +10 points, got %+v", p)
	}

	if _, err := f.svc.RecordReview(ctx, ""); !errors.Is(err, ErrMissingUser) {
		t.Errorf("expected ErrMissingUser, got %v", err)
	}
}

func TestSaveProfileValidation(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)

	err := f.svc.SaveProfile(context.Background(), "ana", domain.UserTrustProfile{Points: -1})
	if !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("expected ErrInvalidProfile, got %v", err)
	}
}

func TestSetVerified(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	// Prime the view cache so the flag has to invalidate it.
	f.svc.View(ctx, "2")

	if err := f.svc.SetVerified(ctx, "2", true); err != nil {
		t.Fatalf("SetVerified failed: %v", err)
	}
	v, _ := f.svc.View(ctx, "2")
	if !v.Verified {
		t.Error("expected verified view")
	}

	f.svc.SetVerified(ctx, "2", false)
	v, _ = f.svc.View(ctx, "2")
	if v.Verified {
		t.Error("expected unverified view")
	}

	if err := f.svc.SetVerified(ctx, "missing", true); !errors.Is(err, ErrUnknownRestaurant) {
		t.Errorf("expected ErrUnknownRestaurant, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "menza.db")
	ctx := context.Background()
	cat, _ := catalog.Default()

	now := t0
	clock := func() time.Time { return now }

	first := New(Deps{Catalog: cat, Repo: openRepo(t, path), Clock: clock}, defaultCrowd())
	for _, user := range []string{"a", "b", "c", "d"} {
		if _, err := first.SubmitReport(ctx, SubmitRequest{RestaurantID: "5", UserID: user, Level: "high"}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	first.SetVerified(ctx, "5", true)

	now = t0.Add(time.Minute)
	second := New(Deps{Catalog: cat, Repo: openRepo(t, path), Clock: clock}, defaultCrowd())
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	v, err := second.View(ctx, "5")
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if v.ReportCount24h != 4 || v.Level != domain.LevelHigh {
		t.Errorf("reports not restored: %+v", v)
	}
	if !v.AnomalyActive {
		t.Error("anomaly not restored")
	}
	if !v.Verified {
		t.Error("verified flag not restored")
	}
}

func TestPruneJournal(t *testing.T) {
	f := newFixture(t, defaultCrowd(), false)
	ctx := context.Background()

	f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "1", UserID: "ana", Level: "low"})

	*f.now = t0.Add(49 * time.Hour)
	n, err := f.svc.PruneJournal(ctx)
	if err != nil {
		t.Fatalf("PruneJournal failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned report, got %d", n)
	}

	reports, _ := f.svc.Reports(ctx, "1")
	if len(reports) != 0 {
		t.Errorf("expired reports should not be listed, got %d", len(reports))
	}
}

func TestSpikeRules(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled without engine", func(t *testing.T) {
		f := newFixture(t, defaultCrowd(), false)
		err := f.svc.SaveSpikeRule(ctx, &domain.SpikeRule{ID: "r", Expression: "true", Enabled: true})
		if !errors.Is(err, ErrRulesDisabled) {
			t.Errorf("expected ErrRulesDisabled, got %v", err)
		}
	})

	f := newFixture(t, defaultCrowd(), true)

	t.Run("invalid rule", func(t *testing.T) {
		err := f.svc.SaveSpikeRule(ctx, &domain.SpikeRule{ID: "bad", Expression: "window_5m +", Enabled: true})
		if !errors.Is(err, ErrInvalidRule) {
			t.Errorf("expected ErrInvalidRule, got %v", err)
		}
	})

	t.Run("rule opens anomaly window", func(t *testing.T) {
		err := f.svc.SaveSpikeRule(ctx, &domain.SpikeRule{
			ID:         "any-high",
			Name:       "Any high report",
			Expression: "level == 'high'",
			Reason:     "high report",
			Enabled:    true,
		})
		if err != nil {
			t.Fatalf("SaveSpikeRule failed: %v", err)
		}
		if f.svc.LoadedRulesCount() != 1 {
			t.Fatalf("expected 1 loaded rule, got %d", f.svc.LoadedRulesCount())
		}

		resp, err := f.svc.SubmitReport(ctx, SubmitRequest{RestaurantID: "2", UserID: "ana", Level: "high"})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		if !resp.Detection.Triggered || resp.AnomalyUntil == nil {
			t.Errorf("expected rule-driven anomaly, got %+v", resp.Detection)
		}
		if len(resp.Detection.Reasons) != 1 || resp.Detection.Reasons[0] != "high report" {
			t.Errorf("unexpected reasons: %v", resp.Detection.Reasons)
		}
	})

	t.Run("list", func(t *testing.T) {
		stored, err := f.svc.SpikeRules(ctx)
		if err != nil {
			t.Fatalf("SpikeRules failed: %v", err)
		}
		if len(stored) != 1 {
			t.Errorf("expected 1 stored rule, got %d", len(stored))
		}
	})
}
