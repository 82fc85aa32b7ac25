// Package service wires the crowd core to the catalog, persistence, cache and
// event bus. It is the only layer that reads the clock.
package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/menza-app/menza/internal/bus"
	"github.com/menza-app/menza/internal/cache"
	"github.com/menza-app/menza/internal/catalog"
	"github.com/menza-app/menza/internal/crowd"
	"github.com/menza-app/menza/internal/domain"
	"github.com/menza-app/menza/internal/repository"
	"github.com/menza-app/menza/internal/rules"
	"github.com/menza-app/menza/internal/spike"
	"github.com/menza-app/menza/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrUnknownRestaurant = errors.New("unknown restaurant")
	ErrMissingUser       = errors.New("user id is required")
	ErrThrottled         = errors.New("too many reports, try again later")
	ErrInvalidProfile    = errors.New("invalid profile")
	ErrInvalidTimestamp  = errors.New("report timestamp out of range")
)

var tracer = otel.Tracer("menza-service")

// Clock returns the current time.
type Clock func() time.Time

const userLockStripes = 64

// Deps are the collaborators of a Service. Cache, Bus and Rules are optional.
type Deps struct {
	Catalog *catalog.Catalog
	Store   *store.Store
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Rules   *rules.Engine
	Clock   Clock
}

// Service is the crowd application service.
type Service struct {
	catalog *catalog.Catalog
	store   *store.Store
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	rules   *rules.Engine
	now     Clock
	cfg     domain.CrowdConfig

	verifiedMu sync.RWMutex
	verified   map[string]bool
	flagRev    uint64

	// viewEpoch keeps cached views of earlier processes out of reach.
	viewEpoch string

	// Profile read-modify-write is serialized per user.
	userLocks [userLockStripes]sync.Mutex
}

// New creates a service.
func New(d Deps, cfg domain.CrowdConfig) *Service {
	now := d.Clock
	if now == nil {
		now = time.Now
	}
	st := d.Store
	if st == nil {
		st = store.New(spike.NewDetector(ruleEvaluator(d.Rules)))
	}
	return &Service{
		catalog:  d.Catalog,
		store:    st,
		repo:     d.Repo,
		cache:    d.Cache,
		bus:      d.Bus,
		rules:    d.Rules,
		now:      now,
		cfg:      cfg,
		verified: make(map[string]bool),

		viewEpoch: uuid.New().String()[:8],
	}
}

// ruleEvaluator avoids handing a typed nil engine to the detector.
func ruleEvaluator(e *rules.Engine) spike.RuleEvaluator {
	if e == nil {
		return nil
	}
	return e
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.userLocks[h.Sum32()%userLockStripes]
}

// SubmitRequest is a crowd report submission.
type SubmitRequest struct {
	RestaurantID string
	UserID       string
	Level        string

	// At overrides the service clock, e.g. for reports stamped by a gateway.
	At time.Time
}

// SubmitResponse is the outcome of an accepted submission.
type SubmitResponse struct {
	Report       domain.ReportRecord     `json:"report"`
	View         View                    `json:"view"`
	Detection    spike.Detection         `json:"detection"`
	AnomalyUntil *time.Time              `json:"anomalyUntil,omitempty"`
	Profile      domain.UserTrustProfile `json:"profile"`
}

// SubmitReport validates and records a crowd report, then journals it,
// rewards the user and announces the result.
func (s *Service) SubmitReport(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	ctx, span := tracer.Start(ctx, "service.SubmitReport")
	defer span.End()
	span.SetAttributes(attribute.String("restaurant.id", req.RestaurantID))

	restaurant, ok := s.catalog.Get(req.RestaurantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRestaurant, req.RestaurantID)
	}
	if req.UserID == "" {
		return nil, ErrMissingUser
	}
	level, err := domain.ParseLevel(req.Level)
	if err != nil {
		return nil, err
	}

	now, err := s.reportTime(req.At)
	if err != nil {
		return nil, err
	}

	mu := s.userLock(req.UserID)
	mu.Lock()
	defer mu.Unlock()

	profile, err := s.loadProfile(ctx, req.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile lookup failed")
		return nil, err
	}

	// Nothing after the throttle can reject a validated report.
	if err := s.throttle(ctx, req.UserID, req.RestaurantID); err != nil {
		return nil, err
	}

	res, err := s.store.Submit(ctx, req.RestaurantID, level, *profile, now)
	if err != nil {
		return nil, err
	}

	rec := res.Report.Record()
	rec.ID = uuid.New().String()
	rec.UserID = req.UserID

	if err := s.repo.SaveReport(ctx, req.RestaurantID, rec); err != nil {
		slog.Error("failed to journal crowd report",
			"restaurant_id", req.RestaurantID,
			"report_id", rec.ID,
			"error", err,
		)
	}
	if res.Detection.Triggered && res.AnomalyUntil != nil {
		if err := s.repo.SaveAnomaly(ctx, req.RestaurantID, *res.AnomalyUntil); err != nil {
			slog.Error("failed to persist anomaly window",
				"restaurant_id", req.RestaurantID,
				"error", err,
			)
		}
	}

	profile.CrowdReportsSubmitted++
	profile.Points += domain.PointsPerCrowdReport
	if err := s.repo.SaveProfile(ctx, req.UserID, profile); err != nil {
		slog.Error("failed to update profile",
			"user_id", req.UserID,
			"error", err,
		)
	}

	verified, flagRev := s.verifiedState(req.RestaurantID)
	s.invalidateView(ctx, req.RestaurantID, res.Version-1, flagRev)

	view := s.buildView(restaurant, store.State{Reports: res.Reports, AnomalyUntil: res.AnomalyUntil}, verified, now)
	s.announce(ctx, req, rec, view, res)

	span.SetAttributes(
		attribute.String("crowd.effective_level", string(view.Level)),
		attribute.Bool("crowd.spike", res.Detection.Triggered),
	)

	slog.Info("crowd report accepted",
		"restaurant_id", req.RestaurantID,
		"user_id", req.UserID,
		"level", level,
		"weight", rec.Weight,
		"effective_level", view.Level,
		"score", view.Score,
		"spike", res.Detection.Triggered,
	)

	return &SubmitResponse{
		Report:       rec,
		View:         view,
		Detection:    res.Detection,
		AnomalyUntil: res.AnomalyUntil,
		Profile:      *profile,
	}, nil
}

// reportTime resolves the time a report is recorded at. A supplied time may
// lag the clock by less than PruneAge and lead it by at most MaxClockSkew;
// a small lead is clamped to the clock so it never moves "now" forward.
func (s *Service) reportTime(at time.Time) (time.Time, error) {
	clock := s.now()
	if at.IsZero() {
		return clock, nil
	}
	if at.After(clock.Add(domain.MaxClockSkew)) {
		return time.Time{}, fmt.Errorf("%w: %s is ahead of the clock", ErrInvalidTimestamp, at.Format(time.RFC3339))
	}
	if clock.Sub(at) >= domain.PruneAge {
		return time.Time{}, fmt.Errorf("%w: %s has already expired", ErrInvalidTimestamp, at.Format(time.RFC3339))
	}
	if at.After(clock) {
		return clock, nil
	}
	return at, nil
}

// throttle limits how many reports a user can send for one restaurant in the
// cooldown window. Cache failures let the report through.
func (s *Service) throttle(ctx context.Context, userID, restaurantID string) error {
	if s.cache == nil || s.cfg.MaxReportsPerUser <= 0 || s.cfg.ReportCooldown <= 0 {
		return nil
	}

	n, err := s.cache.IncrementCounter(ctx, cache.ThrottleKey(userID, restaurantID), s.cfg.ReportCooldown)
	if err != nil {
		slog.Warn("throttle counter unavailable",
			"user_id", userID,
			"error", err,
		)
		return nil
	}
	if n > int64(s.cfg.MaxReportsPerUser) {
		return ErrThrottled
	}
	return nil
}

func (s *Service) announce(ctx context.Context, req SubmitRequest, rec domain.ReportRecord, view View, res *store.SubmitResult) {
	if s.bus == nil {
		return
	}

	accepted := domain.ReportAccepted{
		RestaurantID: req.RestaurantID,
		UserID:       req.UserID,
		Report:       rec,
		Level:        view.Level,
		Score:        view.Score,
	}
	if err := bus.PublishJSON(ctx, s.bus, domain.TopicReportAccepted, accepted); err != nil {
		slog.Warn("failed to publish report accepted",
			"restaurant_id", req.RestaurantID,
			"error", err,
		)
	}

	if !res.Detection.Triggered || res.AnomalyUntil == nil {
		return
	}

	ev := domain.SpikeEvent{
		RestaurantID: req.RestaurantID,
		AnomalyUntil: res.AnomalyUntil.UnixMilli(),
		Window5m:     res.Detection.Window5m,
		PrevScore:    res.Detection.PrevScore,
		NextScore:    res.Detection.NextScore,
		Reasons:      res.Detection.Reasons,
	}
	if err := bus.PublishJSON(ctx, s.bus, domain.TopicSpike, ev); err != nil {
		slog.Warn("failed to publish spike",
			"restaurant_id", req.RestaurantID,
			"error", err,
		)
	}
}

// Reports returns the live reports of a restaurant, oldest first.
func (s *Service) Reports(ctx context.Context, restaurantID string) ([]domain.ReportRecord, error) {
	if _, ok := s.catalog.Get(restaurantID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRestaurant, restaurantID)
	}

	live := crowd.Live(s.store.Reports(restaurantID), s.now())
	out := make([]domain.ReportRecord, 0, len(live))
	for _, r := range live {
		out = append(out, r.Record())
	}
	return out, nil
}

// SetVerified sets the staff-verified flag of a restaurant.
func (s *Service) SetVerified(ctx context.Context, restaurantID string, verified bool) error {
	if _, ok := s.catalog.Get(restaurantID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRestaurant, restaurantID)
	}
	if err := s.repo.SetVerified(ctx, restaurantID, verified); err != nil {
		return fmt.Errorf("failed to save verified flag: %w", err)
	}

	s.verifiedMu.Lock()
	if verified {
		s.verified[restaurantID] = true
	} else {
		delete(s.verified, restaurantID)
	}
	prevRev := s.flagRev
	s.flagRev++
	s.verifiedMu.Unlock()

	s.invalidateView(ctx, restaurantID, s.store.Snapshot(restaurantID).Version, prevRev)
	return nil
}

// verifiedState returns a restaurant's verified flag together with the
// revision of the flag set it was read from.
func (s *Service) verifiedState(restaurantID string) (bool, uint64) {
	s.verifiedMu.RLock()
	defer s.verifiedMu.RUnlock()
	return s.verified[restaurantID], s.flagRev
}

// Profile returns a user's trust profile. Unknown users get an empty profile.
func (s *Service) Profile(ctx context.Context, userID string) (*domain.UserTrustProfile, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	return s.loadProfile(ctx, userID)
}

// SaveProfile replaces a user's trust profile.
func (s *Service) SaveProfile(ctx context.Context, userID string, p domain.UserTrustProfile) error {
	if userID == "" {
		return ErrMissingUser
	}
	if p.Points < 0 || p.CrowdReportsSubmitted < 0 || p.ReviewsCount < 0 {
		return fmt.Errorf("%w: counts must be non-negative", ErrInvalidProfile)
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	return s.repo.SaveProfile(ctx, userID, &p)
}

// RecordReview credits a user for a written review.
func (s *Service) RecordReview(ctx context.Context, userID string) (*domain.UserTrustProfile, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.ReviewsCount++
	p.Points += domain.PointsPerReview

	if err := s.repo.SaveProfile(ctx, userID, p); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	return p, nil
}

func (s *Service) loadProfile(ctx context.Context, userID string) (*domain.UserTrustProfile, error) {
	p, err := s.repo.GetProfile(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return &domain.UserTrustProfile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return p, nil
}

// Restore rebuilds in-memory state from the repository: live reports,
// anomaly windows, verified flags and spike rules.
func (s *Service) Restore(ctx context.Context) error {
	now := s.now()
	since := now.Add(-domain.PruneAge)

	anomalies, err := s.repo.GetAnomalies(ctx)
	if err != nil {
		return fmt.Errorf("failed to load anomalies: %w", err)
	}

	ids, err := s.repo.ListRestaurantIDsWithReports(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to list restaurants: %w", err)
	}

	seen := make(map[string]bool, len(ids))
	reportCount := 0
	for _, id := range ids {
		records, err := s.repo.ListReportsSince(ctx, id, since)
		if err != nil {
			return fmt.Errorf("failed to load reports for %s: %w", id, err)
		}

		reports := make([]domain.CrowdReport, 0, len(records))
		for _, rec := range records {
			reports = append(reports, rec.Report())
		}
		reportCount += len(reports)

		var until *time.Time
		if u, ok := anomalies[id]; ok {
			until = &u
		}
		s.store.Restore(id, reports, until)
		seen[id] = true
	}

	for id, u := range anomalies {
		if !seen[id] {
			s.store.Restore(id, nil, &u)
		}
	}

	verified, err := s.repo.ListVerified(ctx)
	if err != nil {
		return fmt.Errorf("failed to load verified flags: %w", err)
	}
	s.verifiedMu.Lock()
	s.verified = verified
	s.flagRev++
	s.verifiedMu.Unlock()

	if s.rules != nil {
		if err := s.ReloadSpikeRules(ctx); err != nil {
			return err
		}
	}

	slog.Info("crowd state restored",
		"restaurants", len(ids),
		"reports", reportCount,
		"anomalies", len(anomalies),
		"verified", len(verified),
	)
	return nil
}

// PruneJournal deletes journaled reports older than the retention period.
func (s *Service) PruneJournal(ctx context.Context) (int64, error) {
	retention := s.cfg.JournalRetention
	if retention < domain.PruneAge {
		retention = domain.PruneAge
	}
	return s.repo.PruneReports(ctx, s.now().Add(-retention))
}

// RunJournalPruner prunes the journal every interval until ctx is done.
func (s *Service) RunJournalPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PruneJournal(ctx)
			if err != nil {
				slog.Error("journal prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("journal pruned", "reports", n)
			}
		}
	}
}
