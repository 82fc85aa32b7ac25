package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/menza-app/menza/internal/cache"
	"github.com/menza-app/menza/internal/catalog"
	"github.com/menza-app/menza/internal/crowd"
	"github.com/menza-app/menza/internal/domain"
	"github.com/menza-app/menza/internal/store"
)

// View is the crowd board entry of one restaurant.
type View struct {
	RestaurantID string  `json:"restaurantId"`
	Name         string  `json:"name"`
	Address      string  `json:"address"`
	City         string  `json:"city"`
	Rating       float64 `json:"rating"`
	ReviewCount  int     `json:"reviewCount"`

	Level          domain.CrowdLevel     `json:"effectiveCrowdLevel"`
	Score          float64               `json:"score"`
	BaselineLevel  domain.CrowdLevel     `json:"baselineLevel"`
	LastUpdateAt   *time.Time            `json:"lastUpdateAt"`
	LastUpdateText string                `json:"lastUpdateText"`
	Confidence     crowd.ConfidenceLabel `json:"confidenceLabel"`
	ReportCount24h int                   `json:"reportCount24h"`
	AnomalyActive  bool                  `json:"anomalyActive"`
	AnomalyUntil   *time.Time            `json:"anomalyUntil,omitempty"`
	Verified       bool                  `json:"verified"`

	Trend     domain.Trend `json:"crowdTrend"`
	TrendText string       `json:"crowdTrendText"`
	PeakTime  string       `json:"peakTime"`
	QuietTime string       `json:"quietTime"`
}

func (s *Service) buildView(r domain.Restaurant, st store.State, verified bool, now time.Time) View {
	est := crowd.EffectiveCrowd(st.Reports, r.CrowdLevel, now)
	conf := crowd.ComputeConfidence(st.Reports, now)

	v := View{
		RestaurantID: r.ID,
		Name:         r.Name,
		Address:      r.Address,
		City:         r.City,
		Rating:       r.Rating,
		ReviewCount:  r.ReviewCount,

		Level:          est.Level,
		Score:          est.Score,
		BaselineLevel:  r.CrowdLevel,
		LastUpdateAt:   conf.LastUpdateAt,
		LastUpdateText: crowd.FormatTimeAgo(conf.LastUpdateAt, now),
		Confidence:     conf.Label,
		ReportCount24h: conf.ReportCount24h,
		AnomalyActive:  crowd.IsAnomalyActive(st.AnomalyUntil, now),
		Verified:       verified,

		Trend:     r.Trend,
		TrendText: crowd.TrendText(r.Trend),
		PeakTime:  r.Pattern.PeakTime,
		QuietTime: r.Pattern.QuietTime,
	}
	if v.AnomalyActive {
		v.AnomalyUntil = st.AnomalyUntil
	}
	return v
}

// View returns the current crowd view of a restaurant.
func (s *Service) View(ctx context.Context, restaurantID string) (*View, error) {
	r, ok := s.catalog.Get(restaurantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRestaurant, restaurantID)
	}
	v := s.cachedView(ctx, r)
	return &v, nil
}

// Board returns the views of every restaurant in a city, in catalog order.
func (s *Service) Board(ctx context.Context, city string) []View {
	restaurants := s.catalog.ByCity(city)
	views := make([]View, 0, len(restaurants))
	for _, r := range restaurants {
		views = append(views, s.cachedView(ctx, r))
	}
	return views
}

// cachedView serves a view from the cache under a key bound to the
// restaurant's store version and the verified-flag revision. A view built
// from an outdated snapshot can only be written under an outdated key.
func (s *Service) cachedView(ctx context.Context, r domain.Restaurant) View {
	verified, flagRev := s.verifiedState(r.ID)
	st := s.store.Snapshot(r.ID)

	if s.cache == nil || s.cfg.ViewCacheTTL <= 0 {
		return s.buildView(r, st, verified, s.now())
	}

	key := s.viewKey(r.ID, st.Version, flagRev)

	var v View
	ok, err := cache.GetJSON(ctx, s.cache, key, &v)
	if err != nil {
		slog.Warn("view cache read failed", "restaurant_id", r.ID, "error", err)
	}
	if ok {
		return v
	}

	v = s.buildView(r, st, verified, s.now())
	if err := cache.SetJSON(ctx, s.cache, key, v, s.cfg.ViewCacheTTL); err != nil {
		slog.Warn("view cache write failed", "restaurant_id", r.ID, "error", err)
	}
	return v
}

func (s *Service) viewKey(restaurantID string, version, flagRev uint64) string {
	return cache.ViewKey(restaurantID, fmt.Sprintf("%s.%d.%d", s.viewEpoch, version, flagRev))
}

// invalidateView drops a superseded view revision.
func (s *Service) invalidateView(ctx context.Context, restaurantID string, version, flagRev uint64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.viewKey(restaurantID, version, flagRev)); err != nil {
		slog.Warn("view cache invalidation failed", "restaurant_id", restaurantID, "error", err)
	}
}

// Comparison places two restaurants side by side.
type Comparison struct {
	A View `json:"a"`
	B View `json:"b"`

	// Quieter is the ID of the restaurant with the lower score, empty on a tie.
	Quieter string `json:"quieter,omitempty"`
}

// Compare returns the views of two restaurants.
func (s *Service) Compare(ctx context.Context, a, b string) (*Comparison, error) {
	va, err := s.View(ctx, a)
	if err != nil {
		return nil, err
	}
	vb, err := s.View(ctx, b)
	if err != nil {
		return nil, err
	}

	c := &Comparison{A: *va, B: *vb}
	switch {
	case va.Score < vb.Score:
		c.Quieter = va.RestaurantID
	case vb.Score < va.Score:
		c.Quieter = vb.RestaurantID
	}
	return c, nil
}

// Heatmap sources.
const (
	SourceLive     = "live"
	SourceForecast = "forecast"
)

// HeatmapCell is the level shown for one restaurant at a time slot.
type HeatmapCell struct {
	RestaurantID string            `json:"restaurantId"`
	Name         string            `json:"name"`
	Level        domain.CrowdLevel `json:"level"`
	Source       string            `json:"source"`
	Time         string            `json:"time,omitempty"`
}

// Heatmap returns the levels of a city's restaurants at a forecast slot.
// Slot 0 is the live effective level. Later slots use the published forecast
// for premium users; everyone else keeps seeing the live level.
func (s *Service) Heatmap(ctx context.Context, city string, slot int, premium bool) []HeatmapCell {
	restaurants := s.catalog.ByCity(city)
	cells := make([]HeatmapCell, 0, len(restaurants))

	for _, r := range restaurants {
		cell := HeatmapCell{RestaurantID: r.ID, Name: r.Name}

		if slot <= 0 || !premium {
			cell.Level = s.cachedView(ctx, r).Level
			cell.Source = SourceLive
		} else {
			p := catalog.PredictionAt(r, slot)
			cell.Level = domain.ScoreToLevel(p.Level)
			cell.Source = SourceForecast
			cell.Time = p.Time
		}

		cells = append(cells, cell)
	}
	return cells
}
