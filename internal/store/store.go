// Package store keeps the live crowd reports and anomaly deadline of every
// restaurant in memory.
//
// Submissions to one restaurant are serialized by a per-restaurant mutex and
// publish an immutable State through an atomic pointer, so readers never lock
// and never observe a half-applied submission.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/menza-app/menza/internal/crowd"
	"github.com/menza-app/menza/internal/domain"
	"github.com/menza-app/menza/internal/spike"
	"github.com/menza-app/menza/internal/trust"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrMissingRestaurant is returned when a submission has no restaurant ID.
var ErrMissingRestaurant = errors.New("restaurant id is required")

var tracer = otel.Tracer("menza-store")

// State is an immutable view of one restaurant. Callers must not modify
// the Reports slice.
type State struct {
	Reports      []domain.CrowdReport
	AnomalyUntil *time.Time

	// Version counts the commits to the restaurant, starting at 1.
	Version uint64
}

// SubmitResult describes the outcome of a submission.
type SubmitResult struct {
	RestaurantID string               `json:"restaurantId"`
	Report       domain.CrowdReport   `json:"report"`
	Reports      []domain.CrowdReport `json:"-"`
	Pruned       int                  `json:"pruned"`
	AnomalyUntil *time.Time           `json:"anomalyUntil,omitempty"`
	Detection    spike.Detection      `json:"detection"`
	Version      uint64               `json:"version"`
}

type entry struct {
	mu    sync.Mutex
	state atomic.Pointer[State]
}

// Store holds per-restaurant report collections.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	detector *spike.Detector
}

// New creates an empty store. A nil detector runs only the built-in triggers.
func New(detector *spike.Detector) *Store {
	if detector == nil {
		detector = spike.NewDetector(nil)
	}
	return &Store{
		entries:  make(map[string]*entry),
		detector: detector,
	}
}

func (s *Store) get(restaurantID string) *entry {
	s.mu.RLock()
	e := s.entries[restaurantID]
	s.mu.RUnlock()
	return e
}

func (s *Store) getOrCreate(restaurantID string) *entry {
	if e := s.get(restaurantID); e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[restaurantID]
	if !ok {
		e = &entry{}
		e.state.Store(&State{})
		s.entries[restaurantID] = e
	}
	return e
}

// Submit records a report for a restaurant. It prunes expired reports,
// appends the new one, runs spike detection against the before and after
// aggregates and commits the result as one step.
func (s *Store) Submit(ctx context.Context, restaurantID string, level domain.CrowdLevel, profile domain.UserTrustProfile, now time.Time) (*SubmitResult, error) {
	if restaurantID == "" {
		return nil, ErrMissingRestaurant
	}
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidLevel, level)
	}

	ctx, span := tracer.Start(ctx, "store.Submit",
		trace.WithAttributes(
			attribute.String("restaurant.id", restaurantID),
			attribute.String("crowd.level", string(level)),
		),
	)
	defer span.End()

	report := domain.CrowdReport{
		At:     now,
		Level:  level,
		Weight: trust.Weight(profile),
	}

	e := s.getOrCreate(restaurantID)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state.Load()
	prev := prune(cur.Reports, now)

	next := make([]domain.CrowdReport, len(prev), len(prev)+1)
	copy(next, prev)
	next = append(next, report)

	det := s.detector.Detect(ctx, spike.Input{
		RestaurantID: restaurantID,
		Level:        level,
		Prev:         prev,
		Next:         next,
		Now:          now,
	})

	until := cur.AnomalyUntil
	if det.Triggered {
		u := spike.Extend(until, now)
		until = &u
	}

	version := cur.Version + 1
	e.state.Store(&State{Reports: next, AnomalyUntil: until, Version: version})

	span.SetAttributes(
		attribute.Int("crowd.window_5m", det.Window5m),
		attribute.Bool("crowd.spike", det.Triggered),
	)

	return &SubmitResult{
		RestaurantID: restaurantID,
		Report:       report,
		Reports:      next,
		Pruned:       len(cur.Reports) - len(prev),
		AnomalyUntil: until,
		Detection:    det,
		Version:      version,
	}, nil
}

// prune returns the reports that are not stale. The input is never modified.
func prune(reports []domain.CrowdReport, now time.Time) []domain.CrowdReport {
	out := make([]domain.CrowdReport, 0, len(reports))
	for _, r := range reports {
		if !crowd.IsStale(r, now) {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot returns the current state of a restaurant. Unknown restaurants
// yield an empty state.
func (s *Store) Snapshot(restaurantID string) State {
	e := s.get(restaurantID)
	if e == nil {
		return State{}
	}
	return *e.state.Load()
}

// Reports returns the stored reports of a restaurant.
func (s *Store) Reports(restaurantID string) []domain.CrowdReport {
	return s.Snapshot(restaurantID).Reports
}

// AnomalyUntil returns the anomaly deadline of a restaurant, if any.
func (s *Store) AnomalyUntil(restaurantID string) *time.Time {
	return s.Snapshot(restaurantID).AnomalyUntil
}

// Restore replaces the state of a restaurant, e.g. from the journal at
// startup. Reports are sorted by time; the deadline is kept only if it is
// later than the current one.
func (s *Store) Restore(restaurantID string, reports []domain.CrowdReport, anomalyUntil *time.Time) {
	sorted := make([]domain.CrowdReport, len(reports))
	copy(sorted, reports)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	e := s.getOrCreate(restaurantID)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state.Load()
	until := cur.AnomalyUntil
	if anomalyUntil != nil && (until == nil || anomalyUntil.After(*until)) {
		u := *anomalyUntil
		until = &u
	}
	e.state.Store(&State{Reports: sorted, AnomalyUntil: until, Version: cur.Version + 1})
}

// IDs returns the restaurants that have state, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of restaurants with state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
