// Package catalog serves the read-only restaurant catalog: baseline crowd
// levels, trends, patterns and forecasts.
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/menza-app/menza/internal/domain"
)

//go:embed restaurants.json
var defaultCatalog []byte

// ErrInvalidCatalog is returned when catalog data fails validation.
var ErrInvalidCatalog = errors.New("invalid catalog")

// DefaultPrediction is the forecast used when a restaurant has none.
const DefaultPrediction = 50.0

// Catalog is an immutable set of restaurants.
type Catalog struct {
	restaurants []domain.Restaurant
	byID        map[string]int
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from a JSON file. An empty path yields the default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON array of restaurants.
func Parse(data []byte) (*Catalog, error) {
	var restaurants []domain.Restaurant
	if err := json.Unmarshal(data, &restaurants); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	c := &Catalog{
		restaurants: restaurants,
		byID:        make(map[string]int, len(restaurants)),
	}
	for i, r := range restaurants {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: restaurant %d has no id", ErrInvalidCatalog, i)
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidCatalog, r.ID)
		}
		if !r.CrowdLevel.Valid() {
			return nil, fmt.Errorf("%w: restaurant %q has crowd level %q", ErrInvalidCatalog, r.ID, r.CrowdLevel)
		}
		if r.Trend == "" {
			c.restaurants[i].Trend = domain.TrendStable
		}
		c.byID[r.ID] = i
	}
	return c, nil
}

// Get returns a restaurant by ID.
func (c *Catalog) Get(id string) (domain.Restaurant, bool) {
	i, ok := c.byID[id]
	if !ok {
		return domain.Restaurant{}, false
	}
	return c.restaurants[i], true
}

// All returns every restaurant in catalog order.
func (c *Catalog) All() []domain.Restaurant {
	out := make([]domain.Restaurant, len(c.restaurants))
	copy(out, c.restaurants)
	return out
}

// ByCity returns restaurants in a city, matched case-insensitively.
// An empty city returns all restaurants.
func (c *Catalog) ByCity(city string) []domain.Restaurant {
	if city == "" {
		return c.All()
	}
	var out []domain.Restaurant
	for _, r := range c.restaurants {
		if strings.EqualFold(r.City, city) {
			out = append(out, r)
		}
	}
	return out
}

// Cities returns the distinct cities, sorted.
func (c *Catalog) Cities() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range c.restaurants {
		if _, ok := seen[r.City]; ok {
			continue
		}
		seen[r.City] = struct{}{}
		out = append(out, r.City)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of restaurants.
func (c *Catalog) Len() int {
	return len(c.restaurants)
}

// PredictionAt returns the forecast for a slot index. Slots past the end
// use the last forecast; negative slots use the first. A restaurant without
// forecasts yields DefaultPrediction and an empty time label.
func PredictionAt(r domain.Restaurant, slot int) domain.Prediction {
	if len(r.Predictions) == 0 {
		return domain.Prediction{Level: DefaultPrediction}
	}
	if slot < 0 {
		slot = 0
	}
	if slot >= len(r.Predictions) {
		slot = len(r.Predictions) - 1
	}
	return r.Predictions[slot]
}
