package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/menza-app/menza/internal/domain"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("failed to load default catalog: %v", err)
	}

	if c.Len() != 5 {
		t.Fatalf("expected 5 restaurants, got %d", c.Len())
	}

	r, ok := c.Get("4")
	if !ok {
		t.Fatal("expected restaurant 4")
	}
	if r.CrowdLevel != domain.LevelHigh {
		t.Errorf("expected baseline high, got %s", r.CrowdLevel)
	}
	if r.Trend != domain.TrendRising {
		t.Errorf("expected rising, got %s", r.Trend)
	}
	if r.Pattern.PeakTime != "12:00" || r.Pattern.QuietTime != "14:30" {
		t.Errorf("unexpected pattern: %+v", r.Pattern)
	}
	if len(r.Predictions) != 7 {
		t.Errorf("expected 7 predictions, got %d", len(r.Predictions))
	}
}

func TestGetUnknown(t *testing.T) {
	c, _ := Default()
	if _, ok := c.Get("missing"); ok {
		t.Error("expected unknown restaurant to be missing")
	}
}

func TestByCity(t *testing.T) {
	c, _ := Default()

	tests := []struct {
		city string
		want int
	}{
		{"Zagreb", 5},
		{"zagreb", 5},
		{"", 5},
		{"Split", 0},
	}

	for _, tt := range tests {
		t.Run(tt.city, func(t *testing.T) {
			if got := len(c.ByCity(tt.city)); got != tt.want {
				t.Errorf("ByCity(%q) = %d restaurants, want %d", tt.city, got, tt.want)
			}
		})
	}

	if cities := c.Cities(); len(cities) != 1 || cities[0] != "Zagreb" {
		t.Errorf("unexpected cities: %v", cities)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing id", `[{"name":"x","crowdLevel":"low"}]`},
		{"duplicate id", `[{"id":"a","crowdLevel":"low"},{"id":"a","crowdLevel":"low"}]`},
		{"bad level", `[{"id":"a","crowdLevel":"packed"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if !errors.Is(err, ErrInvalidCatalog) {
				t.Errorf("expected ErrInvalidCatalog, got %v", err)
			}
		})
	}
}

func TestParseDefaultsTrend(t *testing.T) {
	c, err := Parse([]byte(`[{"id":"a","city":"Osijek","crowdLevel":"medium"}]`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	r, _ := c.Get("a")
	if r.Trend != domain.TrendStable {
		t.Errorf("expected stable trend, got %q", r.Trend)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(`[{"id":"x","city":"Rijeka","crowdLevel":"low"}]`), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 restaurant, got %d", c.Len())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPredictionAt(t *testing.T) {
	c, _ := Default()
	r, _ := c.Get("1")

	tests := []struct {
		name  string
		slot  int
		time  string
		level float64
	}{
		{"first", 0, "11:00", 30},
		{"peak", 3, "12:30", 90},
		{"clamped past end", 99, "14:00", 20},
		{"negative", -1, "11:00", 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PredictionAt(r, tt.slot)
			if p.Time != tt.time || p.Level != tt.level {
				t.Errorf("PredictionAt(%d) = %+v, want %s/%v", tt.slot, p, tt.time, tt.level)
			}
		})
	}

	empty := PredictionAt(domain.Restaurant{}, 2)
	if empty.Level != DefaultPrediction {
		t.Errorf("expected default prediction, got %v", empty.Level)
	}
}
