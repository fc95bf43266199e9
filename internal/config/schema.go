package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"evigraph/internal/store"
)

// EvidenceConfig overrides the evidence level weights and tunes the
// independence discount.
type EvidenceConfig struct {
	Levels       map[string]float64 `yaml:"levels,omitempty"`
	Independence IndependenceConfig `yaml:"independence"`
}

type IndependenceConfig struct {
	Alpha  float64       `yaml:"alpha"`
	Floor  float64       `yaml:"floor"`
	Window time.Duration `yaml:"window"`
}

// UnitsConfig is the unit catalogue: every unit belongs to one dimension,
// and units of one dimension convert only through dated records.
type UnitsConfig struct {
	Dimensions  map[string][]string `yaml:"dimensions,omitempty"`
	Conversions []ConversionConfig  `yaml:"conversions,omitempty"`
}

type ConversionConfig struct {
	From string  `yaml:"from"`
	To   string  `yaml:"to"`
	Rate float64 `yaml:"rate"`
	// EffectiveFrom is a date (2006-01-02) or an RFC 3339 timestamp.
	EffectiveFrom string `yaml:"effective_from"`
}

// LevelWeights merges configured level weights over the defaults.
func (e EvidenceConfig) LevelWeights() map[store.Level]float64 {
	out := store.DefaultLevelWeights()
	for name, w := range e.Levels {
		out[store.Level(strings.ToLower(name))] = w
	}
	return out
}

func validateEvidence(e *EvidenceConfig) error {
	for name, w := range e.Levels {
		if !store.Level(strings.ToLower(name)).Valid() {
			return fmt.Errorf("evidence level %s is unknown", name)
		}
		if w < 0 || w > 1 {
			return fmt.Errorf("evidence level %s weight must be in [0,1], got %g", name, w)
		}
	}
	weights := e.LevelWeights()
	for i := 1; i < len(store.Levels); i++ {
		if weights[store.Levels[i]] < weights[store.Levels[i-1]] {
			return fmt.Errorf("evidence level %s weighs less than %s", store.Levels[i], store.Levels[i-1])
		}
	}

	ind := e.Independence
	if ind.Alpha <= 0 || ind.Alpha > 1 {
		return fmt.Errorf("evidence independence alpha must be in (0,1], got %g", ind.Alpha)
	}
	if ind.Floor <= 0 || ind.Floor > 1 {
		return fmt.Errorf("evidence independence floor must be in (0,1], got %g", ind.Floor)
	}
	if ind.Window <= 0 {
		return fmt.Errorf("evidence independence window must be positive")
	}
	return nil
}

func validateUnits(u *UnitsConfig) error {
	dims := make(map[string]string)
	for _, dim := range u.DimensionNames() {
		if strings.TrimSpace(dim) == "" {
			return fmt.Errorf("unit dimension name is required")
		}
		for _, unit := range u.Dimensions[dim] {
			unit = strings.TrimSpace(unit)
			if unit == "" {
				return fmt.Errorf("dimension %s has a unit with empty name", dim)
			}
			if existing, exists := dims[unit]; exists {
				return fmt.Errorf("unit %s listed under both %s and %s", unit, existing, dim)
			}
			dims[unit] = dim
		}
	}

	for i, c := range u.Conversions {
		fromDim, ok := dims[strings.TrimSpace(c.From)]
		if !ok {
			return fmt.Errorf("conversion %d references unknown unit: %s", i, c.From)
		}
		toDim, ok := dims[strings.TrimSpace(c.To)]
		if !ok {
			return fmt.Errorf("conversion %d references unknown unit: %s", i, c.To)
		}
		if fromDim != toDim {
			return fmt.Errorf("conversion %s->%s crosses dimensions %s and %s", c.From, c.To, fromDim, toDim)
		}
		if c.Rate <= 0 {
			return fmt.Errorf("conversion %s->%s rate must be positive", c.From, c.To)
		}
		if _, err := c.Effective(); err != nil {
			return fmt.Errorf("conversion %s->%s: %w", c.From, c.To, err)
		}
	}
	return nil
}

// DimensionNames lists the configured dimensions in a stable order.
func (u UnitsConfig) DimensionNames() []string {
	names := make([]string, 0, len(u.Dimensions))
	for name := range u.Dimensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DimensionOf returns the dimension a unit is listed under.
func (u UnitsConfig) DimensionOf(unit string) (string, bool) {
	for dim, units := range u.Dimensions {
		for _, candidate := range units {
			if strings.TrimSpace(candidate) == unit {
				return dim, true
			}
		}
	}
	return "", false
}

func (c ConversionConfig) Effective() (time.Time, error) {
	if t, err := time.Parse("2006-01-02", c.EffectiveFrom); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, c.EffectiveFrom)
	if err != nil {
		return time.Time{}, fmt.Errorf("effective_from %q is neither a date nor RFC 3339", c.EffectiveFrom)
	}
	return t.UTC(), nil
}
