package config

import (
	"testing"
	"time"

	"evigraph/internal/store"
)

func TestValidateUnits(t *testing.T) {
	base := func() UnitsConfig {
		return UnitsConfig{
			Dimensions: map[string][]string{"currency": {"USD", "EUR"}, "mass": {"kg"}},
			Conversions: []ConversionConfig{
				{From: "EUR", To: "USD", Rate: 1.1, EffectiveFrom: "2024-01-01"},
			},
		}
	}

	t.Run("valid catalogue", func(t *testing.T) {
		u := base()
		if err := validateUnits(&u); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(*UnitsConfig)
	}{
		{"unit in two dimensions", func(u *UnitsConfig) { u.Dimensions["mass"] = append(u.Dimensions["mass"], "USD") }},
		{"empty unit name", func(u *UnitsConfig) { u.Dimensions["mass"] = []string{" "} }},
		{"unknown unit", func(u *UnitsConfig) { u.Conversions[0].From = "GBP" }},
		{"cross-dimension conversion", func(u *UnitsConfig) { u.Conversions[0].To = "kg" }},
		{"non-positive rate", func(u *UnitsConfig) { u.Conversions[0].Rate = 0 }},
		{"bad date", func(u *UnitsConfig) { u.Conversions[0].EffectiveFrom = "last tuesday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := base()
			tt.mutate(&u)
			if err := validateUnits(&u); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEvidenceLevels(t *testing.T) {
	t.Run("overrides merge over defaults", func(t *testing.T) {
		e := EvidenceConfig{Levels: map[string]float64{"Citation": 0.6}}
		w := e.LevelWeights()
		if w[store.LevelCitation] != 0.6 {
			t.Fatalf("expected override, got %g", w[store.LevelCitation])
		}
		if w[store.LevelFormalProof] != 1.0 {
			t.Fatalf("expected default formal_proof weight, got %g", w[store.LevelFormalProof])
		}
	})

	tests := []struct {
		name   string
		levels map[string]float64
	}{
		{"unknown level", map[string]float64{"rumour": 0.1}},
		{"weight above one", map[string]float64{"empirical": 1.2}},
		{"ladder out of order", map[string]float64{"opinion": 0.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := EvidenceConfig{Levels: tt.levels, Independence: IndependenceConfig{Alpha: 0.5, Floor: 0.05, Window: time.Hour}}
			if err := validateEvidence(&e); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestConversionEffective(t *testing.T) {
	c := ConversionConfig{EffectiveFrom: "2024-03-01T12:00:00+02:00"}
	got, err := c.Effective()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
