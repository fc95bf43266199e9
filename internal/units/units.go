// Package units resolves dimensioned values. Conversions between units of
// the same dimension are never implicit: they need a dated conversion record.
package units

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"evigraph/internal/store"
)

type Status string

const (
	Compatible   Status = "compatible"
	Incompatible Status = "incompatible"
	Convertible  Status = "convertible"
)

type Conversion struct {
	From          string
	To            string
	Rate          float64
	EffectiveFrom time.Time
}

type Compatibility struct {
	Status Status
	Rate   float64
	// Date is the effective date of the conversion record used.
	Date time.Time
}

type Resolver struct {
	dimensions  map[string]string
	conversions map[[2]string][]Conversion
}

func NewResolver() *Resolver {
	return &Resolver{
		dimensions:  make(map[string]string),
		conversions: make(map[[2]string][]Conversion),
	}
}

func normalize(unit string) string {
	return strings.TrimSpace(unit)
}

func (r *Resolver) AddUnit(unit, dimension string) error {
	unit = normalize(unit)
	dimension = strings.ToLower(strings.TrimSpace(dimension))
	if unit == "" || dimension == "" {
		return fmt.Errorf("unit and dimension are required")
	}
	if existing, ok := r.dimensions[unit]; ok && existing != dimension {
		return fmt.Errorf("unit %s already registered with dimension %s", unit, existing)
	}
	r.dimensions[unit] = dimension
	return nil
}

func (r *Resolver) AddConversion(c Conversion) error {
	c.From = normalize(c.From)
	c.To = normalize(c.To)
	if c.Rate <= 0 {
		return fmt.Errorf("conversion %s->%s: rate must be positive", c.From, c.To)
	}
	fromDim, ok := r.dimensions[c.From]
	if !ok {
		return fmt.Errorf("conversion %s->%s: unknown unit %s", c.From, c.To, c.From)
	}
	toDim, ok := r.dimensions[c.To]
	if !ok {
		return fmt.Errorf("conversion %s->%s: unknown unit %s", c.From, c.To, c.To)
	}
	if fromDim != toDim {
		return fmt.Errorf("conversion %s->%s: dimensions %s and %s differ", c.From, c.To, fromDim, toDim)
	}
	key := [2]string{c.From, c.To}
	list := append(r.conversions[key], c)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].EffectiveFrom.Before(list[j].EffectiveFrom)
	})
	r.conversions[key] = list
	return nil
}

func (r *Resolver) Known(unit string) bool {
	_, ok := r.dimensions[normalize(unit)]
	return ok
}

func (r *Resolver) Dimension(unit string) (string, bool) {
	dim, ok := r.dimensions[normalize(unit)]
	return dim, ok
}

// CheckCompatibility classifies two units at the given time. Any outcome
// other than Compatible or Convertible comes with a unit mismatch error.
func (r *Resolver) CheckCompatibility(a, b string, at time.Time) (Compatibility, error) {
	a, b = normalize(a), normalize(b)
	dimA, okA := r.dimensions[a]
	dimB, okB := r.dimensions[b]
	if !okA {
		return Compatibility{Status: Incompatible}, store.UnitInvariant("unknown unit %q", a)
	}
	if !okB {
		return Compatibility{Status: Incompatible}, store.UnitInvariant("unknown unit %q", b)
	}
	if a == b {
		return Compatibility{Status: Compatible, Rate: 1}, nil
	}
	if dimA != dimB {
		return Compatibility{Status: Incompatible}, store.UnitInvariant("%s (%s) and %s (%s) have different dimensions", a, dimA, b, dimB)
	}

	if c, ok := latest(r.conversions[[2]string{a, b}], at); ok {
		return Compatibility{Status: Convertible, Rate: c.Rate, Date: c.EffectiveFrom}, nil
	}
	if c, ok := latest(r.conversions[[2]string{b, a}], at); ok {
		return Compatibility{Status: Convertible, Rate: 1 / c.Rate, Date: c.EffectiveFrom}, nil
	}
	return Compatibility{Status: Incompatible}, store.UnitInvariant("no conversion from %s to %s effective at %s", a, b, at.Format(time.DateOnly))
}

func (r *Resolver) Convert(value float64, from, to string, at time.Time) (float64, error) {
	c, err := r.CheckCompatibility(from, to, at)
	if err != nil {
		return 0, err
	}
	return value * c.Rate, nil
}

func latest(list []Conversion, at time.Time) (Conversion, bool) {
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].EffectiveFrom.After(at) {
			return list[i], true
		}
	}
	return Conversion{}, false
}
