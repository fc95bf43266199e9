// Package teleo is the alignment gate. It keeps proposed mutations pointed at
// the declared end anchors: anchors are mirrored into upstream
// BackConstraints, checked through a cached EndMirror, guarded near terminal
// artifacts by the penultimate sentinel, and scored with the intent-action
// gap before anything commits.
package teleo

import (
	"fmt"
	"math"

	"evigraph/internal/constraint"
	"evigraph/internal/store"
)

const (
	DefaultSlack   = 0.9
	DefaultMaxHops = 3
)

// Derive maps an anchor onto the BackConstraints enforced on the artifacts
// feeding its target kind. Hop k applies to artifacts whose nearest
// target-kind consumer is exactly k hops downstream; thresholds relax by
// slack^k.
func Derive(a store.EndAnchor) []store.ValueConstraint {
	var out []store.ValueConstraint
	origin := store.AnchorOrigin(a.ID)
	for k := 1; k <= a.MaxHops; k++ {
		scope := store.Scope{Upstream: &store.UpstreamScope{Kind: a.TargetKind, Hops: k}}
		factor := math.Pow(a.Slack, float64(k))

		if a.Rules.MinValidity != nil {
			need := round(*a.Rules.MinValidity * factor)
			out = append(out, store.ValueConstraint{
				ID:       fmt.Sprintf("%s/min_validity/%d", a.ID, k),
				Name:     fmt.Sprintf("%s: v >= %g at %d hops", a.Name, need, k),
				Severity: store.SeverityHard,
				Phase:    store.PhaseResolve,
				Scope:    scope,
				Rule:     store.Expr{Op: constraint.OpGe, Field: "v", Value: need},
				Origin:   origin,
			})
		}
		if a.Rules.MaxRisk != nil {
			limit := round(math.Min(1, *a.Rules.MaxRisk/factor))
			out = append(out, store.ValueConstraint{
				ID:       fmt.Sprintf("%s/max_risk/%d", a.ID, k),
				Name:     fmt.Sprintf("%s: r <= %g at %d hops", a.Name, limit, k),
				Severity: store.SeveritySoft,
				Phase:    store.PhaseResolve,
				Scope:    scope,
				Rule:     store.Expr{Op: constraint.OpLe, Field: "r", Value: limit},
				Origin:   origin,
			})
		}
		if k < a.Rules.MinProvenanceDepth {
			out = append(out, store.ValueConstraint{
				ID:       fmt.Sprintf("%s/provenance/%d", a.ID, k),
				Name:     fmt.Sprintf("%s: evidenced at %d hops", a.Name, k),
				Severity: store.SeveritySoft,
				Phase:    store.PhaseResolve,
				Scope:    scope,
				Rule:     store.Expr{Op: constraint.OpGe, Field: "evidence.count", Value: 1.0},
				Origin:   origin,
			})
		}
		if k == 1 && a.Rules.NoHardViolations {
			out = append(out, store.ValueConstraint{
				ID:       fmt.Sprintf("%s/not_invalidated/%d", a.ID, k),
				Name:     fmt.Sprintf("%s: direct feeders not invalidated", a.Name),
				Severity: store.SeveritySoft,
				Phase:    store.PhaseWrite,
				Scope:    scope,
				Rule:     store.Expr{Op: constraint.OpNe, Field: "state", Value: string(store.StateInvalidated)},
				Origin:   origin,
			})
		}
	}
	return out
}

// round keeps derived thresholds stable across the JSON round trip of the
// journal.
func round(x float64) float64 {
	return math.Round(x*1e9) / 1e9
}

// normalizeAnchor fills slack and hop defaults.
func normalizeAnchor(a store.EndAnchor, slack float64, maxHops int) store.EndAnchor {
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.Slack == 0 {
		a.Slack = slack
	}
	if a.MaxHops == 0 {
		a.MaxHops = maxHops
	}
	return a
}
