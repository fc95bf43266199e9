// Package constraint evaluates ValueConstraints against a read-only view of
// an artifact and its neighborhood. Rules are data, never code.
package constraint

import (
	"fmt"
	"strings"

	"evigraph/internal/store"
)

// View is the fixed read-only context a rule can observe.
type View interface {
	Artifact() store.Artifact
	EffectiveV() float64
	EvidenceCount() int
	// Supporters counts incoming supports edges, Contradictions counts
	// contradicts edges in either direction and Prerequisites counts
	// outgoing requires edges.
	Supporters() int
	Contradictions() int
	Prerequisites() int
	Alternatives() int
	ProvenanceDepth() int
	// UpstreamDistance is the number of requires/supports hops from the
	// artifact down to the nearest artifact of kind, or -1.
	UpstreamDistance(kind store.Kind) int
}

// Resolve maps a field path to a value of the view.
func Resolve(v View, field string) (any, bool) {
	a := v.Artifact()
	switch field {
	case "v":
		return a.V, true
	case "effective_v":
		return v.EffectiveV(), true
	case "r":
		return a.R, true
	case "kind":
		return string(a.Kind), true
	case "state":
		return string(a.State), true
	case "unit":
		return a.Unit, a.Unit != ""
	case "owner":
		return a.Owner, a.Owner != ""
	case "stage":
		return a.Stage, a.Stage != ""
	case "alt_group":
		return a.AltGroup, a.AltGroup != ""
	case "sources.count":
		return len(a.Sources), true
	case "evidence.count":
		return v.EvidenceCount(), true
	case "tags.count":
		return len(a.Tags), true
	case "supports.count":
		return v.Supporters(), true
	case "contradicts.count":
		return v.Contradictions(), true
	case "requires.count":
		return v.Prerequisites(), true
	case "alternatives.count":
		return v.Alternatives(), true
	case "provenance.depth":
		return v.ProvenanceDepth(), true
	}
	if key, ok := strings.CutPrefix(field, "content."); ok {
		val, ok := a.Content[key]
		return val, ok
	}
	if kind, ok := strings.CutPrefix(field, "upstream."); ok {
		d := v.UpstreamDistance(store.Kind(kind))
		return d, d >= 0
	}
	return nil, false
}

// Matches reports whether the constraint's scope selects the viewed
// artifact.
func Matches(s store.Scope, v View) bool {
	a := v.Artifact()
	if len(s.Kinds) > 0 {
		found := false
		for _, k := range s.Kinds {
			if k == a.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.Tags) > 0 {
		found := false
		for _, tag := range s.Tags {
			if a.HasTag(tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.Stage != "" && s.Stage != a.Stage {
		return false
	}
	if s.Upstream != nil && v.UpstreamDistance(s.Upstream.Kind) != s.Upstream.Hops {
		return false
	}
	return true
}

// Applies reports whether c must be checked for the viewed artifact in its
// current state.
func Applies(c store.ValueConstraint, v View) bool {
	if c.Phase != store.PhaseWrite && v.Artifact().State != store.StateResolved {
		return false
	}
	return Matches(c.Scope, v)
}

type Outcome struct {
	Pass   bool
	Reason string
}

func Evaluate(c store.ValueConstraint, v View) Outcome {
	ok, err := Eval(c.Rule, v)
	if err != nil {
		return Outcome{Reason: fmt.Sprintf("%s: %v", c.Name, err)}
	}
	if !ok {
		return Outcome{Reason: fmt.Sprintf("%s: requires %s", c.Name, Describe(c.Rule))}
	}
	return Outcome{Pass: true}
}

// Check evaluates every applicable constraint. In strict mode soft
// violations are reported as hard.
func Check(constraints []store.ValueConstraint, v View, strict bool) []store.Violation {
	var out []store.Violation
	id := v.Artifact().ID
	for _, c := range constraints {
		if !Applies(c, v) {
			continue
		}
		res := Evaluate(c, v)
		if res.Pass {
			continue
		}
		sev := c.Severity
		if strict {
			sev = store.SeverityHard
		}
		out = append(out, store.Violation{
			ConstraintID: c.ID,
			ArtifactID:   id,
			Severity:     sev,
			Reason:       res.Reason,
		})
	}
	return out
}

// Split separates hard from soft violations.
func Split(vs []store.Violation) (hard, soft []store.Violation) {
	for _, v := range vs {
		if v.Severity == store.SeverityHard {
			hard = append(hard, v)
		} else {
			soft = append(soft, v)
		}
	}
	return hard, soft
}

// Normalize fills defaults and validates a constraint before installation.
func Normalize(c store.ValueConstraint) (store.ValueConstraint, error) {
	if strings.TrimSpace(c.ID) == "" {
		return c, fmt.Errorf("constraint id is required")
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	switch c.Severity {
	case store.SeverityHard, store.SeveritySoft:
	case "":
		c.Severity = store.SeverityHard
	default:
		return c, fmt.Errorf("constraint %s: unknown severity %q", c.ID, c.Severity)
	}
	switch c.Phase {
	case store.PhaseResolve, store.PhaseWrite:
	case "":
		c.Phase = store.PhaseResolve
	default:
		return c, fmt.Errorf("constraint %s: unknown phase %q", c.ID, c.Phase)
	}
	if c.Severity == store.SeveritySoft && c.Penalty <= 0 {
		c.Penalty = 0.1
	}
	if c.Origin == "" {
		c.Origin = store.OriginDeclared
	}
	for _, k := range c.Scope.Kinds {
		if !k.Valid() {
			return c, fmt.Errorf("constraint %s: unknown kind %q", c.ID, k)
		}
	}
	if err := Validate(c.Rule); err != nil {
		return c, fmt.Errorf("constraint %s: %w", c.ID, err)
	}
	return c, nil
}
