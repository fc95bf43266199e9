package teleo

import (
	"sort"
	"strings"

	"evigraph/internal/constraint"
	"evigraph/internal/graph"
	"evigraph/internal/store"
)

// sentinelReach is how many requires hops below a terminal artifact the
// sentinel guards.
const sentinelReach = 2

type SentinelResult struct {
	Applies    bool              `json:"applies"`
	Pass       bool              `json:"pass"`
	Anchors    []string          `json:"anchors,omitempty"`
	Violations []store.Violation `json:"violations,omitempty"`
	Unresolved []string          `json:"unresolved,omitempty"`
}

// Sentinel guards transitions into resolved near terminal artifacts. In the
// snapshot the transition would produce, every BackConstraint must hold
// with soft ones treated as hard, and every direct prerequisite must already
// be resolved.
func Sentinel(before, after *graph.Snapshot, m graph.Mutation) SentinelResult {
	id, ok := m.Resolves()
	if !ok {
		return SentinelResult{Pass: true}
	}
	var anchors []string
	for _, a := range before.Anchors() {
		if d := before.RequiresDistance(id, a.TargetKind, sentinelReach); d >= 0 {
			anchors = append(anchors, a.ID)
		}
	}
	if len(anchors) == 0 {
		return SentinelResult{Pass: true}
	}

	res := SentinelResult{Applies: true, Anchors: anchors}
	var back []store.ValueConstraint
	for _, c := range after.Constraints() {
		if strings.HasPrefix(c.Origin, store.AnchorOrigin("")) {
			back = append(back, c)
		}
	}
	if view, ok := after.View(id); ok {
		res.Violations = constraint.Check(back, view, true)
	}
	for _, p := range after.Prerequisites(id) {
		if a, ok := after.Artifact(p); !ok || a.State != store.StateResolved {
			res.Unresolved = append(res.Unresolved, p)
		}
	}
	sort.Strings(res.Unresolved)
	res.Pass = len(res.Violations) == 0 && len(res.Unresolved) == 0
	return res
}
