package schedule

import (
	"sort"
	"time"

	"evigraph/internal/graph"
	"evigraph/internal/store"
	"evigraph/internal/teleo"
)

// Weights of the priority function
// w_u·u·(1−r) + w_voi·VOI + w_cod·CoD + w_rvoi·rVOI − w_cost·cost.
type Weights struct {
	Utility     float64 `json:"utility" yaml:"utility"`
	VOI         float64 `json:"voi" yaml:"voi"`
	CostOfDelay float64 `json:"cost_of_delay" yaml:"cost_of_delay"`
	RVOI        float64 `json:"rvoi" yaml:"rvoi"`
	Cost        float64 `json:"cost" yaml:"cost"`
}

func DefaultWeights() Weights {
	return Weights{Utility: 1, VOI: 1, CostOfDelay: 1, RVOI: 1, Cost: 1}
}

// Ranked is one frontier entry with the signals its priority came from.
type Ranked struct {
	Action   Action  `json:"action"`
	Priority float64 `json:"priority"`
	VOI      float64 `json:"voi"`
	RVOI     float64 `json:"rvoi"`
	Risk     float64 `json:"risk"`
	// Blocked names why an otherwise pending action cannot be dispatched
	// now; empty when it is eligible.
	Blocked string `json:"blocked,omitempty"`
}

// score computes the priority terms of a against snap. mirror holds the
// current EndMirror results.
func score(w Weights, a Action, snap *graph.Snapshot, mirror []teleo.MirrorResult, now time.Time) Ranked {
	r := Ranked{Action: a}
	target, exists := snap.Artifact(a.Target)
	if exists {
		r.Risk = target.R
	}

	if !exists || !target.Expired(now) {
		v := 0.0
		if exists {
			v = snap.EffectiveV(a.Target)
		}
		r.VOI = (1 - v) * a.ExpectedGain
	}

	if exists {
		for _, m := range mirror {
			if m.Pass {
				continue
			}
			anchor, ok := snap.Anchor(m.AnchorID)
			if !ok {
				continue
			}
			d := 0
			if target.Kind != anchor.TargetKind {
				d = snap.UpstreamDistance(a.Target, anchor.TargetKind, 0)
				if d < 0 {
					continue
				}
			}
			gain := min(r.VOI, -m.Margin) / float64(1+d)
			r.RVOI = max(r.RVOI, gain)
		}
	}

	r.Priority = w.Utility*a.Utility*(1-r.Risk) +
		w.VOI*r.VOI +
		w.CostOfDelay*a.CostOfDelay +
		w.RVOI*r.RVOI -
		w.Cost*a.Cost
	return r
}

// rank orders by priority, then lowest cost, then declaration order.
func rank(list []Ranked) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Action.Cost != b.Action.Cost {
			return a.Action.Cost < b.Action.Cost
		}
		return a.Action.Seq < b.Action.Seq
	})
}

// prereqsReady reports the first prerequisite that is missing or stale.
func prereqsReady(snap *graph.Snapshot, a Action) (string, bool) {
	for _, id := range a.Prereqs {
		art, ok := snap.Artifact(id)
		if !ok {
			return "prerequisite " + id + " missing", false
		}
		if art.State == store.StateStale {
			return "prerequisite " + id + " stale", false
		}
	}
	return "", true
}
