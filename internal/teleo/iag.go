package teleo

import (
	"evigraph/internal/graph"
)

type Weights struct {
	Utility       float64 `json:"utility" yaml:"utility"`
	Violations    float64 `json:"violations" yaml:"violations"`
	Consistency   float64 `json:"consistency" yaml:"consistency"`
	EndAnchor     float64 `json:"end_anchor" yaml:"end_anchor"`
	Risk          float64 `json:"risk" yaml:"risk"`
	Reversibility float64 `json:"reversibility" yaml:"reversibility"`
}

func DefaultWeights() Weights {
	return Weights{
		Utility:       1,
		Violations:    0.25,
		Consistency:   0.5,
		EndAnchor:     1,
		Risk:          0.5,
		Reversibility: 0.1,
	}
}

// Terms are the intent-action gap components of one proposal measured
// against the action-free baseline.
type Terms struct {
	Utility       float64 `json:"utility"`
	Violations    float64 `json:"violations"`
	Consistency   float64 `json:"consistency"`
	EAMargin      float64 `json:"ea_margin"`
	Risk          float64 `json:"risk"`
	Reversibility float64 `json:"reversibility"`
	// WorstAnchor is the anchor whose margin dropped the most.
	WorstAnchor string `json:"worst_anchor,omitempty"`
}

// Score is w_u·Δutility − w_vc·violations − w_c·Δconsistency −
// w_ea·ΔEA_margin − w_r·Δrisk + w_rev·reversibility.
func (w Weights) Score(t Terms) float64 {
	return w.Utility*t.Utility -
		w.Violations*t.Violations -
		w.Consistency*t.Consistency -
		w.EndAnchor*t.EAMargin -
		w.Risk*t.Risk +
		w.Reversibility*t.Reversibility
}

// ComputeTerms compares the dry-run result with the baseline.
func ComputeTerms(p Proposal, before, after *graph.Snapshot, c *graph.Commit, mBefore, mAfter []MirrorResult) Terms {
	t := Terms{Utility: p.Utility}

	risk := 0.0
	for _, a := range c.Changed {
		prev, existed := before.Artifact(a.ID)
		if existed {
			t.Utility += a.V - prev.V
			risk += a.R - prev.R
		} else {
			t.Utility += a.V
			risk += a.R
		}
	}
	t.Risk = max(0, risk)
	t.Violations = float64(len(c.Penalties))
	t.Consistency = float64(max(0, after.ResolvedContradictions()-before.ResolvedContradictions()))

	prev := make(map[string]float64, len(mBefore))
	for _, r := range mBefore {
		prev[r.AnchorID] = r.Margin
	}
	for _, r := range mAfter {
		base, ok := prev[r.AnchorID]
		if !ok {
			continue
		}
		if drop := base - r.Margin; drop > t.EAMargin {
			t.EAMargin = drop
			t.WorstAnchor = r.AnchorID
		}
	}

	if !p.Irreversible {
		t.Reversibility = 1
	}
	return t
}
