package teleo

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"evigraph/internal/constraint"
	"evigraph/internal/graph"
	"evigraph/internal/metrics"
	"evigraph/internal/store"
)

type RuleResult struct {
	Rule   string  `json:"rule"`
	Need   float64 `json:"need"`
	Have   float64 `json:"have"`
	Margin float64 `json:"margin"`
}

// MirrorResult answers, for one anchor, whether the graph frozen as it is
// would satisfy the anchor. Margin is the distance to the nearest failing
// rule of the best candidate; negative means failing.
type MirrorResult struct {
	AnchorID  string       `json:"anchor_id"`
	Pass      bool         `json:"pass"`
	Margin    float64      `json:"margin"`
	Candidate string       `json:"candidate,omitempty"`
	Rules     []RuleResult `json:"rules,omitempty"`
}

// EvaluateAnchor scores every live target-kind artifact against the anchor
// and keeps the best one. Artifacts expired at now are not candidates. It is
// pure over the snapshot.
func EvaluateAnchor(snap *graph.Snapshot, a store.EndAnchor, now time.Time) MirrorResult {
	res := MirrorResult{AnchorID: a.ID, Margin: -1}
	found := false
	for _, cand := range snap.ArtifactsOfKind(a.TargetKind) {
		if cand.State == store.StateInvalidated || cand.Expired(now) {
			continue
		}
		rules := scoreCandidate(snap, a, cand)
		margin := 0.0
		for i, r := range rules {
			if i == 0 || r.Margin < margin {
				margin = r.Margin
			}
		}
		if !found || margin > res.Margin {
			res.Margin = margin
			res.Candidate = cand.ID
			res.Rules = rules
			found = true
		}
	}
	res.Pass = found && res.Margin >= 0
	return res
}

// EvaluateAll evaluates every anchor of snap without the cache.
func EvaluateAll(snap *graph.Snapshot, now time.Time) []MirrorResult {
	anchors := snap.Anchors()
	out := make([]MirrorResult, 0, len(anchors))
	for _, a := range anchors {
		out = append(out, EvaluateAnchor(snap, a, now))
	}
	return out
}

func scoreCandidate(snap *graph.Snapshot, a store.EndAnchor, cand store.Artifact) []RuleResult {
	var rules []RuleResult
	count := func(name string, have, need int) {
		rules = append(rules, RuleResult{
			Rule:   name,
			Need:   float64(need),
			Have:   float64(have),
			Margin: float64(have-need) / math.Max(float64(need), 1),
		})
	}
	if x := a.Rules.MinValidity; x != nil {
		v := snap.EffectiveV(cand.ID)
		rules = append(rules, RuleResult{Rule: "min_validity", Need: *x, Have: v, Margin: v - *x})
	}
	if y := a.Rules.MaxRisk; y != nil {
		rules = append(rules, RuleResult{Rule: "max_risk", Need: *y, Have: cand.R, Margin: *y - cand.R})
	}
	if n := a.Rules.MinAlternatives; n > 0 {
		count("min_alternatives", snap.Alternatives(cand.ID), n)
	}
	if d := a.Rules.MinProvenanceDepth; d > 0 {
		count("min_provenance_depth", snap.ProvenanceDepth(cand.ID), d)
	}
	if a.Rules.NoHardViolations {
		r := RuleResult{Rule: "no_hard_violations", Margin: 1}
		if view, ok := snap.View(cand.ID); ok {
			hard, _ := constraint.Split(constraint.Check(snap.Constraints(), asResolved{view}, false))
			r.Have = float64(len(hard))
			if len(hard) > 0 {
				r.Margin = -1
			}
		}
		rules = append(rules, r)
	}
	return rules
}

// asResolved evaluates a candidate as if it were resolved, so resolve-phase
// constraints count against it.
type asResolved struct {
	constraint.View
}

func (v asResolved) Artifact() store.Artifact {
	a := v.View.Artifact()
	a.State = store.StateResolved
	return a
}

// Mirror caches per-anchor results. A cached result stays valid until a
// commit touches an artifact of the anchor's target kind or one feeding it;
// the commit hook records that sequence number before the commit becomes
// visible.
type Mirror struct {
	store *graph.Store
	group singleflight.Group

	mu      sync.Mutex
	cache   map[string]cacheEntry
	inval   map[string]int64
	allSeen int64
}

type cacheEntry struct {
	res MirrorResult
	seq int64
}

func NewMirror(s *graph.Store) *Mirror {
	m := &Mirror{
		store: s,
		cache: make(map[string]cacheEntry),
		inval: make(map[string]int64),
	}
	s.OnCommit(m.invalidate)
	return m
}

// Results evaluates every anchor of snap, serving cached results where no
// relevant commit separates them from snap.
func (m *Mirror) Results(snap *graph.Snapshot) []MirrorResult {
	now := m.store.Now()
	anchors := snap.Anchors()
	out := make([]MirrorResult, 0, len(anchors))
	for _, a := range anchors {
		out = append(out, m.result(snap, a, now))
	}
	return out
}

// Current evaluates the anchors of the store's current snapshot.
func (m *Mirror) Current() []MirrorResult {
	return m.Results(m.store.Snapshot())
}

func (m *Mirror) result(snap *graph.Snapshot, a store.EndAnchor, now time.Time) MirrorResult {
	m.mu.Lock()
	if e, ok := m.cache[a.ID]; ok && m.validLocked(a.ID, e.seq, snap.Seq()) {
		m.mu.Unlock()
		metrics.MirrorCache.WithLabelValues("hit").Inc()
		return e.res
	}
	m.mu.Unlock()
	metrics.MirrorCache.WithLabelValues("miss").Inc()

	key := fmt.Sprintf("%s@%d", a.ID, snap.Seq())
	v, _, _ := m.group.Do(key, func() (any, error) {
		r := EvaluateAnchor(snap, a, now)
		m.mu.Lock()
		if e, ok := m.cache[a.ID]; !ok || e.seq <= snap.Seq() {
			m.cache[a.ID] = cacheEntry{res: r, seq: snap.Seq()}
		}
		m.mu.Unlock()
		return r, nil
	})
	return v.(MirrorResult)
}

// validLocked reports whether a result computed at seq still describes the
// snapshot at want.
func (m *Mirror) validLocked(anchorID string, seq, want int64) bool {
	last := max(m.inval[anchorID], m.allSeen)
	return last <= min(seq, want)
}

func (m *Mirror) invalidate(c *graph.Commit, snap *graph.Snapshot) {
	switch c.Op {
	case graph.OpDeclareAnchor, graph.OpInstallConstraints, graph.OpRemoveConstraints:
		m.mu.Lock()
		m.allSeen = c.Seq
		m.mu.Unlock()
		metrics.MirrorCache.WithLabelValues("invalidated").Inc()
		return
	}
	ids := c.ChangedIDs()
	for _, p := range c.Penalties {
		ids = append(ids, p.ArtifactID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range snap.Anchors() {
		for _, id := range ids {
			art, ok := snap.Artifact(id)
			if !ok {
				continue
			}
			if art.Kind == a.TargetKind || snap.UpstreamDistance(id, a.TargetKind, 0) > 0 {
				m.inval[a.ID] = c.Seq
				metrics.MirrorCache.WithLabelValues("invalidated").Inc()
				break
			}
		}
	}
}
