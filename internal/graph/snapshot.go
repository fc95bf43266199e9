package graph

import (
	"sort"

	"evigraph/internal/constraint"
	"evigraph/internal/store"
)

// Snapshot is an immutable view of the last committed state. Holding a
// snapshot never blocks writers.
type Snapshot struct {
	st  *state
	seq int64
}

// Seq is the journal sequence number of the commit this snapshot reflects.
func (s *Snapshot) Seq() int64 {
	return s.seq
}

func (s *Snapshot) Artifact(id string) (store.Artifact, bool) {
	a, ok := s.st.artifacts[id]
	if !ok {
		return store.Artifact{}, false
	}
	return a.Clone(), true
}

// Artifacts returns every artifact ordered by creation time, then id.
func (s *Snapshot) Artifacts() []store.Artifact {
	out := make([]store.Artifact, 0, len(s.st.artifacts))
	for _, a := range s.st.artifacts {
		out = append(out, a.Clone())
	}
	sortArtifacts(out)
	return out
}

func (s *Snapshot) ArtifactsOfKind(kind store.Kind) []store.Artifact {
	var out []store.Artifact
	for _, a := range s.st.artifacts {
		if a.Kind == kind {
			out = append(out, a.Clone())
		}
	}
	sortArtifacts(out)
	return out
}

func sortArtifacts(list []store.Artifact) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func (s *Snapshot) Evidence(artifactID string) []store.EvidenceItem {
	return s.st.evidenceFor(artifactID)
}

func (s *Snapshot) EvidenceItem(id string) (store.EvidenceItem, bool) {
	item, ok := s.st.evidence[id]
	return item, ok
}

func (s *Snapshot) Retracted(evidenceID string) bool {
	_, ok := s.st.retracted[evidenceID]
	return ok
}

func (s *Snapshot) Edge(k store.EdgeKey) (store.Edge, bool) {
	e, ok := s.st.edges[k]
	return e, ok
}

func (s *Snapshot) Edges() []store.Edge {
	out := make([]store.Edge, 0, len(s.st.edges))
	for _, e := range s.st.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// EdgesOf returns id's edges; direction is "outgoing", "incoming" or "both".
func (s *Snapshot) EdgesOf(id, direction string) []store.Edge {
	var keys []store.EdgeKey
	if direction != "incoming" {
		keys = append(keys, s.st.out[id]...)
	}
	if direction != "outgoing" {
		keys = append(keys, s.st.in[id]...)
	}
	out := make([]store.Edge, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.st.edges[k])
	}
	return out
}

func (s *Snapshot) Penalties(artifactID string) []store.Penalty {
	return append([]store.Penalty(nil), s.st.penalties[artifactID]...)
}

// EffectiveV is the stored validity minus recorded soft penalties.
func (s *Snapshot) EffectiveV(id string) float64 {
	return s.st.effectiveV(id)
}

func (s *Snapshot) Constraints() []store.ValueConstraint {
	return s.st.constraintList()
}

func (s *Snapshot) Anchors() []store.EndAnchor {
	out := make([]store.EndAnchor, 0, len(s.st.anchors))
	for _, a := range s.st.anchors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Snapshot) Anchor(id string) (store.EndAnchor, bool) {
	a, ok := s.st.anchors[id]
	return a, ok
}

func (s *Snapshot) AltGroupMembers(group string) []string {
	return s.st.altGroupMembers(group)
}

func (s *Snapshot) Descendants(id string) []string {
	return s.st.requiresDescendants(id)
}

func (s *Snapshot) Prerequisites(id string) []string {
	return s.st.requiresSucc(id)
}

func (s *Snapshot) UpstreamDistance(id string, kind store.Kind, maxHops int) int {
	return s.st.upstreamDistance(id, kind, maxHops)
}

func (s *Snapshot) RequiresDistance(id string, kind store.Kind, maxHops int) int {
	return s.st.requiresDistance(id, kind, maxHops)
}

func (s *Snapshot) ProvenanceDepth(id string) int {
	return s.st.provenanceDepth(id)
}

func (s *Snapshot) Alternatives(id string) int {
	return s.st.alternatives(id)
}

// ResolvedContradictions counts contradicts edges whose endpoints are both
// resolved.
func (s *Snapshot) ResolvedContradictions() int {
	n := 0
	for k := range s.st.edges {
		if k.Type != store.EdgeContradicts {
			continue
		}
		if s.st.artifacts[k.Src].State == store.StateResolved && s.st.artifacts[k.Dst].State == store.StateResolved {
			n++
		}
	}
	return n
}

// HasRequiresCycle runs a full traversal of the requires subgraph. The
// store never commits a cycle; this exists for audits.
func (s *Snapshot) HasRequiresCycle() bool {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(s.st.artifacts))
	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = grey
		for _, m := range s.st.requiresSucc(n) {
			switch color[m] {
			case grey:
				return true
			case white:
				if visit(m) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	ids := make([]string, 0, len(s.st.artifacts))
	for id := range s.st.artifacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// View returns the read-only constraint view of an artifact.
func (s *Snapshot) View(id string) (constraint.View, bool) {
	if _, ok := s.st.artifacts[id]; !ok {
		return nil, false
	}
	return artifactView{st: s.st, id: id}, true
}

type artifactView struct {
	st *state
	id string
}

var _ constraint.View = artifactView{}

func (v artifactView) Artifact() store.Artifact { return v.st.artifacts[v.id] }
func (v artifactView) EffectiveV() float64      { return v.st.effectiveV(v.id) }
func (v artifactView) EvidenceCount() int       { return v.st.liveEvidenceCount(v.id) }
func (v artifactView) Supporters() int {
	return len(v.st.neighbors(v.id, store.EdgeSupports, false))
}
func (v artifactView) Contradictions() int  { return v.st.contradictions(v.id) }
func (v artifactView) Prerequisites() int   { return len(v.st.requiresSucc(v.id)) }
func (v artifactView) Alternatives() int    { return v.st.alternatives(v.id) }
func (v artifactView) ProvenanceDepth() int { return v.st.provenanceDepth(v.id) }
func (v artifactView) UpstreamDistance(kind store.Kind) int {
	return v.st.upstreamDistance(v.id, kind, 0)
}
