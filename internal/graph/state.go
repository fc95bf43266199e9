package graph

import (
	"sort"

	"evigraph/internal/store"
)

// state is one version of the graph. A published state is never modified;
// transactions work on a clone. Slices stored in the index maps are shared
// between versions and must be replaced, never appended to in place.
type state struct {
	artifacts   map[string]store.Artifact
	evidence    map[string]store.EvidenceItem
	byArtifact  map[string][]string
	retracted   map[string]store.Retraction
	edges       map[store.EdgeKey]store.Edge
	out         map[string][]store.EdgeKey
	in          map[string][]store.EdgeKey
	penalties   map[string][]store.Penalty
	constraints map[string]store.ValueConstraint
	anchors     map[string]store.EndAnchor
	topo        *topoOrder
}

func newState() *state {
	return &state{
		artifacts:   make(map[string]store.Artifact),
		evidence:    make(map[string]store.EvidenceItem),
		byArtifact:  make(map[string][]string),
		retracted:   make(map[string]store.Retraction),
		edges:       make(map[store.EdgeKey]store.Edge),
		out:         make(map[string][]store.EdgeKey),
		in:          make(map[string][]store.EdgeKey),
		penalties:   make(map[string][]store.Penalty),
		constraints: make(map[string]store.ValueConstraint),
		anchors:     make(map[string]store.EndAnchor),
		topo:        newTopoOrder(),
	}
}

func (s *state) clone() *state {
	return &state{
		artifacts:   copyMap(s.artifacts),
		evidence:    copyMap(s.evidence),
		byArtifact:  copyMap(s.byArtifact),
		retracted:   copyMap(s.retracted),
		edges:       copyMap(s.edges),
		out:         copyMap(s.out),
		in:          copyMap(s.in),
		penalties:   copyMap(s.penalties),
		constraints: copyMap(s.constraints),
		anchors:     copyMap(s.anchors),
		topo:        s.topo.clone(),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func appendCopy[T any](s []T, v T) []T {
	out := make([]T, len(s), len(s)+1)
	copy(out, s)
	return append(out, v)
}

func (s *state) putEdge(e store.Edge) {
	k := e.Key()
	s.edges[k] = e
	s.out[e.Src] = appendCopy(s.out[e.Src], k)
	s.in[e.Dst] = appendCopy(s.in[e.Dst], k)
}

func (s *state) putEvidence(item store.EvidenceItem) {
	s.evidence[item.ID] = item
	s.byArtifact[item.ArtifactID] = appendCopy(s.byArtifact[item.ArtifactID], item.ID)
}

func (s *state) putPenalty(p store.Penalty) {
	s.penalties[p.ArtifactID] = appendCopy(s.penalties[p.ArtifactID], p)
}

func (s *state) hasPenalty(constraintID, artifactID string) bool {
	for _, p := range s.penalties[artifactID] {
		if p.ConstraintID == constraintID {
			return true
		}
	}
	return false
}

func (s *state) evidenceFor(artifactID string) []store.EvidenceItem {
	ids := s.byArtifact[artifactID]
	out := make([]store.EvidenceItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.evidence[id])
	}
	return out
}

func (s *state) liveEvidenceCount(artifactID string) int {
	n := 0
	for _, id := range s.byArtifact[artifactID] {
		if _, gone := s.retracted[id]; !gone {
			n++
		}
	}
	return n
}

func (s *state) retractedSet(artifactID string) map[string]bool {
	out := make(map[string]bool)
	for _, id := range s.byArtifact[artifactID] {
		if _, gone := s.retracted[id]; gone {
			out[id] = true
		}
	}
	return out
}

// neighbors returns the far endpoints of id's edges of the given type.
// Outgoing follows src -> dst, incoming follows dst -> src.
func (s *state) neighbors(id string, t store.EdgeType, outgoing bool) []string {
	keys := s.in[id]
	if outgoing {
		keys = s.out[id]
	}
	var res []string
	for _, k := range keys {
		if k.Type != t {
			continue
		}
		if outgoing {
			res = append(res, k.Dst)
		} else {
			res = append(res, k.Src)
		}
	}
	return res
}

func (s *state) requiresSucc(id string) []string {
	return s.neighbors(id, store.EdgeRequires, true)
}

func (s *state) requiresPred(id string) []string {
	return s.neighbors(id, store.EdgeRequires, false)
}

// requiresDescendants returns every artifact that transitively requires id.
func (s *state) requiresDescendants(id string) []string {
	seen := map[string]bool{id: true}
	frontier := []string{id}
	var res []string
	for len(frontier) > 0 {
		var next []string
		for _, n := range frontier {
			for _, p := range s.requiresPred(n) {
				if seen[p] {
					continue
				}
				seen[p] = true
				res = append(res, p)
				next = append(next, p)
			}
		}
		frontier = next
	}
	sort.Strings(res)
	return res
}

// feeders are the artifacts id draws on: the ones it requires and the ones
// supporting it.
func (s *state) feeders(id string) []string {
	res := s.neighbors(id, store.EdgeRequires, true)
	return append(res, s.neighbors(id, store.EdgeSupports, false)...)
}

// consumers are the artifacts id feeds.
func (s *state) consumers(id string) []string {
	res := s.neighbors(id, store.EdgeRequires, false)
	return append(res, s.neighbors(id, store.EdgeSupports, true)...)
}

// upstreamDistance is the smallest number of hops (at least one) from id
// along consumer links to an artifact of kind, or -1.
func (s *state) upstreamDistance(id string, kind store.Kind, maxHops int) int {
	seen := map[string]bool{id: true}
	frontier := []string{id}
	for hop := 1; len(frontier) > 0 && (maxHops <= 0 || hop <= maxHops); hop++ {
		var next []string
		for _, n := range frontier {
			for _, c := range s.consumers(n) {
				if seen[c] {
					continue
				}
				seen[c] = true
				if a, ok := s.artifacts[c]; ok && a.Kind == kind {
					return hop
				}
				next = append(next, c)
			}
		}
		frontier = next
	}
	return -1
}

// requiresDistance counts requires hops from id to the nearest artifact of
// kind that (transitively) requires it; zero when id is of that kind.
func (s *state) requiresDistance(id string, kind store.Kind, maxHops int) int {
	if a, ok := s.artifacts[id]; ok && a.Kind == kind {
		return 0
	}
	seen := map[string]bool{id: true}
	frontier := []string{id}
	for hop := 1; len(frontier) > 0 && hop <= maxHops; hop++ {
		var next []string
		for _, n := range frontier {
			for _, p := range s.requiresPred(n) {
				if seen[p] {
					continue
				}
				seen[p] = true
				if a, ok := s.artifacts[p]; ok && a.Kind == kind {
					return hop
				}
				next = append(next, p)
			}
		}
		frontier = next
	}
	return -1
}

// provenanceDepth is the length of the longest chain of evidenced
// artifacts ending at id, following feeder links.
func (s *state) provenanceDepth(id string) int {
	memo := map[string]int{}
	visiting := map[string]bool{}
	var depth func(string) int
	depth = func(n string) int {
		if d, ok := memo[n]; ok {
			return d
		}
		if visiting[n] || s.liveEvidenceCount(n) == 0 {
			return 0
		}
		visiting[n] = true
		best := 0
		for _, f := range s.feeders(n) {
			if d := depth(f); d > best {
				best = d
			}
		}
		visiting[n] = false
		memo[n] = best + 1
		return best + 1
	}
	return depth(id)
}

func (s *state) alternatives(id string) int {
	a, ok := s.artifacts[id]
	if !ok {
		return 0
	}
	alts := map[string]bool{}
	if a.AltGroup != "" {
		for otherID, other := range s.artifacts {
			if otherID != id && other.AltGroup == a.AltGroup {
				alts[otherID] = true
			}
		}
	}
	for _, n := range s.neighbors(id, store.EdgeAlternativeOf, true) {
		alts[n] = true
	}
	for _, n := range s.neighbors(id, store.EdgeAlternativeOf, false) {
		alts[n] = true
	}
	delete(alts, id)
	return len(alts)
}

func (s *state) contradictions(id string) int {
	return len(s.neighbors(id, store.EdgeContradicts, true)) + len(s.neighbors(id, store.EdgeContradicts, false))
}

func (s *state) penaltyTotal(id string) float64 {
	total := 0.0
	for _, p := range s.penalties[id] {
		total += p.Amount
	}
	return total
}

func (s *state) effectiveV(id string) float64 {
	a, ok := s.artifacts[id]
	if !ok {
		return 0
	}
	v := a.V - s.penaltyTotal(id)
	if v < 0 {
		return 0
	}
	return v
}

func (s *state) constraintList() []store.ValueConstraint {
	out := make([]store.ValueConstraint, 0, len(s.constraints))
	for _, c := range s.constraints {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) altGroupMembers(group string) []string {
	var res []string
	for id, a := range s.artifacts {
		if a.AltGroup == group {
			res = append(res, id)
		}
	}
	sort.Strings(res)
	return res
}
