package graph

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"evigraph/internal/constraint"
	"evigraph/internal/journal"
	"evigraph/internal/store"
)

// allowed lists the requested lifecycle transitions. Stale is entered only
// by propagation.
var allowed = map[store.State][]store.State{
	store.StateDraft:       {store.StateResolved, store.StateInvalidated},
	store.StateResolved:    {store.StateInvalidated, store.StateDraft},
	store.StateStale:       {store.StateResolved, store.StateDraft, store.StateInvalidated},
	store.StateInvalidated: {store.StateDraft},
}

type tx struct {
	st  *state
	now time.Time
	seq int64
	s   *Store

	dirty     map[string]bool
	touched   map[string]bool
	resolving map[string]bool
	rescore   map[string]bool
	mutated   []string
	postHoc   bool

	batch  store.Batch
	commit *Commit
}

func (s *Store) newTx(base *Snapshot, now time.Time) *tx {
	return &tx{
		st:        base.st.clone(),
		now:       now,
		seq:       base.seq + 1,
		s:         s,
		dirty:     map[string]bool{},
		touched:   map[string]bool{},
		resolving: map[string]bool{},
		rescore:   map[string]bool{},
		commit:    &Commit{Validity: map[string]float64{}},
	}
}

func (t *tx) run(m Mutation) (*Commit, error) {
	t.commit.Op = m.Op
	var err error
	switch m.Op {
	case OpCreateArtifact:
		err = t.createArtifact(*m.Create)
	case OpAddEvidence:
		err = t.addEvidence(*m.Evidence)
	case OpConnectEdge:
		err = t.connectEdge(*m.Edge)
	case OpTransitionState:
		err = t.transition(*m.Transition)
	case OpRetractEvidence:
		err = t.retract(*m.Retract)
	case OpReviseArtifact:
		err = t.revise(*m.Revise)
	case OpInstallConstraints:
		err = t.installConstraints(m.Constraints)
	case OpRemoveConstraints:
		err = t.removeConstraints(m.ConstraintIDs)
	case OpDeclareAnchor:
		err = t.declareAnchor(*m.Anchor)
	case OpNote:
		t.commit.ID = m.Note.Subject
	default:
		err = store.Invariant(store.CodeInvalidInput, "unknown operation %q", m.Op)
	}
	if err != nil {
		return nil, err
	}
	if err := t.finish(); err != nil {
		return nil, err
	}
	return t.commit, nil
}

func (t *tx) finish() error {
	t.recompute()
	t.propagate()
	if err := t.checkConstraints(); err != nil {
		return err
	}
	// post-hoc invalidations are mutations in their own right
	t.propagate()
	t.collect()
	return nil
}

// write stores a modified artifact, bumping its revision once per
// transaction.
func (t *tx) write(a store.Artifact) {
	if !t.dirty[a.ID] {
		a.Revision++
		t.dirty[a.ID] = true
	}
	a.UpdatedAt = t.now
	t.st.artifacts[a.ID] = a
	t.touched[a.ID] = true
}

func (t *tx) touch(id string) {
	t.write(t.st.artifacts[id])
}

func (t *tx) mutate(id string) {
	t.touch(id)
	t.mutated = append(t.mutated, id)
}

func (t *tx) setState(id string, to store.State, cause string) {
	a := t.st.artifacts[id]
	from := a.State
	a.State = to
	t.write(a)
	t.commit.Transitions = append(t.commit.Transitions, Transition{ArtifactID: id, From: from, To: to, Cause: cause})
}

func (t *tx) artifact(id string) (store.Artifact, error) {
	a, ok := t.st.artifacts[id]
	if !ok {
		return store.Artifact{}, fmt.Errorf("artifact %q: %w", id, store.ErrNotFound)
	}
	return a, nil
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (t *tx) createArtifact(in CreateArtifactInput) error {
	if !in.Kind.Valid() {
		return store.Invariant(store.CodeInvalidInput, "unknown artifact kind %q", in.Kind)
	}
	if strings.TrimSpace(in.ID) == "" {
		return store.Invariant(store.CodeInvalidInput, "artifact id is required")
	}
	if _, exists := t.st.artifacts[in.ID]; exists {
		return store.Invariant(store.CodeInvalidInput, "artifact %q already exists", in.ID)
	}
	sources := cleanList(in.Sources)
	if in.Kind.RequiresSources() && len(sources) == 0 {
		return store.Invariant(store.CodeSourceless, "%s artifact %q has no sources", in.Kind, in.ID)
	}
	if in.Kind == store.KindNumber && in.Unit == "" {
		return store.UnitInvariant("number artifact %q has no unit", in.ID)
	}
	if in.Unit != "" && !t.s.units.Known(in.Unit) {
		return store.UnitInvariant("artifact %q: unknown unit %q", in.ID, in.Unit)
	}
	if in.Risk < 0 || in.Risk > 1 || math.IsNaN(in.Risk) {
		return store.Invariant(store.CodeInvalidInput, "risk %v outside [0,1]", in.Risk)
	}
	from, to := normalizePtr(in.ValidFrom), normalizePtr(in.ValidTo)
	if from != nil && to != nil && to.Before(*from) {
		return store.Invariant(store.CodeInvalidInput, "artifact %q: valid_to precedes valid_from", in.ID)
	}

	a := store.Artifact{
		ID:        in.ID,
		Kind:      in.Kind,
		Content:   in.Content,
		Unit:      in.Unit,
		R:         in.Risk,
		Sources:   sources,
		Owner:     in.Owner,
		State:     store.StateDraft,
		Tags:      cleanList(in.Tags),
		Stage:     in.Stage,
		AltGroup:  in.AltGroup,
		ValidFrom: from,
		ValidTo:   to,
		CreatedAt: t.now,
	}
	t.st.topo.add(a.ID)
	t.write(a)
	t.commit.ID = a.ID
	return nil
}

func normalizePtr(tm *time.Time) *time.Time {
	if tm == nil {
		return nil
	}
	n := journal.Normalize(*tm)
	return &n
}

func (t *tx) addEvidence(in AddEvidenceInput) error {
	if _, err := t.artifact(in.ArtifactID); err != nil {
		return err
	}
	if !in.Level.Valid() {
		return store.Invariant(store.CodeInvalidInput, "unknown evidence level %q", in.Level)
	}
	if in.Weight < 0 || in.Weight > 1 || math.IsNaN(in.Weight) {
		return store.Invariant(store.CodeInvalidInput, "evidence weight %v outside [0,1]", in.Weight)
	}
	if strings.TrimSpace(in.Locator) == "" {
		return store.Invariant(store.CodeInvalidInput, "evidence locator is required")
	}
	if _, exists := t.st.evidence[in.ID]; exists {
		return store.Invariant(store.CodeInvalidInput, "evidence %q already exists", in.ID)
	}
	observed := in.ObservedAt
	if observed.IsZero() {
		observed = t.now
	}

	item := store.EvidenceItem{
		ID:          in.ID,
		ArtifactID:  in.ArtifactID,
		Level:       in.Level,
		Weight:      in.Weight,
		Locator:     in.Locator,
		ContentHash: in.ContentHash,
		Author:      in.Author,
		ObservedAt:  journal.Normalize(observed),
		Seq:         t.seq,
		CreatedAt:   t.now,
	}
	t.st.putEvidence(item)
	t.batch.Evidence = append(t.batch.Evidence, item)
	t.rescore[in.ArtifactID] = true
	t.mutate(in.ArtifactID)
	t.commit.ID = item.ID
	return nil
}

func (t *tx) connectEdge(in ConnectEdgeInput) error {
	if !in.Type.Valid() {
		return store.Invariant(store.CodeInvalidInput, "unknown edge type %q", in.Type)
	}
	if in.Src == in.Dst {
		return store.Invariant(store.CodeSelfLoop, "artifact %q cannot be linked to itself", in.Src)
	}
	src, err := t.artifact(in.Src)
	if err != nil {
		return err
	}
	dst, err := t.artifact(in.Dst)
	if err != nil {
		return err
	}
	key := store.EdgeKey{Src: in.Src, Dst: in.Dst, Type: in.Type}
	if _, exists := t.st.edges[key]; exists {
		return store.Invariant(store.CodeInvalidInput, "edge %s already exists", key)
	}

	if src.Kind == store.KindNumber && dst.Kind == store.KindNumber {
		at := t.now
		switch {
		case src.ValidFrom != nil:
			at = *src.ValidFrom
		case dst.ValidFrom != nil:
			at = *dst.ValidFrom
		}
		if _, err := t.s.units.CheckCompatibility(src.Unit, dst.Unit, at); err != nil {
			return err
		}
	}

	if in.Type == store.EdgeRequires {
		if !t.st.topo.insert(in.Src, in.Dst, t.st.requiresSucc, t.st.requiresPred) {
			return store.Invariant(store.CodeCycle, "%s would close a requires cycle", key)
		}
	}

	e := store.Edge{Src: in.Src, Dst: in.Dst, Type: in.Type, Seq: t.seq, CreatedAt: t.now}
	t.st.putEdge(e)
	t.batch.Edges = append(t.batch.Edges, e)
	t.mutate(in.Src)
	t.touch(in.Dst)
	t.commit.ID = key.String()
	return nil
}

func (t *tx) transition(in TransitionInput) error {
	a, err := t.artifact(in.ArtifactID)
	if err != nil {
		return err
	}
	to := in.Target
	if !to.Valid() {
		return store.Invariant(store.CodeInvalidInput, "unknown state %q", to)
	}
	if a.State == store.StateResolved && to == store.StateResolved {
		return store.Invariant(store.CodeDuplicateResolve, "artifact %q is already resolved", a.ID)
	}
	ok := false
	for _, s := range allowed[a.State] {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		return store.Invariant(store.CodeIllegalTransition, "artifact %q cannot move from %s to %s", a.ID, a.State, to)
	}

	if to == store.StateResolved && a.AltGroup != "" {
		for _, other := range t.st.altGroupMembers(a.AltGroup) {
			if other == a.ID || t.st.artifacts[other].State != store.StateResolved {
				continue
			}
			if t.resolving[other] {
				return store.Invariant(store.CodeDuplicateResolve, "alternatives %q and %q resolved together", other, a.ID)
			}
			t.setState(other, store.StateStale, CauseAltGroup)
			t.mutated = append(t.mutated, other)
		}
	}

	t.setState(a.ID, to, CauseRequested)
	if to == store.StateResolved {
		t.resolving[a.ID] = true
	}
	t.mutated = append(t.mutated, a.ID)
	t.commit.ID = a.ID
	return nil
}

func (t *tx) retract(in RetractInput) error {
	item, ok := t.st.evidence[in.EvidenceID]
	if !ok {
		return fmt.Errorf("evidence %q: %w", in.EvidenceID, store.ErrNotFound)
	}
	if _, gone := t.st.retracted[item.ID]; gone {
		return store.Invariant(store.CodeInvalidInput, "evidence %q is already retracted", item.ID)
	}
	r := store.Retraction{
		EvidenceID: item.ID,
		ArtifactID: item.ArtifactID,
		Reason:     in.Reason,
		Seq:        t.seq,
		At:         t.now,
	}
	t.st.retracted[item.ID] = r
	t.batch.Retractions = append(t.batch.Retractions, r)
	t.rescore[item.ArtifactID] = true
	if t.st.artifacts[item.ArtifactID].State != store.StateInvalidated {
		t.setState(item.ArtifactID, store.StateInvalidated, CauseRetraction)
	}
	t.mutate(item.ArtifactID)
	t.commit.ID = item.ID
	return nil
}

func (t *tx) revise(in ReviseInput) error {
	a, err := t.artifact(in.ArtifactID)
	if err != nil {
		return err
	}
	if in.ExpectRevision != 0 && in.ExpectRevision != a.Revision {
		return fmt.Errorf("artifact %q is at revision %d, not %d: %w", a.ID, a.Revision, in.ExpectRevision, store.ErrConflict)
	}
	a = a.Clone()
	if in.Content != nil {
		a.Content = in.Content
	}
	if in.Sources != nil {
		a.Sources = cleanList(in.Sources)
		if a.Kind.RequiresSources() && len(a.Sources) == 0 {
			return store.Invariant(store.CodeSourceless, "%s artifact %q has no sources", a.Kind, a.ID)
		}
	}
	if in.Tags != nil {
		a.Tags = cleanList(in.Tags)
	}
	if in.Risk != nil {
		if *in.Risk < 0 || *in.Risk > 1 || math.IsNaN(*in.Risk) {
			return store.Invariant(store.CodeInvalidInput, "risk %v outside [0,1]", *in.Risk)
		}
		a.R = *in.Risk
	}
	t.write(a)
	t.mutated = append(t.mutated, a.ID)
	t.commit.ID = a.ID
	return nil
}

func (t *tx) installConstraints(list []store.ValueConstraint) error {
	if len(list) == 0 {
		return store.Invariant(store.CodeInvalidInput, "at least one constraint is required")
	}
	for _, c := range list {
		n, err := constraint.Normalize(c)
		if err != nil {
			return store.Invariant(store.CodeInvalidInput, "%v", err)
		}
		t.st.constraints[n.ID] = n
		t.batch.Constraints = append(t.batch.Constraints, n)
	}
	t.postHoc = true
	t.commit.ID = list[0].ID
	return nil
}

func (t *tx) removeConstraints(ids []string) error {
	if len(ids) == 0 {
		return store.Invariant(store.CodeInvalidInput, "at least one constraint id is required")
	}
	for _, id := range ids {
		if _, ok := t.st.constraints[id]; !ok {
			return fmt.Errorf("constraint %q: %w", id, store.ErrNotFound)
		}
		delete(t.st.constraints, id)
		t.batch.RemovedConstraints = append(t.batch.RemovedConstraints, id)
	}
	t.commit.ID = ids[0]
	return nil
}

func (t *tx) declareAnchor(in AnchorInput) error {
	a := in.Anchor
	if strings.TrimSpace(a.ID) == "" {
		return store.Invariant(store.CodeInvalidInput, "anchor id is required")
	}
	if !a.TargetKind.Valid() {
		return store.Invariant(store.CodeInvalidInput, "anchor %q: unknown target kind %q", a.ID, a.TargetKind)
	}
	if a.Slack <= 0 || a.Slack > 1 {
		return store.Invariant(store.CodeInvalidInput, "anchor %q: slack %v outside (0,1]", a.ID, a.Slack)
	}
	if a.MaxHops < 1 {
		return store.Invariant(store.CodeInvalidInput, "anchor %q: max_hops must be at least 1", a.ID)
	}
	origin := store.AnchorOrigin(a.ID)
	for _, c := range t.st.constraintList() {
		if c.Origin == origin {
			delete(t.st.constraints, c.ID)
			t.batch.RemovedConstraints = append(t.batch.RemovedConstraints, c.ID)
		}
	}
	for _, c := range in.Derived {
		c.Origin = origin
		n, err := constraint.Normalize(c)
		if err != nil {
			return store.Invariant(store.CodeInvalidInput, "anchor %q: %v", a.ID, err)
		}
		t.st.constraints[n.ID] = n
		t.batch.Constraints = append(t.batch.Constraints, n)
	}
	if prev, ok := t.st.anchors[a.ID]; ok {
		a.Seq = prev.Seq
	} else {
		a.Seq = t.seq
	}
	t.st.anchors[a.ID] = a
	t.batch.Anchors = append(t.batch.Anchors, a)
	t.postHoc = true
	t.commit.ID = a.ID
	return nil
}

// recompute refreshes validity for artifacts whose evidence changed.
// Expired artifacts keep their last score.
func (t *tx) recompute() {
	for _, id := range sortedKeys(t.rescore) {
		a := t.st.artifacts[id]
		if a.Expired(t.now) {
			continue
		}
		res := t.s.validity.Compute(t.st.evidenceFor(id), t.st.retractedSet(id))
		if res.V != a.V {
			a.V = res.V
			t.write(a)
		}
		t.commit.Validity[id] = res.V
	}
}

// propagate marks resolved descendants of every mutated artifact stale.
// Artifacts resolved in this transaction keep their state.
func (t *tx) propagate() {
	roots := t.mutated
	t.mutated = nil
	seen := map[string]bool{}
	for _, root := range roots {
		for _, d := range t.st.requiresDescendants(root) {
			if seen[d] || t.resolving[d] {
				continue
			}
			seen[d] = true
			if t.st.artifacts[d].State == store.StateResolved {
				t.setState(d, store.StateStale, CauseAncestor)
			}
		}
	}
}

// checkConstraints evaluates constraints over every touched artifact, or
// every artifact after constraints changed. Hard violations abort the
// transaction, except after constraints changed, where resolved artifacts
// that no longer pass are invalidated instead.
func (t *tx) checkConstraints() error {
	if len(t.st.constraints) == 0 {
		return nil
	}
	ids := sortedKeys(t.touched)
	if t.postHoc {
		ids = make([]string, 0, len(t.st.artifacts))
		for id := range t.st.artifacts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	cs := t.st.constraintList()
	var hard []store.Violation
	for _, id := range ids {
		view := artifactView{st: t.st, id: id}
		h, soft := constraint.Split(constraint.Check(cs, view, false))
		if len(h) > 0 && t.postHoc {
			if t.st.artifacts[id].State == store.StateResolved {
				t.setState(id, store.StateInvalidated, CausePostHoc)
				t.mutated = append(t.mutated, id)
			}
			continue
		}
		hard = append(hard, h...)
		for _, v := range soft {
			t.penalize(v, cs)
		}
	}
	if len(hard) > 0 {
		return &store.ConstraintError{Violations: hard}
	}
	return nil
}

func (t *tx) penalize(v store.Violation, cs []store.ValueConstraint) {
	if t.st.hasPenalty(v.ConstraintID, v.ArtifactID) {
		return
	}
	amount := 0.0
	for _, c := range cs {
		if c.ID == v.ConstraintID {
			amount = c.Penalty
			break
		}
	}
	p := store.Penalty{
		ConstraintID: v.ConstraintID,
		ArtifactID:   v.ArtifactID,
		Amount:       amount,
		Reason:       v.Reason,
		Seq:          t.seq,
		At:           t.now,
	}
	t.st.putPenalty(p)
	t.batch.Penalties = append(t.batch.Penalties, p)
	t.commit.Penalties = append(t.commit.Penalties, p)
}

func (t *tx) collect() {
	for _, id := range sortedKeys(t.dirty) {
		a := t.st.artifacts[id]
		t.batch.Artifacts = append(t.batch.Artifacts, a)
		t.commit.Changed = append(t.commit.Changed, a.Clone())
	}
	if len(t.commit.Validity) == 0 {
		t.commit.Validity = nil
	}
}

func (t *tx) touchedIDs() []string {
	return sortedKeys(t.touched)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
