package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evigraph/internal/journal"
	"evigraph/internal/store"
	"evigraph/internal/units"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func testUnits(t *testing.T) *units.Resolver {
	t.Helper()
	r := units.NewResolver()
	require.NoError(t, r.AddUnit("usd", "currency"))
	require.NoError(t, r.AddUnit("eur", "currency"))
	require.NoError(t, r.AddUnit("kg", "mass"))
	require.NoError(t, r.AddConversion(units.Conversion{
		From: "eur", To: "usd", Rate: 1.1,
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	return r
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := 0
	return New(Options{
		Units: testUnits(t),
		Clock: clock.Now,
		NewID: func() string { n++; return fmt.Sprintf("gen-%d", n) },
	})
}

func create(t *testing.T, s *Store, id string, kind store.Kind, mods ...func(*CreateArtifactInput)) {
	t.Helper()
	in := &CreateArtifactInput{ID: id, Kind: kind, Sources: []string{"doc:" + id}}
	for _, m := range mods {
		m(in)
	}
	_, err := s.Apply(context.Background(), Mutation{Op: OpCreateArtifact, Create: in})
	require.NoError(t, err)
}

func evidence(t *testing.T, s *Store, id, artifact string, level store.Level, weight float64, locator, author string) {
	t.Helper()
	_, err := s.Apply(context.Background(), Mutation{Op: OpAddEvidence, Evidence: &AddEvidenceInput{
		ID: id, ArtifactID: artifact, Level: level, Weight: weight, Locator: locator, Author: author,
	}})
	require.NoError(t, err)
}

func connect(s *Store, src, dst string, typ store.EdgeType) error {
	_, err := s.Apply(context.Background(), Mutation{Op: OpConnectEdge, Edge: &ConnectEdgeInput{Src: src, Dst: dst, Type: typ}})
	return err
}

func transition(s *Store, id string, to store.State) (*Commit, error) {
	return s.Apply(context.Background(), Mutation{Op: OpTransitionState, Transition: &TransitionInput{ArtifactID: id, Target: to}})
}

func invariantCode(err error) string {
	var ie *store.InvariantError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

func TestCreateRejectsSourcelessClaim(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Apply(context.Background(), Mutation{Op: OpCreateArtifact, Create: &CreateArtifactInput{
		ID: "c1", Kind: store.KindClaim, Sources: []string{"  "},
	}})
	require.ErrorIs(t, err, store.ErrInvariantViolation)
	assert.Equal(t, store.CodeSourceless, invariantCode(err))

	_, ok := s.Snapshot().Artifact("c1")
	assert.False(t, ok)

	events := s.Events(0, 0)
	require.Len(t, events, 1)
	assert.True(t, events[0].Rejected)
	assert.Contains(t, events[0].Reason, "no sources")
}

func TestReportNeedsNoSources(t *testing.T) {
	s := newTestStore(t)
	create(t, s, "r1", store.KindReport, func(in *CreateArtifactInput) { in.Sources = nil })

	a, ok := s.Snapshot().Artifact("r1")
	require.True(t, ok)
	assert.Equal(t, store.StateDraft, a.State)
	assert.Equal(t, int64(1), a.Revision)
}

func TestGeneratedIDs(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Apply(context.Background(), Mutation{Op: OpCreateArtifact, Create: &CreateArtifactInput{
		Kind: store.KindTable,
	}})
	require.NoError(t, err)
	assert.Equal(t, "gen-1", c.ID)
}

func TestRequiresCycleRejected(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		create(t, s, id, store.KindClaim)
	}
	require.NoError(t, connect(s, "a", "b", store.EdgeRequires))
	require.NoError(t, connect(s, "b", "c", store.EdgeRequires))
	before := s.Snapshot()

	err := connect(s, "c", "a", store.EdgeRequires)
	require.ErrorIs(t, err, store.ErrInvariantViolation)
	assert.Equal(t, store.CodeCycle, invariantCode(err))

	after := s.Snapshot()
	assert.Empty(t, cmp.Diff(before.Edges(), after.Edges()))
	assert.False(t, after.HasRequiresCycle())

	// rejection is idempotent
	err = connect(s, "c", "a", store.EdgeRequires)
	assert.Equal(t, store.CodeCycle, invariantCode(err))
	assert.Len(t, s.Snapshot().Edges(), 2)

	// other edge types may close loops
	require.NoError(t, connect(s, "c", "a", store.EdgeSupports))
}

func TestSelfLoopAndDuplicateEdge(t *testing.T) {
	s := newTestStore(t)
	create(t, s, "a", store.KindClaim)
	create(t, s, "b", store.KindClaim)

	assert.Equal(t, store.CodeSelfLoop, invariantCode(connect(s, "a", "a", store.EdgeSupports)))
	require.NoError(t, connect(s, "a", "b", store.EdgeSupports))
	assert.Equal(t, store.CodeInvalidInput, invariantCode(connect(s, "a", "b", store.EdgeSupports)))
	assert.ErrorIs(t, connect(s, "a", "missing", store.EdgeSupports), store.ErrNotFound)
}

func TestAncestorMutationMarksDescendantsStale(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"base", "mid", "top", "other"} {
		create(t, s, id, store.KindClaim)
	}
	require.NoError(t, connect(s, "mid", "base", store.EdgeRequires))
	require.NoError(t, connect(s, "top", "mid", store.EdgeRequires))
	for _, id := range []string{"base", "mid", "top", "other"} {
		_, err := transition(s, id, store.StateResolved)
		require.NoError(t, err)
	}

	c, err := s.Apply(context.Background(), Mutation{Op: OpAddEvidence, Evidence: &AddEvidenceInput{
		ArtifactID: "base", Level: store.LevelCitation, Weight: 0.5, Locator: "https://example.org/x",
	}})
	require.NoError(t, err)

	snap := s.Snapshot()
	for id, want := range map[string]store.State{
		"base":  store.StateResolved,
		"mid":   store.StateStale,
		"top":   store.StateStale,
		"other": store.StateResolved,
	} {
		a, _ := snap.Artifact(id)
		assert.Equal(t, want, a.State, id)
	}
	tr, ok := c.TransitionOf("top")
	require.True(t, ok)
	assert.Equal(t, CauseAncestor, tr.Cause)
	assert.Equal(t, c.Seq, snap.Seq())
}

func TestAltGroupDemotesPreviousInOneEvent(t *testing.T) {
	s := newTestStore(t)
	alt := func(in *CreateArtifactInput) { in.AltGroup = "vendor" }
	create(t, s, "x", store.KindDecision, alt)
	create(t, s, "y", store.KindDecision, alt)

	_, err := transition(s, "x", store.StateResolved)
	require.NoError(t, err)
	c, err := transition(s, "y", store.StateResolved)
	require.NoError(t, err)

	want := []Transition{
		{ArtifactID: "x", From: store.StateResolved, To: store.StateStale, Cause: CauseAltGroup},
		{ArtifactID: "y", From: store.StateDraft, To: store.StateResolved, Cause: CauseRequested},
	}
	assert.Empty(t, cmp.Diff(want, c.Transitions))

	resolved := 0
	for _, id := range s.Snapshot().AltGroupMembers("vendor") {
		if a, _ := s.Snapshot().Artifact(id); a.State == store.StateResolved {
			resolved++
		}
	}
	assert.Equal(t, 1, resolved)

	_, err = transition(s, "y", store.StateResolved)
	assert.Equal(t, store.CodeDuplicateResolve, invariantCode(err))
}

func TestIllegalTransitions(t *testing.T) {
	s := newTestStore(t)
	create(t, s, "a", store.KindClaim)

	_, err := transition(s, "a", store.StateStale)
	assert.Equal(t, store.CodeIllegalTransition, invariantCode(err))

	_, err = transition(s, "a", store.StateInvalidated)
	require.NoError(t, err)
	_, err = transition(s, "a", store.StateResolved)
	assert.Equal(t, store.CodeIllegalTransition, invariantCode(err))
	_, err = transition(s, "a", store.StateDraft)
	assert.NoError(t, err)
}

func TestValidityReferenceExample(t *testing.T) {
	s := newTestStore(t)
	create(t, s, "c", store.KindClaim)
	evidence(t, s, "e1", "c", store.LevelCitation, 0.8, "https://example.org/paper", "alice")
	evidence(t, s, "e2", "c", store.LevelOpinion, 0.6, "https://example.org/blog", "alice")

	a, _ := s.Snapshot().Artifact("c")
	assert.InDelta(t, 0.436, a.V, 1e-9)

	_, err := s.Apply(context.Background(), Mutation{Op: OpAddEvidence, Evidence: &AddEvidenceInput{
		ID: "e3", ArtifactID: "c", Level: store.LevelFormalProof, Weight: 0.9,
		Locator: "https://proofs.example.net/thm", Author: "bob",
		ObservedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	b, _ := s.Snapshot().Artifact("c")
	assert.Greater(t, b.V, a.V)
	assert.InDelta(t, 1-0.564*0.1, b.V, 1e-9)
}

func TestRetractionInvalidatesAndRescores(t *testing.T) {
	s := newTestStore(t)
	create(t, s, "c", store.KindClaim)
	evidence(t, s, "e1", "c", store.LevelEmpirical, 1, "https://a.example/1", "ann")
	_, err := transition(s, "c", store.StateResolved)
	require.NoError(t, err)

	c, err := s.Apply(context.Background(), Mutation{Op: OpRetractEvidence, Retract: &RetractInput{EvidenceID: "e1", Reason: "fabricated"}})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, c.Validity["c"], 1e-9)

	a, _ := s.Snapshot().Artifact("c")
	assert.Equal(t, store.StateInvalidated, a.State)
	assert.True(t, s.Snapshot().Retracted("e1"))

	_, err = s.Apply(context.Background(), Mutation{Op: OpRetractEvidence, Retract: &RetractInput{EvidenceID: "e1"}})
	assert.Equal(t, store.CodeInvalidInput, invariantCode(err))
}

func derivedMinValidity(id string, threshold float64) store.ValueConstraint {
	return store.ValueConstraint{
		ID:       id,
		Severity: store.SeverityHard,
		Scope:    store.Scope{Kinds: []store.Kind{store.KindClaim}},
		Rule:     store.Expr{Op: "ge", Field: "v", Value: threshold},
	}
}

func TestHardConstraintBlocksResolution(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Apply(context.Background(), Mutation{Op: OpInstallConstraints, Constraints: []store.ValueConstraint{
		derivedMinValidity("min-v-hop2", 0.8*0.9*0.9),
	}})
	require.NoError(t, err)

	create(t, s, "weak", store.KindClaim)
	evidence(t, s, "w1", "weak", store.LevelCitation, 1, "https://a.example/w", "ann")
	create(t, s, "strong", store.KindClaim)
	evidence(t, s, "s1", "strong", store.LevelEmpirical, 1, "https://b.example/s", "bob")

	_, err = transition(s, "weak", store.StateResolved)
	require.ErrorIs(t, err, store.ErrConstraintViolation)
	var ce *store.ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "min-v-hop2", ce.Violations[0].ConstraintID)
	a, _ := s.Snapshot().Artifact("weak")
	assert.Equal(t, store.StateDraft, a.State)

	_, err = transition(s, "strong", store.StateResolved)
	assert.NoError(t, err)
}

func TestInstallingConstraintInvalidatesResolved(t *testing.T) {
	s := newTestStore(t)
	create(t, s, "c", store.KindClaim)
	create(t, s, "dep", store.KindClaim)
	require.NoError(t, connect(s, "dep", "c", store.EdgeRequires))
	evidence(t, s, "e1", "c", store.LevelCitation, 1, "https://a.example/1", "ann")
	for _, id := range []string{"c", "dep"} {
		_, err := transition(s, id, store.StateResolved)
		require.NoError(t, err)
	}

	c, err := s.Apply(context.Background(), Mutation{Op: OpInstallConstraints, Constraints: []store.ValueConstraint{
		{ID: "strict", Rule: store.Expr{Op: "ge", Field: "v", Value: 0.6}},
	}})
	require.NoError(t, err)

	tr, ok := c.TransitionOf("c")
	require.True(t, ok)
	assert.Equal(t, CausePostHoc, tr.Cause)
	assert.Equal(t, store.StateInvalidated, tr.To)
	// dep has no evidence either, so it fails the constraint itself
	dep, _ := s.Snapshot().Artifact("dep")
	assert.Equal(t, store.StateInvalidated, dep.State)
}

func TestSoftConstraintPenalizesOnce(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Apply(context.Background(), Mutation{Op: OpInstallConstraints, Constraints: []store.ValueConstraint{{
		ID:       "reviewed",
		Severity: store.SeveritySoft,
		Phase:    store.PhaseWrite,
		Penalty:  0.25,
		Rule:     store.Expr{Op: "has_tag", Value: "reviewed"},
	}}})
	require.NoError(t, err)

	create(t, s, "c", store.KindClaim)
	evidence(t, s, "e1", "c", store.LevelEmpirical, 1, "https://a.example/1", "ann")
	_, err = s.Apply(context.Background(), Mutation{Op: OpReviseArtifact, Revise: &ReviseInput{
		ArtifactID: "c", Content: map[string]any{"text": "edited"},
	}})
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Penalties("c"), 1)
	assert.InDelta(t, 0.7-0.25, snap.EffectiveV("c"), 1e-9)
}

func TestUnitCompatibilityOnNumberEdges(t *testing.T) {
	s := newTestStore(t)
	number := func(unit string, from *time.Time) func(*CreateArtifactInput) {
		return func(in *CreateArtifactInput) { in.Unit = unit; in.ValidFrom = from }
	}
	early := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	create(t, s, "price", store.KindNumber, number("usd", nil))
	create(t, s, "weight", store.KindNumber, number("kg", nil))
	create(t, s, "price-eu", store.KindNumber, number("eur", nil))
	create(t, s, "old-price-eu", store.KindNumber, number("eur", &early))

	err := connect(s, "price", "weight", store.EdgeSupports)
	require.ErrorIs(t, err, store.ErrUnitMismatch)
	require.ErrorIs(t, err, store.ErrInvariantViolation)

	assert.NoError(t, connect(s, "price-eu", "price", store.EdgeSupports))
	assert.ErrorIs(t, connect(s, "old-price-eu", "price", store.EdgeSupports), store.ErrUnitMismatch)

	_, err = s.Apply(context.Background(), Mutation{Op: OpCreateArtifact, Create: &CreateArtifactInput{
		ID: "n", Kind: store.KindNumber, Sources: []string{"x"}, Unit: "furlong",
	}})
	assert.ErrorIs(t, err, store.ErrUnitMismatch)
}

func TestReviseExpectRevisionConflict(t *testing.T) {
	s := newTestStore(t)
	create(t, s, "c", store.KindClaim)

	_, err := s.Apply(context.Background(), Mutation{Op: OpReviseArtifact, Revise: &ReviseInput{
		ArtifactID: "c", Tags: []string{"x"}, ExpectRevision: 1,
	}})
	require.NoError(t, err)

	_, err = s.Apply(context.Background(), Mutation{Op: OpReviseArtifact, Revise: &ReviseInput{
		ArtifactID: "c", Tags: []string{"y"}, ExpectRevision: 1,
	}})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestApplyAtRefusesMovedHead(t *testing.T) {
	s := newTestStore(t)
	head := s.Snapshot().Seq()
	create(t, s, "a", store.KindTable)

	_, err := s.ApplyAt(context.Background(), Mutation{Op: OpCreateArtifact, Create: &CreateArtifactInput{
		ID: "b", Kind: store.KindTable,
	}}, head)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestDryRunLeavesStoreUntouched(t *testing.T) {
	s := newTestStore(t)
	create(t, s, "c", store.KindClaim)
	seq := s.Snapshot().Seq()

	c, next, err := s.DryRun(Mutation{Op: OpTransitionState, Transition: &TransitionInput{ArtifactID: "c", Target: store.StateResolved}})
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
	a, _ := next.Artifact("c")
	assert.Equal(t, store.StateResolved, a.State)

	cur, _ := s.Snapshot().Artifact("c")
	assert.Equal(t, store.StateDraft, cur.State)
	assert.Equal(t, seq, s.Snapshot().Seq())
	assert.Len(t, s.Events(0, 0), 1)
}

func TestCommitHooksSeeNewSnapshot(t *testing.T) {
	s := newTestStore(t)
	var seen []int64
	s.OnCommit(func(c *Commit, snap *Snapshot) {
		assert.Equal(t, c.Seq, snap.Seq())
		seen = append(seen, c.Seq)
	})
	create(t, s, "a", store.KindTable)
	create(t, s, "b", store.KindTable)
	assert.Equal(t, []int64{1, 2}, seen)
}

func TestJournalReplayReproducesChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	create(t, s, "base", store.KindClaim)
	create(t, s, "top", store.KindReport, func(in *CreateArtifactInput) {
		in.Content = map[string]any{"title": "summary", "pages": 3.0}
	})
	require.NoError(t, connect(s, "top", "base", store.EdgeRequires))
	require.Error(t, connect(s, "base", "top", store.EdgeRequires))
	evidence(t, s, "e1", "base", store.LevelReplicated, 0.9, "https://a.example/1", "ann")
	_, err := transition(s, "base", store.StateResolved)
	require.NoError(t, err)
	_, err = s.Apply(ctx, Mutation{Op: OpInstallConstraints, Constraints: []store.ValueConstraint{{
		ID: "tagged", Severity: store.SeveritySoft, Phase: store.PhaseWrite, Penalty: 0.1,
		Rule: store.Expr{Op: "in", Field: "kind", Value: []any{"claim"}},
	}}})
	require.NoError(t, err)
	_, err = transition(s, "top", store.StateResolved)
	require.NoError(t, err)

	events := s.Events(0, 0)
	require.NoError(t, s.VerifyJournal(ctx))

	fresh := New(Options{Units: testUnits(t)})
	n, err := journal.Replay(ctx, events, fresh)
	require.NoError(t, err)
	assert.Equal(t, len(events)-1, n)

	assert.Empty(t, cmp.Diff(events, fresh.Events(0, 0)))
	assert.Empty(t, cmp.Diff(s.Snapshot().Artifacts(), fresh.Snapshot().Artifacts()))
}

func TestTamperedJournalFailsVerification(t *testing.T) {
	s := newTestStore(t)
	create(t, s, "a", store.KindTable)
	create(t, s, "b", store.KindTable)

	events := s.Events(0, 0)
	events[0].Actor = "mallory"
	assert.ErrorIs(t, journal.Verify(events), journal.ErrChainBroken)
}

func TestSnapshotsDoNotBlockWriters(t *testing.T) {
	s := newTestStore(t)
	create(t, s, "seed", store.KindTable)
	held := s.Snapshot()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := s.Apply(context.Background(), Mutation{Op: OpCreateArtifact, Create: &CreateArtifactInput{
					ID: fmt.Sprintf("w%d-%d", w, i), Kind: store.KindTable,
				}})
				assert.NoError(t, err)
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				snap := s.Snapshot()
				assert.GreaterOrEqual(t, len(snap.Artifacts()), 1)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, held.Artifacts(), 1)
	assert.Len(t, s.Snapshot().Artifacts(), 81)
	assert.NoError(t, s.VerifyJournal(context.Background()))
}

func TestExpiredArtifactKeepsValidity(t *testing.T) {
	s := newTestStore(t)
	validTo := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	create(t, s, "c", store.KindClaim, func(in *CreateArtifactInput) { in.ValidTo = &validTo })
	evidence(t, s, "e1", "c", store.LevelEmpirical, 1, "https://a.example/1", "ann")
	base := s.Snapshot()
	before, _ := base.Artifact("c")
	require.InDelta(t, 0.7, before.V, 1e-9)

	more := Mutation{Op: OpAddEvidence, Evidence: &AddEvidenceInput{
		ID: "e2", ArtifactID: "c", Level: store.LevelCitation, Weight: 1,
		Locator: "https://b.example/2", Author: "bo",
	}}

	c, next, err := s.DryRunOn(base, more, validTo.Add(24*time.Hour))
	require.NoError(t, err)
	_, scored := c.Validity["c"]
	assert.False(t, scored)
	after, _ := next.Artifact("c")
	assert.InDelta(t, before.V, after.V, 1e-9)
	assert.Len(t, next.Evidence("c"), 2)

	_, next, err = s.DryRunOn(base, more, validTo.Add(-24*time.Hour))
	require.NoError(t, err)
	live, _ := next.Artifact("c")
	assert.Greater(t, live.V, before.V)
}

func TestEmptyConstraintBatchesRejected(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	_, err := s.newTx(s.Snapshot(), now).run(Mutation{Op: OpInstallConstraints})
	assert.Equal(t, store.CodeInvalidInput, invariantCode(err))

	_, err = s.newTx(s.Snapshot(), now).run(Mutation{Op: OpRemoveConstraints, ConstraintIDs: []string{}})
	assert.Equal(t, store.CodeInvalidInput, invariantCode(err))
}
