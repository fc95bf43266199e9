package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evigraph/internal/config"
	"evigraph/internal/graph"
	"evigraph/internal/store"
	"evigraph/internal/teleo"
)

func testConfig() *config.ProjectConfig {
	cfg := config.Default("engine-test")
	cfg.Units = config.UnitsConfig{
		Dimensions: map[string][]string{"currency": {"USD", "EUR"}, "mass": {"kg"}},
		Conversions: []config.ConversionConfig{
			{From: "EUR", To: "USD", Rate: 1.1, EffectiveFrom: "2024-01-01"},
		},
	}
	cfg.Scheduler.Policies = []config.PolicyConfig{{
		ID: "patient", Retries: 5, Timeout: time.Minute,
		Backoff: config.BackoffConfig{Shape: "linear", Base: time.Second},
	}}
	return cfg
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	e, err := New(context.Background(), testConfig(), Options{
		Clock: func() time.Time { now = now.Add(time.Second); return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func create(id string, kind store.Kind, unit string) graph.Mutation {
	return graph.Mutation{Op: graph.OpCreateArtifact, Create: &graph.CreateArtifactInput{
		ID: id, Kind: kind, Unit: unit, Sources: []string{"src:" + id},
	}}
}

func edge(src, dst string, typ store.EdgeType) graph.Mutation {
	return graph.Mutation{Op: graph.OpConnectEdge, Edge: &graph.ConnectEdgeInput{Src: src, Dst: dst, Type: typ}}
}

func resolve(id string) graph.Mutation {
	return graph.Mutation{Op: graph.OpTransitionState, Transition: &graph.TransitionInput{ArtifactID: id, Target: store.StateResolved}}
}

func TestNewAppliesConfig(t *testing.T) {
	e := newEngine(t)

	gc := e.Gate.Config()
	assert.Equal(t, 0.9, gc.Slack)
	assert.Equal(t, 3, gc.MaxHops)
	assert.Equal(t, -0.5, gc.HardThreshold)
	assert.Equal(t, teleo.DefaultWeights(), gc.Weights)

	p, ok := e.Scheduler.Policy("patient")
	require.True(t, ok)
	assert.Equal(t, 5, p.Retries)
	def, ok := e.Scheduler.Policy("default")
	require.True(t, ok)
	assert.Equal(t, 2, def.Retries)
}

func TestNewRejectsBadUnitCatalogue(t *testing.T) {
	cfg := testConfig()
	cfg.Units.Conversions[0].To = "kg"
	_, err := New(context.Background(), cfg, Options{})
	require.Error(t, err)
}

func TestUnitsReachTheStore(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	for _, m := range []graph.Mutation{
		create("price-eur", store.KindNumber, "EUR"),
		create("price-usd", store.KindNumber, "USD"),
		create("weight", store.KindNumber, "kg"),
	} {
		_, err := e.Propose(ctx, m, ProposalMeta{Actor: "test"})
		require.NoError(t, err)
	}

	_, err := e.Propose(ctx, edge("price-eur", "price-usd", store.EdgeSupports), ProposalMeta{})
	require.NoError(t, err)

	_, err = e.Propose(ctx, edge("price-eur", "weight", store.EdgeSupports), ProposalMeta{})
	require.ErrorIs(t, err, store.ErrUnitMismatch)

	_, err = e.Propose(ctx, create("volume", store.KindNumber, "litre"), ProposalMeta{})
	require.ErrorIs(t, err, store.ErrInvariantViolation)
}

func TestProposeWithoutAnchorsSkipsGate(t *testing.T) {
	e := newEngine(t)
	res, err := e.Propose(context.Background(), create("c1", store.KindClaim, ""), ProposalMeta{Actor: "agent-7"})
	require.NoError(t, err)
	assert.Nil(t, res.Evaluation)
	require.NotNil(t, res.Commit)

	events := e.Store.Events(0, 0)
	require.NotEmpty(t, events)
	assert.Equal(t, "agent-7", events[len(events)-1].Actor)
}

func TestProposeTerminalGoesThroughGate(t *testing.T) {
	e := newEngine(t)
	res, err := e.Propose(context.Background(), create("d1", store.KindDecision, ""), ProposalMeta{Terminal: true})
	require.NoError(t, err)
	require.NotNil(t, res.Evaluation)
	assert.Equal(t, teleo.StageCommitted, res.Evaluation.Disposition)
	_, ok := e.Store.Snapshot().Artifact("d1")
	assert.True(t, ok)
}

func TestProposeHardFailReturnsEvaluation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	for _, m := range []graph.Mutation{
		create("report", store.KindReport, ""),
		create("claim", store.KindClaim, ""),
		edge("report", "claim", store.EdgeRequires),
	} {
		_, err := e.Propose(ctx, m, ProposalMeta{})
		require.NoError(t, err)
	}
	minV := 0.1
	_, err := e.Gate.DeclareAnchor(ctx, store.EndAnchor{
		ID: "final", TargetKind: store.KindReport,
		Rules: store.AnchorRules{MinValidity: &minV},
	}, "test")
	require.NoError(t, err)

	res, err := e.Propose(ctx, resolve("report"), ProposalMeta{Actor: "agent"})
	require.ErrorIs(t, err, store.ErrAlignmentHardFail)
	require.NotNil(t, res.Evaluation)
	assert.Equal(t, teleo.StageHardFailed, res.Evaluation.Disposition)
	assert.Nil(t, res.Commit)

	var aerr *teleo.AlignmentError
	require.ErrorAs(t, err, &aerr)
	assert.NotEmpty(t, aerr.Question)

	a, _ := e.Store.Snapshot().Artifact("report")
	assert.Equal(t, store.StateDraft, a.State)
}

func TestMirrorReportsAnchors(t *testing.T) {
	e := newEngine(t)
	assert.Empty(t, e.Mirror())

	minV := 0.5
	_, err := e.Gate.DeclareAnchor(context.Background(), store.EndAnchor{
		ID: "final", TargetKind: store.KindReport,
		Rules: store.AnchorRules{MinValidity: &minV},
	}, "test")
	require.NoError(t, err)

	results := e.Mirror()
	require.Len(t, results, 1)
	assert.False(t, results[0].Pass)
	assert.Equal(t, -1.0, results[0].Margin)
}
