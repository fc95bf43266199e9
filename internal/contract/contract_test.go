package contract

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evigraph/internal/config"
	"evigraph/internal/engine"
	"evigraph/internal/store"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	now := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	e, err := engine.New(context.Background(), config.Default("contract-test"), engine.Options{
		Clock: func() time.Time { now = now.Add(time.Second); return now },
	})
	require.NoError(t, err)
	return e
}

func decode(t *testing.T, doc string) *Contract {
	t.Helper()
	c, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)
	return c
}

func TestApplyRunsStepsInOrder(t *testing.T) {
	e := newEngine(t)
	c, err := Load(filepath.Join("testdata", "quarterly.yaml"))
	require.NoError(t, err)

	res, err := Apply(context.Background(), e, c, "planner", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Steps)
	assert.Equal(t, map[string]string{"revenue": "claim-revenue", "report": "report-q1"}, res.Aliases)
	assert.Equal(t, []string{"final"}, res.Anchors)
	assert.Equal(t, []string{"claims-sourced"}, res.Constraints)

	snap := e.Store.Snapshot()
	_, ok := snap.Edge(store.EdgeKey{Src: "report-q1", Dst: "claim-revenue", Type: store.EdgeRequires})
	assert.True(t, ok)
	assert.Len(t, snap.Evidence("claim-revenue"), 1)
	assert.Greater(t, snap.EffectiveV("claim-revenue"), 0.0)

	require.Len(t, res.Actions, 2)
	assert.Equal(t, "patient", res.Actions[0].PolicyID)
	assert.Equal(t, "claim-revenue", res.Actions[0].Target)
	assert.Equal(t, "report-q1", res.Actions[1].Target)
	assert.Equal(t, []string{"claim-revenue"}, res.Actions[1].Prereqs)
	assert.True(t, res.Actions[1].Terminal)

	p, ok := e.Scheduler.Policy("patient")
	require.True(t, ok)
	assert.Equal(t, 4, p.Retries)

	a, ok := snap.Anchor("final")
	require.True(t, ok)
	assert.Equal(t, 0.8, a.Slack)

	events := e.Store.Events(0, 0)
	assert.Equal(t, "planner", events[len(events)-1].Actor)
}

func TestUnknownPolicyFailsBeforeAnyStep(t *testing.T) {
	e := newEngine(t)
	c := decode(t, `
steps:
  - kind: assertion
    assertion: { id: c1, kind: claim, sources: [s] }
  - kind: task
    task: { task: check, target: c1, policy: missing }
`)
	_, err := Apply(context.Background(), e, c, "", nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	seq, _ := e.Store.Head()
	assert.Zero(t, seq)
	_, ok := e.Store.Snapshot().Artifact("c1")
	assert.False(t, ok)
}

func TestValidateRejectsMalformedSteps(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no steps", "version: 1\nsteps: []\n"},
		{"unknown kind", "steps:\n  - kind: wish\n"},
		{"missing payload", "steps:\n  - kind: task\n"},
		{"two payloads", "steps:\n  - kind: task\n    task: { task: t, target: a }\n    backchain: { anchor: x }\n"},
		{"unknown artifact kind", "steps:\n  - kind: assertion\n    assertion: { kind: memo }\n"},
		{"evidence weight above one", "steps:\n  - kind: assertion\n    assertion:\n      kind: claim\n      evidence: [{ level: empirical, weight: 2, locator: x }]\n"},
		{"edge with both ends", "steps:\n  - kind: assertion\n    assertion:\n      kind: report\n      edges: [{ type: requires, to: a, from: b }]\n"},
		{"bad edge type", "steps:\n  - kind: assertion\n    assertion:\n      kind: report\n      edges: [{ type: blocks, to: a }]\n"},
		{"duplicate alias", "steps:\n  - kind: assertion\n    assertion: { alias: a, kind: report }\n  - kind: assertion\n    assertion: { alias: a, kind: report }\n"},
		{"duplicate policy", "policies:\n  - { id: p, timeout: 1s }\n  - { id: p, timeout: 1s }\nsteps:\n  - kind: backchain\n    backchain: { anchor: x }\n"},
		{"policy without timeout", "policies:\n  - { id: p }\nsteps:\n  - kind: backchain\n    backchain: { anchor: x }\n"},
		{"unsupported version", "version: 3\nsteps:\n  - kind: backchain\n    backchain: { anchor: x }\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := decode(t, tt.doc)
			assert.Error(t, c.Validate(nil))
		})
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("steps:\n  - kind: backchain\n    backchain: { anchor: x, hops: 2 }\n"))
	require.Error(t, err)

	_, err = Decode(strings.NewReader(""))
	require.Error(t, err)
}

func TestDecodeAcceptsJSON(t *testing.T) {
	c := decode(t, `{"steps": [{"kind": "end_anchor", "end_anchor": {"id": "a", "target_kind": "decision", "rules": {"min_alternatives": 2}}}]}`)
	require.NoError(t, c.Validate(nil))
	assert.Equal(t, 2, c.Steps[0].EndAnchor.Rules.MinAlternatives)
}

func TestFailingStepKeepsEarlierSteps(t *testing.T) {
	e := newEngine(t)
	c := decode(t, `
steps:
  - kind: assertion
    assertion: { alias: one, id: c1, kind: claim, sources: [s] }
  - kind: assertion
    assertion: { id: r1, kind: report, edges: [{ type: requires, to: nowhere }] }
`)
	res, err := Apply(context.Background(), e, c, "", nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "step 2 (assertion)")
	assert.Equal(t, 1, res.Steps)

	snap := e.Store.Snapshot()
	_, ok := snap.Artifact("c1")
	assert.True(t, ok)
	_, ok = snap.Artifact("r1")
	assert.True(t, ok)
}

func TestPlanDeclaresOnlyTasks(t *testing.T) {
	ctx := context.Background()
	c, err := Load(filepath.Join("testdata", "quarterly.yaml"))
	require.NoError(t, err)

	fresh := newEngine(t)
	_, err = Plan(fresh, c, nil)
	require.NoError(t, err)
	seq, _ := fresh.Store.Head()
	assert.Zero(t, seq)

	applied := newEngine(t)
	_, err = Apply(ctx, applied, c, "planner", nil)
	require.NoError(t, err)
	before, _ := applied.Store.Head()

	for _, s := range c.Steps {
		if s.Task != nil {
			s.Task.ID = "again-" + s.Task.ID
		}
	}
	res, err := Plan(applied, c, nil)
	require.NoError(t, err)
	after, _ := applied.Store.Head()
	assert.Equal(t, before, after)
	assert.Equal(t, 2, res.Steps)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, "claim-revenue", res.Actions[0].Target)
	assert.Equal(t, []string{"claim-revenue"}, res.Actions[1].Prereqs)
}
