package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evigraph/internal/store"
)

type fakeView struct {
	a          store.Artifact
	effective  float64
	evidence   int
	supporters int
	contra     int
	prereqs    int
	alts       int
	depth      int
	upstream   map[store.Kind]int
}

func (f fakeView) Artifact() store.Artifact { return f.a }
func (f fakeView) EffectiveV() float64      { return f.effective }
func (f fakeView) EvidenceCount() int       { return f.evidence }
func (f fakeView) Supporters() int          { return f.supporters }
func (f fakeView) Contradictions() int      { return f.contra }
func (f fakeView) Prerequisites() int       { return f.prereqs }
func (f fakeView) Alternatives() int        { return f.alts }
func (f fakeView) ProvenanceDepth() int     { return f.depth }
func (f fakeView) UpstreamDistance(kind store.Kind) int {
	if d, ok := f.upstream[kind]; ok {
		return d
	}
	return -1
}

func claimView(v float64) fakeView {
	return fakeView{
		a: store.Artifact{
			ID: "c1", Kind: store.KindClaim, V: v, R: 0.2, State: store.StateResolved,
			Sources: []string{"s"}, Tags: []string{"finance"},
			Content: map[string]any{"region": "emea", "amount": 42},
		},
		evidence: 2,
		upstream: map[store.Kind]int{store.KindDecision: 2},
	}
}

func TestEval(t *testing.T) {
	view := claimView(0.7)
	tests := []struct {
		name string
		expr store.Expr
		want bool
	}{
		{"ge true", store.Expr{Op: OpGe, Field: "v", Value: 0.648}, true},
		{"ge false", store.Expr{Op: OpGe, Field: "v", Value: 0.8}, false},
		{"lt int literal", store.Expr{Op: OpLt, Field: "evidence.count", Value: 3}, true},
		{"content number", store.Expr{Op: OpEq, Field: "content.amount", Value: 42.0}, true},
		{"content string", store.Expr{Op: OpEq, Field: "content.region", Value: "emea"}, true},
		{"missing field", store.Expr{Op: OpEq, Field: "content.nope", Value: "x"}, false},
		{"ne", store.Expr{Op: OpNe, Field: "state", Value: "invalidated"}, true},
		{"has tag", store.Expr{Op: OpHasTag, Value: "finance"}, true},
		{"exists", store.Expr{Op: OpExists, Field: "content.region"}, true},
		{"in", store.Expr{Op: OpIn, Field: "kind", Value: []any{"number", "claim"}}, true},
		{"upstream", store.Expr{Op: OpEq, Field: "upstream.decision", Value: 2}, true},
		{"and", store.Expr{Op: OpAnd, Args: []store.Expr{
			{Op: OpGe, Field: "v", Value: 0.5},
			{Op: OpLe, Field: "r", Value: 0.3},
		}}, true},
		{"or", store.Expr{Op: OpOr, Args: []store.Expr{
			{Op: OpGe, Field: "v", Value: 0.9},
			{Op: OpHasTag, Value: "legal"},
		}}, false},
		{"not", store.Expr{Op: OpNot, Args: []store.Expr{{Op: OpHasTag, Value: "legal"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, Validate(tt.expr))
			got, err := Eval(tt.expr, view)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalTypeMismatch(t *testing.T) {
	_, err := Eval(store.Expr{Op: OpGe, Field: "content.region", Value: 1}, claimView(0.5))
	assert.Error(t, err)
}

func TestValidateRejectsMalformedRules(t *testing.T) {
	bad := []store.Expr{
		{Op: "exec", Field: "v", Value: 1},
		{Op: OpAnd},
		{Op: OpNot, Args: []store.Expr{{Op: OpHasTag, Value: "a"}, {Op: OpHasTag, Value: "b"}}},
		{Op: OpGe, Value: 1},
		{Op: OpGe, Field: "v", Value: "high"},
		{Op: OpIn, Field: "kind", Value: "claim"},
		{Op: OpHasTag, Value: 3},
	}
	for _, expr := range bad {
		assert.Error(t, Validate(expr), "%+v", expr)
	}
}

func TestCheck(t *testing.T) {
	hard := store.ValueConstraint{
		ID: "min-v", Name: "min validity", Severity: store.SeverityHard, Phase: store.PhaseResolve,
		Scope: store.Scope{Kinds: []store.Kind{store.KindClaim}},
		Rule:  store.Expr{Op: OpGe, Field: "v", Value: 0.8},
	}
	soft := store.ValueConstraint{
		ID: "risk", Name: "risk cap", Severity: store.SeveritySoft, Phase: store.PhaseWrite,
		Rule: store.Expr{Op: OpLe, Field: "r", Value: 0.1},
	}
	otherKind := store.ValueConstraint{
		ID: "numbers", Severity: store.SeverityHard, Phase: store.PhaseWrite,
		Scope: store.Scope{Kinds: []store.Kind{store.KindNumber}},
		Rule:  store.Expr{Op: OpExists, Field: "unit"},
	}
	cs := []store.ValueConstraint{hard, soft, otherKind}

	vs := Check(cs, claimView(0.5), false)
	h, s := Split(vs)
	require.Len(t, h, 1)
	require.Len(t, s, 1)
	assert.Equal(t, "min-v", h[0].ConstraintID)
	assert.Equal(t, "risk", s[0].ConstraintID)

	strict := Check(cs, claimView(0.5), true)
	h, s = Split(strict)
	assert.Len(t, h, 2)
	assert.Empty(t, s)

	draft := claimView(0.5)
	draft.a.State = store.StateDraft
	h, _ = Split(Check(cs, draft, false))
	assert.Empty(t, h, "resolve-phase constraints skip drafts")
}

func TestMatchesUpstreamScope(t *testing.T) {
	scope := store.Scope{Upstream: &store.UpstreamScope{Kind: store.KindDecision, Hops: 2}}
	assert.True(t, Matches(scope, claimView(0.1)))
	scope.Upstream.Hops = 1
	assert.False(t, Matches(scope, claimView(0.1)))
}

func TestNormalize(t *testing.T) {
	c, err := Normalize(store.ValueConstraint{
		ID:       "soft-1",
		Severity: store.SeveritySoft,
		Rule:     store.Expr{Op: OpGe, Field: "v", Value: 0.3},
	})
	require.NoError(t, err)
	assert.Equal(t, store.PhaseResolve, c.Phase)
	assert.Equal(t, 0.1, c.Penalty)
	assert.Equal(t, store.OriginDeclared, c.Origin)

	_, err = Normalize(store.ValueConstraint{ID: "x", Severity: "maybe", Rule: store.Expr{Op: OpExists, Field: "v"}})
	assert.Error(t, err)
	_, err = Normalize(store.ValueConstraint{Rule: store.Expr{Op: OpExists, Field: "v"}})
	assert.Error(t, err)
}
