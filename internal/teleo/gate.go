package teleo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"evigraph/internal/graph"
	"evigraph/internal/logging"
	"evigraph/internal/metrics"
	"evigraph/internal/store"
)

var tracer = otel.Tracer("evigraph.teleo")

// Stage is a state of the gate's per-proposal state machine.
type Stage string

const (
	StageProposed         Stage = "proposed"
	StageEndMirrorChecked Stage = "end_mirror_checked"
	StageBackChainChecked Stage = "back_chain_checked"
	StageSentinelChecked  Stage = "sentinel_checked"
	StageIAGComputed      Stage = "iag_computed"
	StageCommitted        Stage = "committed"
	StageSoftFailed       Stage = "soft_failed"
	StageHardFailed       Stage = "hard_failed"
)

// commitAttempts bounds re-evaluation when another writer commits between
// evaluation and commit.
const commitAttempts = 3

type Proposal struct {
	Mutation     graph.Mutation
	Utility      float64
	Irreversible bool
	// ActionID links the proposal to a scheduled action, when there is one.
	ActionID string
}

type Evaluation struct {
	Stages      []Stage           `json:"stages"`
	Disposition Stage             `json:"disposition"`
	BaseSeq     int64             `json:"base_seq"`
	Before      []MirrorResult    `json:"before,omitempty"`
	After       []MirrorResult    `json:"after,omitempty"`
	Sentinel    SentinelResult    `json:"sentinel"`
	Terms       Terms             `json:"terms"`
	IAG         float64           `json:"iag"`
	Violations  []store.Violation `json:"violations,omitempty"`
	Question    string            `json:"question,omitempty"`
	Advice      string            `json:"advice,omitempty"`

	mutation graph.Mutation
}

func (e *Evaluation) advance(s Stage) {
	e.Stages = append(e.Stages, s)
}

func (e *Evaluation) settle(s Stage) {
	e.advance(s)
	e.Disposition = s
}

// AlignmentError reports a proposal the gate did not let through cleanly.
type AlignmentError struct {
	Hard     bool
	IAG      float64
	Question string
}

func (e *AlignmentError) Error() string {
	kind := "soft"
	if e.Hard {
		kind = "hard"
	}
	return fmt.Sprintf("alignment %s fail (iag %.3f): %s", kind, e.IAG, e.Question)
}

func (e *AlignmentError) Unwrap() error {
	if e.Hard {
		return store.ErrAlignmentHardFail
	}
	return store.ErrAlignmentSoftFail
}

type Config struct {
	Slack         float64 `yaml:"slack"`
	MaxHops       int     `yaml:"max_hops"`
	SoftThreshold float64 `yaml:"soft_threshold"`
	HardThreshold float64 `yaml:"hard_threshold"`
	Weights       Weights `yaml:"weights"`
}

func DefaultConfig() Config {
	return Config{
		Slack:         DefaultSlack,
		MaxHops:       DefaultMaxHops,
		SoftThreshold: 0,
		HardThreshold: -0.5,
		Weights:       DefaultWeights(),
	}
}

type Gate struct {
	store  *graph.Store
	mirror *Mirror
	cfg    Config
	log    *slog.Logger
}

func New(s *graph.Store, cfg Config, logger *slog.Logger) *Gate {
	def := DefaultConfig()
	if cfg.Slack <= 0 || cfg.Slack > 1 {
		cfg.Slack = def.Slack
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.HardThreshold > cfg.SoftThreshold {
		cfg.HardThreshold = cfg.SoftThreshold
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	return &Gate{
		store:  s,
		mirror: NewMirror(s),
		cfg:    cfg,
		log:    logging.OrDefault(logger, "teleo"),
	}
}

func (g *Gate) Mirror() *Mirror {
	return g.mirror
}

func (g *Gate) Config() Config {
	return g.cfg
}

// DeclareAnchor installs or replaces an anchor together with its derived
// BackConstraints in one transaction.
func (g *Gate) DeclareAnchor(ctx context.Context, a store.EndAnchor, actor string) (*graph.Commit, error) {
	a = normalizeAnchor(a, g.cfg.Slack, g.cfg.MaxHops)
	c, err := g.store.Apply(ctx, graph.Mutation{
		Op:     graph.OpDeclareAnchor,
		Anchor: &graph.AnchorInput{Anchor: a, Derived: Derive(a)},
		Actor:  actor,
	})
	if err != nil {
		return nil, fmt.Errorf("declaring anchor %s: %w", a.ID, err)
	}
	g.log.Info("anchor declared",
		slog.String("anchor", a.ID),
		slog.String("target_kind", string(a.TargetKind)),
		slog.Int("transitions", len(c.Transitions)))
	return c, nil
}

// Rederive re-installs an anchor's BackConstraints with a new slack or hop
// limit. Zero values keep the current setting.
func (g *Gate) Rederive(ctx context.Context, anchorID string, slack float64, maxHops int, actor string) (*graph.Commit, error) {
	a, ok := g.store.Snapshot().Anchor(anchorID)
	if !ok {
		return nil, fmt.Errorf("anchor %q: %w", anchorID, store.ErrNotFound)
	}
	if slack != 0 {
		a.Slack = slack
	}
	if maxHops != 0 {
		a.MaxHops = maxHops
	}
	return g.DeclareAnchor(ctx, a, actor)
}

// Required reports whether a mutation must pass the gate: when anchors exist
// and the mutation is irreversible, resolves something, or writes near a
// terminal artifact.
func (g *Gate) Required(snap *graph.Snapshot, p Proposal) bool {
	anchors := snap.Anchors()
	if len(anchors) == 0 {
		return false
	}
	if p.Irreversible {
		return true
	}
	if _, ok := p.Mutation.Resolves(); ok {
		return true
	}
	for _, id := range p.Mutation.Targets() {
		for _, a := range anchors {
			if snap.RequiresDistance(id, a.TargetKind, sentinelReach) >= 0 {
				return true
			}
		}
	}
	return false
}

// Evaluate runs the proposal through the state machine against the current
// snapshot without committing anything. Invariant violations are returned
// as errors; alignment outcomes are reported in the evaluation.
func (g *Gate) Evaluate(ctx context.Context, p Proposal) (*Evaluation, error) {
	ev, _, err := g.evaluate(ctx, g.store.Snapshot(), p, true)
	return ev, err
}

// EvaluateOn runs the state machine against base, which may be a dry-run
// snapshot that was never published. It also returns the state the proposal
// would produce, or nil when the proposal hard-fails.
func (g *Gate) EvaluateOn(ctx context.Context, base *graph.Snapshot, p Proposal) (*Evaluation, *graph.Snapshot, error) {
	return g.evaluate(ctx, base, p, false)
}

// Block journals a hard-failed evaluation as a rejection note and returns
// the matching *AlignmentError.
func (g *Gate) Block(ctx context.Context, ev *Evaluation) error {
	aerr := &AlignmentError{Hard: true, IAG: ev.IAG, Question: ev.Question}
	_ = g.store.Reject(ctx, ev.mutation, aerr)
	g.log.Info("proposal blocked",
		slog.String("mutation", ev.mutation.String()),
		slog.Float64("iag", ev.IAG),
		slog.String("question", ev.Question))
	return aerr
}

// evaluate reads the mirror cache only when cached is set; the cache is keyed
// by sequence number and must never see an unpublished snapshot.
func (g *Gate) evaluate(ctx context.Context, base *graph.Snapshot, p Proposal, cached bool) (*Evaluation, *graph.Snapshot, error) {
	_, span := tracer.Start(ctx, "teleo.Evaluate", trace.WithAttributes(
		attribute.String("teleo.op", p.Mutation.Op),
		attribute.Int64("teleo.base_seq", base.Seq()),
	))
	defer span.End()

	m := g.store.Prepare(p.Mutation)
	ev := &Evaluation{BaseSeq: base.Seq(), mutation: m}
	ev.advance(StageProposed)
	now := g.store.Now()

	if cached {
		ev.Before = g.mirror.Results(base)
	} else {
		ev.Before = EvaluateAll(base, now)
	}
	ev.advance(StageEndMirrorChecked)

	c, after, err := g.store.DryRunOn(base, m, now)
	if err != nil {
		var ce *store.ConstraintError
		if !errors.As(err, &ce) {
			return nil, nil, err
		}
		ev.Violations = ce.Violations
		ev.Question = violationQuestion(m, ce.Violations)
		ev.settle(StageHardFailed)
		g.finish(span, ev)
		return ev, nil, nil
	}
	ev.advance(StageBackChainChecked)

	ev.Sentinel = Sentinel(base, after, m)
	ev.advance(StageSentinelChecked)
	if !ev.Sentinel.Pass {
		ev.Violations = ev.Sentinel.Violations
		ev.Question = sentinelQuestion(m, ev.Sentinel)
		ev.settle(StageHardFailed)
		g.finish(span, ev)
		return ev, nil, nil
	}

	ev.After = EvaluateAll(after, now)
	ev.Terms = ComputeTerms(p, base, after, c, ev.Before, ev.After)
	ev.IAG = g.cfg.Weights.Score(ev.Terms)
	ev.advance(StageIAGComputed)

	switch {
	case ev.IAG >= g.cfg.SoftThreshold:
		ev.settle(StageCommitted)
	case ev.IAG >= g.cfg.HardThreshold:
		ev.Advice = advice(m, c.ChangedIDs(), ev.Terms)
		ev.settle(StageSoftFailed)
	default:
		ev.Question = g.question(m, ev.Terms)
		ev.settle(StageHardFailed)
		g.finish(span, ev)
		return ev, nil, nil
	}
	g.finish(span, ev)
	return ev, after, nil
}

func (g *Gate) finish(span trace.Span, ev *Evaluation) {
	span.SetAttributes(
		attribute.String("teleo.disposition", string(ev.Disposition)),
		attribute.Float64("teleo.iag", ev.IAG),
	)
}

// Commit evaluates the proposal and applies it unless it hard-fails. A soft
// fail is applied and followed by a journaled recommendation. A hard fail
// changes nothing in the graph, is journaled as a rejection note and returns
// an *AlignmentError carrying a clarifying question.
func (g *Gate) Commit(ctx context.Context, p Proposal) (*Evaluation, *graph.Commit, error) {
	ctx, span := tracer.Start(ctx, "teleo.Commit")
	defer span.End()

	for attempt := 1; ; attempt++ {
		ev, _, err := g.evaluate(ctx, g.store.Snapshot(), p, true)
		if err != nil {
			return nil, nil, err
		}
		metrics.GateDispositions.WithLabelValues(string(ev.Disposition)).Inc()

		if ev.Disposition == StageHardFailed {
			return ev, nil, g.Block(ctx, ev)
		}

		c, err := g.store.ApplyAt(ctx, ev.mutation, ev.BaseSeq)
		if errors.Is(err, store.ErrConflict) && attempt < commitAttempts {
			continue
		}
		if err != nil {
			return ev, nil, err
		}

		if ev.Disposition == StageSoftFailed {
			_, err := g.store.Apply(ctx, graph.Mutation{
				Op:    graph.OpNote,
				Note:  &graph.NoteInput{Subject: c.ID, Text: ev.Advice},
				Actor: ev.mutation.Actor,
			})
			if err != nil {
				g.log.Warn("recommendation not journaled", slog.Any("error", err))
			}
		}
		return ev, c, nil
	}
}

func violationQuestion(m graph.Mutation, vs []store.Violation) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("%s breaks %s. Which evidence or alternative should satisfy it first?",
		m, strings.Join(parts, "; "))
}

func sentinelQuestion(m graph.Mutation, r SentinelResult) string {
	if len(r.Unresolved) > 0 {
		return fmt.Sprintf("%s sits near the end goal (%s) but its prerequisites %s are not resolved. Resolve them first, or is this step premature?",
			m, strings.Join(r.Anchors, ", "), strings.Join(r.Unresolved, ", "))
	}
	return violationQuestion(m, r.Violations)
}

// question is built from the IAG term that contributes most negatively.
func (g *Gate) question(m graph.Mutation, t Terms) string {
	w := g.cfg.Weights
	type term struct {
		cost float64
		text string
	}
	terms := []term{
		{-w.Utility * t.Utility, fmt.Sprintf("%s lowers expected utility by %.3f. What outcome should it serve instead?", m, -t.Utility)},
		{w.Violations * t.Violations, fmt.Sprintf("%s would record %.0f soft constraint penalties. Should those constraints be relaxed, or more evidence gathered first?", m, t.Violations)},
		{w.Consistency * t.Consistency, fmt.Sprintf("%s would leave %.0f more contradicting pairs resolved. Which side should be retracted?", m, t.Consistency)},
		{w.EndAnchor * t.EAMargin, fmt.Sprintf("%s moves anchor %q %.3f further from passing. Is a detour from that end goal intended?", m, t.WorstAnchor, t.EAMargin)},
		{w.Risk * t.Risk, fmt.Sprintf("%s raises risk by %.3f. What mitigation covers it?", m, t.Risk)},
	}
	best := terms[0]
	for _, tm := range terms[1:] {
		if tm.cost > best.cost {
			best = tm
		}
	}
	return best.text
}

func advice(m graph.Mutation, changed []string, t Terms) string {
	subject := strings.Join(changed, ", ")
	if subject == "" {
		subject = m.String()
	}
	switch {
	case t.EAMargin > 0 && t.WorstAnchor != "":
		return fmt.Sprintf("add evidence upstream of anchor %s or declare an alternative to %s", t.WorstAnchor, subject)
	case t.Violations > 0:
		return fmt.Sprintf("address the soft constraint penalties on %s", subject)
	default:
		return fmt.Sprintf("add evidence or alternatives for %s", subject)
	}
}
