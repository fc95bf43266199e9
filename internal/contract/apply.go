package contract

import (
	"context"
	"fmt"
	"log/slog"

	"evigraph/internal/engine"
	"evigraph/internal/graph"
	"evigraph/internal/schedule"
	"evigraph/internal/store"
)

// Result summarizes an applied contract.
type Result struct {
	// Aliases maps assertion aliases to artifact ids.
	Aliases     map[string]string `json:"aliases"`
	Artifacts   []string          `json:"artifacts,omitempty"`
	Anchors     []string          `json:"anchors,omitempty"`
	Constraints []string          `json:"constraints,omitempty"`
	Actions     []schedule.Action `json:"actions,omitempty"`
	Steps       int               `json:"steps"`
}

type applier struct {
	eng   *engine.Engine
	actor string
	res   *Result
	log   *slog.Logger
}

// Apply validates c and runs its steps in order. Policies are registered
// before the first step. Steps applied before a failing one stay committed;
// the error names the failing step.
func Apply(ctx context.Context, eng *engine.Engine, c *Contract, actor string, logger *slog.Logger) (*Result, error) {
	known := func(id string) bool {
		_, ok := eng.Scheduler.Policy(id)
		return ok
	}
	if err := c.Validate(known); err != nil {
		return nil, err
	}
	if actor == "" {
		actor = "contract"
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, p := range c.Policies {
		if err := eng.Scheduler.AddPolicy(p.policy()); err != nil {
			return nil, fmt.Errorf("registering policy %s: %w", p.ID, err)
		}
	}

	a := &applier{
		eng:   eng,
		actor: actor,
		res:   &Result{Aliases: make(map[string]string)},
		log:   logger.With(slog.String("component", "contract")),
	}
	for i, s := range c.Steps {
		if err := a.step(ctx, s); err != nil {
			return a.res, fmt.Errorf("step %d (%s): %w", i+1, s.Kind, err)
		}
		a.res.Steps++
	}
	a.log.Info("contract applied",
		slog.Int("steps", a.res.Steps),
		slog.Int("artifacts", len(a.res.Artifacts)),
		slog.Int("actions", len(a.res.Actions)))
	return a.res, nil
}

// Plan registers c's policies and declares only its task steps, against a
// graph the contract was applied to earlier. Assertion aliases resolve to the
// assertion's explicit id when the artifact exists. Nothing is written to the
// graph.
func Plan(eng *engine.Engine, c *Contract, logger *slog.Logger) (*Result, error) {
	known := func(id string) bool {
		_, ok := eng.Scheduler.Policy(id)
		return ok
	}
	if err := c.Validate(known); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range c.Policies {
		if err := eng.Scheduler.AddPolicy(p.policy()); err != nil {
			return nil, fmt.Errorf("registering policy %s: %w", p.ID, err)
		}
	}

	a := &applier{
		eng: eng,
		res: &Result{Aliases: make(map[string]string)},
		log: logger.With(slog.String("component", "contract")),
	}
	snap := eng.Store.Snapshot()
	for _, s := range c.Steps {
		if s.Assertion == nil || s.Assertion.Alias == "" || s.Assertion.ID == "" {
			continue
		}
		if _, ok := snap.Artifact(s.Assertion.ID); ok {
			a.res.Aliases[s.Assertion.Alias] = s.Assertion.ID
		}
	}
	for i, s := range c.Steps {
		if s.Kind != KindTask {
			continue
		}
		if err := a.task(s.Task); err != nil {
			return a.res, fmt.Errorf("step %d (%s): %w", i+1, s.Kind, err)
		}
		a.res.Steps++
	}
	return a.res, nil
}

func (a *applier) step(ctx context.Context, s Step) error {
	switch s.Kind {
	case KindTask:
		return a.task(s.Task)
	case KindEndAnchor:
		return a.anchor(ctx, s.EndAnchor)
	case KindAssertion:
		return a.assertion(ctx, s.Assertion)
	case KindConstraint:
		return a.constraint(ctx, s.Constraint)
	case KindBackchain:
		b := s.Backchain
		if _, err := a.eng.Gate.Rederive(ctx, b.Anchor, b.Slack, b.MaxHops, a.actor); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown step kind %q", s.Kind)
}

// ref resolves an alias to its artifact id; anything else is taken as an id.
func (a *applier) ref(name string) string {
	if id, ok := a.res.Aliases[name]; ok {
		return id
	}
	return name
}

func (a *applier) task(t *TaskStep) error {
	prereqs := make([]string, 0, len(t.Prereqs))
	for _, p := range t.Prereqs {
		prereqs = append(prereqs, a.ref(p))
	}
	declared, err := a.eng.Scheduler.Declare(schedule.Action{
		ID:           t.ID,
		Name:         t.Name,
		Task:         t.Task,
		Target:       a.ref(t.Target),
		Prereqs:      prereqs,
		AltGroup:     t.AltGroup,
		Utility:      t.Utility,
		Cost:         t.Cost,
		CostOfDelay:  t.CostOfDelay,
		ExpectedGain: t.ExpectedGain,
		Terminal:     t.Terminal,
		Irreversible: t.Irreversible,
		PolicyID:     t.Policy,
	})
	if err != nil {
		return err
	}
	a.res.Actions = append(a.res.Actions, declared...)
	return nil
}

func (a *applier) anchor(ctx context.Context, s *AnchorStep) error {
	_, err := a.eng.Gate.DeclareAnchor(ctx, store.EndAnchor{
		ID:         s.ID,
		Name:       s.Name,
		TargetKind: store.Kind(s.TargetKind),
		Rules:      s.Rules,
		Slack:      s.Slack,
		MaxHops:    s.MaxHops,
	}, a.actor)
	if err != nil {
		return err
	}
	a.res.Anchors = append(a.res.Anchors, s.ID)
	return nil
}

func (a *applier) propose(ctx context.Context, m graph.Mutation) (*graph.Commit, error) {
	res, err := a.eng.Propose(ctx, m, engine.ProposalMeta{Actor: a.actor})
	if err != nil {
		return nil, err
	}
	return res.Commit, nil
}

func (a *applier) assertion(ctx context.Context, s *AssertionStep) error {
	c, err := a.propose(ctx, graph.Mutation{Op: graph.OpCreateArtifact, Create: &graph.CreateArtifactInput{
		ID:        s.ID,
		Kind:      store.Kind(s.Kind),
		Content:   s.Content,
		Unit:      s.Unit,
		Sources:   s.Sources,
		Owner:     s.Owner,
		Tags:      s.Tags,
		Stage:     s.Stage,
		Risk:      s.Risk,
		ValidFrom: s.ValidFrom,
		ValidTo:   s.ValidTo,
		AltGroup:  s.AltGroup,
	}})
	if err != nil {
		return err
	}
	id := c.ID
	if s.Alias != "" {
		a.res.Aliases[s.Alias] = id
	}
	a.res.Artifacts = append(a.res.Artifacts, id)

	for _, e := range s.Evidence {
		_, err := a.propose(ctx, graph.Mutation{Op: graph.OpAddEvidence, Evidence: &graph.AddEvidenceInput{
			ID:            e.ID,
			ArtifactID:    id,
			Level:         store.Level(e.Level),
			Weight:        e.Weight,
			Locator:       e.Locator,
			SourceContent: e.Content,
			Author:        e.Author,
			ObservedAt:    e.ObservedAt,
		}})
		if err != nil {
			return fmt.Errorf("evidence %s: %w", e.Locator, err)
		}
	}

	for _, e := range s.Edges {
		in := &graph.ConnectEdgeInput{Src: id, Dst: a.ref(e.To), Type: store.EdgeType(e.Type)}
		if e.From != "" {
			in.Src, in.Dst = a.ref(e.From), id
		}
		if _, err := a.propose(ctx, graph.Mutation{Op: graph.OpConnectEdge, Edge: in}); err != nil {
			return err
		}
	}

	if s.Resolve {
		_, err := a.propose(ctx, graph.Mutation{Op: graph.OpTransitionState, Transition: &graph.TransitionInput{
			ArtifactID: id, Target: store.StateResolved,
		}})
		if err != nil {
			return fmt.Errorf("resolving %s: %w", id, err)
		}
	}
	return nil
}

func (a *applier) constraint(ctx context.Context, s *ConstraintStep) error {
	_, err := a.propose(ctx, graph.Mutation{Op: graph.OpInstallConstraints, Constraints: []store.ValueConstraint{{
		ID:       s.ID,
		Name:     s.Name,
		Severity: store.Severity(s.Severity),
		Phase:    store.Phase(s.Phase),
		Scope:    s.Scope,
		Rule:     s.Rule,
		Penalty:  s.Penalty,
	}}})
	if err != nil {
		return err
	}
	a.res.Constraints = append(a.res.Constraints, s.ID)
	return nil
}

func (p PolicySpec) policy() schedule.Policy {
	return schedule.Policy{
		ID:      p.ID,
		Retries: p.Retries,
		Backoff: schedule.Backoff{
			Shape: schedule.BackoffShape(p.Backoff.Shape),
			Base:  p.Backoff.Base,
			Max:   p.Backoff.Max,
		},
		Timeout: p.Timeout,
	}
}
