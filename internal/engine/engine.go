// Package engine assembles the evidence store, the alignment gate and the
// scheduler from a project configuration.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"evigraph/internal/config"
	"evigraph/internal/graph"
	"evigraph/internal/logging"
	"evigraph/internal/schedule"
	"evigraph/internal/store"
	"evigraph/internal/teleo"
	"evigraph/internal/units"
	"evigraph/internal/validity"
)

type Options struct {
	// Backend persists the graph. Nil keeps everything in memory.
	Backend store.Backend
	Clock   func() time.Time
	Logger  *slog.Logger
}

type Engine struct {
	Store     *graph.Store
	Gate      *teleo.Gate
	Scheduler *schedule.Scheduler
	Units     *units.Resolver

	cfg *config.ProjectConfig
	log *slog.Logger
}

func New(ctx context.Context, cfg *config.ProjectConfig, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default("evigraph")
	}
	resolver, err := Resolver(cfg.Units)
	if err != nil {
		return nil, err
	}

	gopts := graph.Options{
		Units:    resolver,
		Validity: Aggregator(cfg.Evidence),
		Clock:    opts.Clock,
		Logger:   component(opts.Logger, "graph"),
	}
	var s *graph.Store
	if opts.Backend == nil {
		s = graph.New(gopts)
	} else {
		if err := opts.Backend.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensuring schema: %w", err)
		}
		s, err = graph.Open(ctx, opts.Backend, gopts)
		if err != nil {
			return nil, err
		}
	}

	gate := teleo.New(s, GateConfig(cfg.Gate), component(opts.Logger, "teleo"))
	sched, err := schedule.New(s, gate, schedule.Options{
		Weights:       PriorityWeights(cfg.Scheduler.Weights),
		Policies:      Policies(cfg.Scheduler),
		DefaultPolicy: cfg.Scheduler.DefaultPolicy.ID,
		Clock:         opts.Clock,
		Logger:        component(opts.Logger, "schedule"),
	})
	if err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	return &Engine{
		Store:     s,
		Gate:      gate,
		Scheduler: sched,
		Units:     resolver,
		cfg:       cfg,
		log:       component(opts.Logger, "engine"),
	}, nil
}

func component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		return logging.New(name)
	}
	return l.With(slog.String("component", name))
}

func (e *Engine) Config() *config.ProjectConfig {
	return e.cfg
}

// Runner returns a runner dispatching at the configured parallelism.
func (e *Engine) Runner() *schedule.Runner {
	return schedule.NewRunner(e.Scheduler, e.cfg.Scheduler.Parallelism, component(nil, "runner"))
}

// Mirror evaluates every end anchor against the current snapshot.
func (e *Engine) Mirror() []teleo.MirrorResult {
	return e.Gate.Mirror().Current()
}

func (e *Engine) Close(ctx context.Context) error {
	return e.Store.Close(ctx)
}

// ProposalMeta carries what the gate needs to know about a write beyond the
// mutation itself.
type ProposalMeta struct {
	Utility      float64
	Irreversible bool
	// Terminal forces the write through the gate even when nothing else
	// would require it.
	Terminal bool
	Actor    string
	Replay   *store.Replay
}

// Result is the outcome of a proposal. Evaluation is nil when the write went
// straight to the store.
type Result struct {
	Commit     *graph.Commit     `json:"commit,omitempty"`
	Evaluation *teleo.Evaluation `json:"evaluation,omitempty"`
}

// Propose applies m, routing it through the gate when it is terminal,
// irreversible, resolves something or writes near an anchored artifact.
// A hard alignment fail returns the evaluation together with an
// *teleo.AlignmentError.
func (e *Engine) Propose(ctx context.Context, m graph.Mutation, meta ProposalMeta) (*Result, error) {
	if m.Actor == "" {
		m.Actor = meta.Actor
	}
	if m.Replay == nil {
		m.Replay = meta.Replay
	}
	p := teleo.Proposal{Mutation: m, Utility: meta.Utility, Irreversible: meta.Irreversible}

	if meta.Terminal || e.Gate.Required(e.Store.Snapshot(), p) {
		ev, c, err := e.Gate.Commit(ctx, p)
		if err != nil {
			return &Result{Evaluation: ev}, err
		}
		e.log.Debug("proposal committed through gate",
			slog.String("mutation", m.String()),
			slog.String("disposition", string(ev.Disposition)))
		return &Result{Commit: c, Evaluation: ev}, nil
	}

	c, err := e.Store.Apply(ctx, m)
	if err != nil {
		return nil, err
	}
	return &Result{Commit: c}, nil
}

// Resolver builds the unit catalogue.
func Resolver(cfg config.UnitsConfig) (*units.Resolver, error) {
	r := units.NewResolver()
	for _, dim := range cfg.DimensionNames() {
		for _, unit := range cfg.Dimensions[dim] {
			if err := r.AddUnit(unit, dim); err != nil {
				return nil, fmt.Errorf("registering unit: %w", err)
			}
		}
	}
	for _, c := range cfg.Conversions {
		at, err := c.Effective()
		if err != nil {
			return nil, fmt.Errorf("registering conversion %s->%s: %w", c.From, c.To, err)
		}
		if err := r.AddConversion(units.Conversion{From: c.From, To: c.To, Rate: c.Rate, EffectiveFrom: at}); err != nil {
			return nil, fmt.Errorf("registering conversion: %w", err)
		}
	}
	return r, nil
}

func Aggregator(cfg config.EvidenceConfig) *validity.Aggregator {
	return validity.New(validity.Options{
		Levels: cfg.LevelWeights(),
		Alpha:  cfg.Independence.Alpha,
		Floor:  cfg.Independence.Floor,
		Window: cfg.Independence.Window,
	})
}

func GateConfig(cfg config.GateConfig) teleo.Config {
	out := teleo.Config{
		Slack:         cfg.Slack,
		MaxHops:       cfg.MaxHops,
		SoftThreshold: cfg.SoftThreshold,
		Weights: teleo.Weights{
			Utility:       cfg.Weights.Utility,
			Violations:    cfg.Weights.Violations,
			Consistency:   cfg.Weights.Consistency,
			EndAnchor:     cfg.Weights.EndAnchor,
			Risk:          cfg.Weights.Risk,
			Reversibility: cfg.Weights.Reversibility,
		},
	}
	if cfg.HardThreshold != nil {
		out.HardThreshold = *cfg.HardThreshold
	} else {
		out.HardThreshold = teleo.DefaultConfig().HardThreshold
	}
	return out
}

func PriorityWeights(cfg config.PriorityWeights) schedule.Weights {
	return schedule.Weights{
		Utility:     cfg.Utility,
		VOI:         cfg.VOI,
		CostOfDelay: cfg.CostOfDelay,
		RVOI:        cfg.RVOI,
		Cost:        cfg.Cost,
	}
}

// Policies lists the default policy followed by the named ones.
func Policies(cfg config.SchedulerConfig) []schedule.Policy {
	out := make([]schedule.Policy, 0, len(cfg.Policies)+1)
	if cfg.DefaultPolicy.ID != "" {
		out = append(out, Policy(cfg.DefaultPolicy))
	}
	for _, p := range cfg.Policies {
		out = append(out, Policy(p))
	}
	return out
}

func Policy(p config.PolicyConfig) schedule.Policy {
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
