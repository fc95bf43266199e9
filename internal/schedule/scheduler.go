package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"evigraph/internal/graph"
	"evigraph/internal/logging"
	"evigraph/internal/metrics"
	"evigraph/internal/store"
	"evigraph/internal/teleo"
)

// latentRisk is the risk recorded on the artifact that documents an action
// which failed every attempt.
const latentRisk = 0.5

// statusApplying marks an action whose outcome is being committed. It keeps
// its target and alt-group reserved.
const statusApplying Status = "applying"

type Options struct {
	Weights       Weights
	Policies      []Policy
	DefaultPolicy string
	Clock         func() time.Time
	Logger        *slog.Logger
}

type entry struct {
	action    Action
	policy    Policy
	status    Status
	attempts  int
	runAfter  time.Time
	deadline  time.Time
	group     string
	cancel    context.CancelFunc
	// cancelled is set when the target is invalidated mid-flight.
	cancelled bool
	lastErr   string
}

func (e *entry) pending() bool {
	switch e.status {
	case StatusPending, StatusRetrying, StatusRequeued:
		return true
	}
	return false
}

// Scheduler holds declared actions. Ranking reads graph snapshots only; the
// outcome of a dispatch is written through the gate or the store.
type Scheduler struct {
	store   *graph.Store
	gate    *teleo.Gate
	weights Weights
	clock   func() time.Time
	log     *slog.Logger

	mu            sync.Mutex
	policies      map[string]Policy
	defaultPolicy string
	entries       map[string]*entry
	order         []string
	seq           int64
	targets       map[string]string
	groups        map[string]string
	notices       []Notice
	wake          chan struct{}
}

// New creates a scheduler over s. gate may be nil, in which case every
// outcome is applied directly to the store.
func New(s *graph.Store, gate *teleo.Gate, opts Options) (*Scheduler, error) {
	sch := &Scheduler{
		store:         s,
		gate:          gate,
		weights:       opts.Weights,
		clock:         opts.Clock,
		log:           logging.OrDefault(opts.Logger, "schedule"),
		policies:      make(map[string]Policy),
		defaultPolicy: opts.DefaultPolicy,
		entries:       make(map[string]*entry),
		targets:       make(map[string]string),
		groups:        make(map[string]string),
		wake:          make(chan struct{}, 1),
	}
	if sch.weights == (Weights{}) {
		sch.weights = DefaultWeights()
	}
	if sch.clock == nil {
		sch.clock = time.Now
	}
	def := DefaultPolicy()
	sch.policies[def.ID] = def
	for _, p := range opts.Policies {
		if err := sch.AddPolicy(p); err != nil {
			return nil, err
		}
	}
	if sch.defaultPolicy == "" {
		sch.defaultPolicy = def.ID
	}
	if _, ok := sch.policies[sch.defaultPolicy]; !ok {
		return nil, fmt.Errorf("default policy %q: %w", sch.defaultPolicy, store.ErrNotFound)
	}
	s.OnCommit(sch.onCommit)
	return sch, nil
}

func (s *Scheduler) AddPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Backoff.Shape == "" {
		p.Backoff.Shape = BackoffConstant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

func (s *Scheduler) Policy(id string) (Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	return p, ok
}

// Declare adds actions to the frontier in the given order. Either all of
// them are declared or none is.
func (s *Scheduler) Declare(actions ...Action) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(actions))
	prepared := make([]*entry, 0, len(actions))
	for _, a := range actions {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Task == "" {
			return nil, fmt.Errorf("action %s: task is required", a.ID)
		}
		if _, dup := s.entries[a.ID]; dup || seen[a.ID] {
			return nil, fmt.Errorf("action %s already declared", a.ID)
		}
		seen[a.ID] = true
		pid := a.PolicyID
		if pid == "" {
			pid = s.defaultPolicy
		}
		p, ok := s.policies[pid]
		if !ok {
			return nil, fmt.Errorf("action %s: policy %q: %w", a.ID, pid, store.ErrNotFound)
		}
		a.PolicyID = pid
		prepared = append(prepared, &entry{action: a, policy: p, status: StatusPending})
	}

	out := make([]Action, 0, len(prepared))
	for _, e := range prepared {
		s.seq++
		e.action.Seq = s.seq
		s.entries[e.action.ID] = e
		s.order = append(s.order, e.action.ID)
		out = append(out, e.action)
	}
	s.signal()
	return out, nil
}

// Action returns a declared action and its status.
func (s *Scheduler) Action(id string) (Action, Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Action{}, "", false
	}
	return e.action, e.status, true
}

// Frontier ranks every pending action against the current snapshot.
// Entries that cannot be dispatched right now carry a Blocked reason.
func (s *Scheduler) Frontier() []Ranked {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rankLocked(s.store.Snapshot(), s.clock(), false)
}

func (s *Scheduler) rankLocked(snap *graph.Snapshot, now time.Time, drop bool) []Ranked {
	var mirror []teleo.MirrorResult
	if s.gate != nil {
		mirror = s.gate.Mirror().Results(snap)
	}
	out := make([]Ranked, 0, len(s.order))
	eligible := 0
	for _, id := range s.order {
		e := s.entries[id]
		if !e.pending() {
			continue
		}
		target, exists := snap.Artifact(e.action.Target)
		if exists && target.State == store.StateInvalidated {
			if drop {
				e.status = StatusDropped
				s.noticeLocked(NoticeStale, e, "target invalidated while queued", now)
				metrics.Dispatches.WithLabelValues(string(StatusDropped)).Inc()
				continue
			}
		}
		r := score(s.weights, e.action, snap, mirror, now)
		e.group = e.action.AltGroup
		if e.group == "" && exists {
			e.group = target.AltGroup
		}
		switch {
		case exists && target.State == store.StateInvalidated:
			r.Blocked = "target invalidated"
		case now.Before(e.runAfter):
			r.Blocked = "retry after " + e.runAfter.Format(time.RFC3339)
		case s.busyLocked(e):
			r.Blocked = "target or alt-group in flight"
		default:
			if reason, ok := prereqsReady(snap, e.action); !ok {
				r.Blocked = reason
			} else {
				eligible++
			}
		}
		out = append(out, r)
	}
	rank(out)
	metrics.FrontierSize.Set(float64(eligible))
	return out
}

func (s *Scheduler) busyLocked(e *entry) bool {
	if t := e.action.Target; t != "" {
		if _, ok := s.targets[t]; ok {
			return true
		}
	}
	if e.group != "" {
		if _, ok := s.groups[e.group]; ok {
			return true
		}
	}
	return false
}

// NextAction dispatches the highest-priority eligible action. Queued actions
// whose target was invalidated are dropped with a stale notice on the way.
// The descriptor's context outlives ctx; it ends at the policy timeout or
// when the target is invalidated.
func (s *Scheduler) NextAction(ctx context.Context) (*ActionDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	for _, r := range s.rankLocked(s.store.Snapshot(), now, true) {
		if r.Blocked != "" {
			continue
		}
		e := s.entries[r.Action.ID]
		e.attempts++
		e.status = StatusInFlight
		e.cancelled = false
		e.deadline = now.Add(e.policy.Timeout)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.policy.Timeout)
		e.cancel = cancel
		if t := e.action.Target; t != "" {
			s.targets[t] = e.action.ID
		}
		if e.group != "" {
			s.groups[e.group] = e.action.ID
		}
		metrics.Dispatches.WithLabelValues("dispatched").Inc()
		s.log.Debug("action dispatched",
			slog.String("action", e.action.ID),
			slog.String("task", e.action.Task),
			slog.Int("attempt", e.attempts),
			slog.Float64("priority", r.Priority))
		return &ActionDescriptor{
			Action:   e.action,
			Attempt:  e.attempts,
			Deadline: e.deadline,
			Timeout:  e.policy.Timeout,
			ctx:      dctx,
		}, nil
	}
	return nil, ErrEmpty
}

// ReportResult folds an executor outcome back into the graph. A successful
// outcome's mutations are committed in order, through the gate when the
// action is terminal, irreversible or lands near an anchor target. A failed
// or late outcome is retried per the action's policy; after the last attempt
// a latent_risk artifact records the failure. An outcome for an action whose
// target was invalidated mid-flight is discarded and the action requeued.
func (s *Scheduler) ReportResult(ctx context.Context, actionID string, out Outcome) (*Report, error) {
	s.mu.Lock()
	e, ok := s.entries[actionID]
	if !ok || e.status != StatusInFlight {
		s.mu.Unlock()
		return nil, fmt.Errorf("action %s is not in flight: %w", actionID, store.ErrNotFound)
	}
	now := s.clock()
	rep := &Report{ActionID: actionID}

	if e.cancelled {
		e.attempts--
		e.status = StatusRequeued
		s.releaseLocked(e)
		s.mu.Unlock()
		metrics.Dispatches.WithLabelValues(string(StatusRequeued)).Inc()
		rep.Status = StatusRequeued
		return rep, nil
	}

	failure := out.Err
	if failure == nil && now.After(e.deadline) {
		failure = fmt.Errorf("deadline %s passed: %w", e.deadline.Format(time.RFC3339), context.DeadlineExceeded)
	}
	if failure != nil {
		return s.failLocked(ctx, e, failure, now)
	}

	e.status = statusApplying
	a := e.action
	s.mu.Unlock()

	commits, err := s.applyOutcome(ctx, a, out)
	rep.Commits = commits

	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(e)
	var aerr *teleo.AlignmentError
	switch {
	case err == nil:
		e.status = StatusDone
	case errors.As(err, &aerr) && aerr.Hard:
		e.status = StatusBlocked
		rep.Question = aerr.Question
		s.noticeLocked(NoticeBlocked, e, aerr.Question, now)
	default:
		e.status = StatusRejected
		e.lastErr = err.Error()
		s.noticeLocked(NoticeFailed, e, err.Error(), now)
	}
	rep.Status = e.status
	metrics.Dispatches.WithLabelValues(string(e.status)).Inc()
	s.log.Info("action reported",
		slog.String("action", a.ID),
		slog.String("status", string(e.status)),
		slog.Int("commits", len(commits)))
	return rep, err
}

// applyOutcome checks the whole outcome against chained dry runs before
// committing its first mutation, so an outcome that hard-fails anywhere
// leaves the graph untouched.
func (s *Scheduler) applyOutcome(ctx context.Context, a Action, out Outcome) ([]*graph.Commit, error) {
	proposals := make([]teleo.Proposal, len(out.Mutations))
	gated := make([]bool, len(out.Mutations))
	for i, m := range out.Mutations {
		if m.Actor == "" {
			m.Actor = "action:" + a.ID
		}
		if m.Replay == nil {
			m.Replay = out.Replay
		}
		p := teleo.Proposal{Mutation: s.store.Prepare(m), Irreversible: a.Irreversible, ActionID: a.ID}
		if i == 0 {
			p.Utility = a.Utility
		}
		proposals[i] = p
	}

	if err := s.precheck(ctx, a, proposals, gated); err != nil {
		return nil, err
	}

	var commits []*graph.Commit
	for i, p := range proposals {
		var (
			c   *graph.Commit
			err error
		)
		if gated[i] {
			_, c, err = s.gate.Commit(ctx, p)
		} else {
			c, err = s.store.Apply(ctx, p.Mutation)
		}
		if err != nil {
			return commits, fmt.Errorf("applying mutation %d of action %s: %w", i+1, a.ID, err)
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// precheck evaluates each proposal on the state left by the ones before it
// and records in gated which of them must pass the gate. The first failure
// is journaled as a rejection and returned.
func (s *Scheduler) precheck(ctx context.Context, a Action, proposals []teleo.Proposal, gated []bool) error {
	snap := s.store.Snapshot()
	now := s.store.Now()
	for i, p := range proposals {
		gated[i] = s.gate != nil && (a.Terminal || a.Irreversible || s.gate.Required(snap, p))
		if gated[i] {
			ev, next, err := s.gate.EvaluateOn(ctx, snap, p)
			if err != nil {
				return s.refuse(ctx, a, i, p.Mutation, err)
			}
			if ev.Disposition == teleo.StageHardFailed {
				return fmt.Errorf("applying mutation %d of action %s: %w", i+1, a.ID, s.gate.Block(ctx, ev))
			}
			snap = next
			continue
		}
		_, next, err := s.store.DryRunOn(snap, p.Mutation, now)
		if err != nil {
			return s.refuse(ctx, a, i, p.Mutation, err)
		}
		snap = next
	}
	return nil
}

func (s *Scheduler) refuse(ctx context.Context, a Action, i int, m graph.Mutation, err error) error {
	if graph.IsRejection(err) {
		err = s.store.Reject(ctx, m, err)
	}
	return fmt.Errorf("applying mutation %d of action %s: %w", i+1, a.ID, err)
}

// failLocked schedules a retry or, after the final attempt, records the
// failure as a latent_risk artifact. It releases s.mu.
func (s *Scheduler) failLocked(ctx context.Context, e *entry, failure error, now time.Time) (*Report, error) {
	failure = fmt.Errorf("%w: %w", store.ErrExecutorFailure, failure)
	s.releaseLocked(e)
	e.lastErr = failure.Error()
	rep := &Report{ActionID: e.action.ID}

	if e.attempts <= e.policy.Retries {
		e.status = StatusRetrying
		e.runAfter = now.Add(e.policy.Backoff.Delay(e.attempts))
		rep.Status = StatusRetrying
		rep.RetryAt = e.runAfter
		s.mu.Unlock()
		metrics.Dispatches.WithLabelValues(string(StatusRetrying)).Inc()
		s.log.Warn("action failed, retrying",
			slog.String("action", e.action.ID),
			slog.Int("attempt", e.attempts),
			slog.Time("retry_at", rep.RetryAt),
			slog.Any("error", failure))
		return rep, nil
	}

	e.status = StatusFailed
	a, attempts := e.action, e.attempts
	s.noticeLocked(NoticeFailed, e, failure.Error(), now)
	s.mu.Unlock()
	metrics.Dispatches.WithLabelValues(string(StatusFailed)).Inc()

	c, err := s.store.Apply(ctx, graph.Mutation{
		Op: graph.OpCreateArtifact,
		Create: &graph.CreateArtifactInput{
			Kind: store.KindLatentRisk,
			Content: map[string]any{
				"action_id": a.ID,
				"task":      a.Task,
				"target":    a.Target,
				"attempts":  attempts,
				"error":     failure.Error(),
			},
			Sources: []string{"action:" + a.ID},
			Tags:    []string{"executor_failure"},
			Risk:    latentRisk,
		},
		Actor: "scheduler",
	})
	if err != nil {
		return nil, fmt.Errorf("recording latent risk for action %s: %w", a.ID, err)
	}
	rep.Status = StatusFailed
	rep.LatentRisk = c.ID
	rep.Commits = []*graph.Commit{c}
	s.log.Error("action failed permanently",
		slog.String("action", a.ID),
		slog.Int("attempts", attempts),
		slog.String("latent_risk", c.ID),
		slog.Any("error", failure))
	return rep, nil
}

func (s *Scheduler) releaseLocked(e *entry) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if t := e.action.Target; t != "" && s.targets[t] == e.action.ID {
		delete(s.targets, t)
	}
	if e.group != "" && s.groups[e.group] == e.action.ID {
		delete(s.groups, e.group)
	}
	s.signal()
}

// onCommit cancels dispatches whose target a commit invalidated.
func (s *Scheduler) onCommit(c *graph.Commit, _ *graph.Snapshot) {
	var invalidated []string
	for _, t := range c.Transitions {
		if t.To == store.StateInvalidated {
			invalidated = append(invalidated, t.ArtifactID)
		}
	}
	if len(invalidated) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range invalidated {
		actionID, ok := s.targets[id]
		if !ok {
			continue
		}
		e := s.entries[actionID]
		if e.status != StatusInFlight || e.cancelled {
			continue
		}
		e.cancelled = true
		if e.cancel != nil {
			e.cancel()
		}
		s.noticeLocked(NoticeCancelled, e, "target invalidated while in flight", s.clock())
	}
}

func (s *Scheduler) noticeLocked(kind NoticeKind, e *entry, detail string, at time.Time) {
	s.notices = append(s.notices, Notice{
		Kind:     kind,
		ActionID: e.action.ID,
		Target:   e.action.Target,
		Detail:   detail,
		At:       at,
	})
	s.log.Info("action notice",
		slog.String("kind", string(kind)),
		slog.String("action", e.action.ID),
		slog.String("detail", detail))
}

// Notices drains the notices recorded since the last call.
func (s *Scheduler) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notices
	s.notices = nil
	return out
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// idleWait reports how long a runner with nothing to dispatch should wait
// before asking again. ok is false when nothing is eligible, no dispatch is
// in flight and no retry is scheduled, so waiting cannot change anything.
func (s *Scheduler) idleWait() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for _, r := range s.rankLocked(s.store.Snapshot(), now, false) {
		if r.Blocked == "" {
			return 0, true
		}
	}
	var (
		wait  time.Duration
		found bool
	)
	for _, e := range s.entries {
		switch {
		case e.status == StatusInFlight || e.status == statusApplying:
			return time.Second, true
		case e.pending() && now.Before(e.runAfter):
			if d := e.runAfter.Sub(now); !found || d < wait {
				wait, found = d, true
			}
		}
	}
	return wait, found
}
