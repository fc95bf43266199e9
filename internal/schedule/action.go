// Package schedule ranks the frontier of declared actions, hands the best
// eligible one to an external executor and folds the executor's result back
// into the graph.
package schedule

import (
	"context"
	"fmt"
	"math"
	"time"

	"evigraph/internal/graph"
	"evigraph/internal/store"
)

// ErrEmpty is returned by NextAction when no action is eligible.
var ErrEmpty = store.ErrEmpty

// Action is a unit of analytical work the scheduler can dispatch.
type Action struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Task     string   `json:"task" yaml:"task"`
	Target   string   `json:"target,omitempty" yaml:"target,omitempty"`
	Prereqs  []string `json:"prereqs,omitempty" yaml:"prereqs,omitempty"`
	AltGroup string   `json:"alt_group,omitempty" yaml:"alt_group,omitempty"`

	Utility      float64 `json:"utility" yaml:"utility"`
	Cost         float64 `json:"cost" yaml:"cost"`
	CostOfDelay  float64 `json:"cost_of_delay,omitempty" yaml:"cost_of_delay,omitempty"`
	ExpectedGain float64 `json:"expected_gain,omitempty" yaml:"expected_gain,omitempty"`

	Terminal     bool `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Irreversible bool `json:"irreversible,omitempty" yaml:"irreversible,omitempty"`

	PolicyID string `json:"policy,omitempty" yaml:"policy,omitempty"`
	// Seq is the declaration order, assigned by Declare.
	Seq int64 `json:"seq" yaml:"-"`
}

type BackoffShape string

const (
	BackoffConstant    BackoffShape = "constant"
	BackoffLinear      BackoffShape = "linear"
	BackoffExponential BackoffShape = "exponential"
)

type Backoff struct {
	Shape BackoffShape  `json:"shape" yaml:"shape"`
	Base  time.Duration `json:"base" yaml:"base"`
	Max   time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// Delay is the wait before retry number n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d time.Duration
	switch b.Shape {
	case BackoffLinear:
		d = b.Base * time.Duration(n)
	case BackoffExponential:
		d = time.Duration(float64(b.Base) * math.Pow(2, float64(n-1)))
	default:
		d = b.Base
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Policy bounds how an action is retried. Retries counts attempts after the
// first one.
type Policy struct {
	ID      string        `json:"id" yaml:"id"`
	Retries int           `json:"retries" yaml:"retries"`
	Backoff Backoff       `json:"backoff" yaml:"backoff"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

func DefaultPolicy() Policy {
	return Policy{
		ID:      "default",
		Retries: 2,
		Backoff: Backoff{Shape: BackoffExponential, Base: time.Second, Max: time.Minute},
		Timeout: 5 * time.Minute,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("policy: id is required")
	case p.Retries < 0:
		return fmt.Errorf("policy %s: retries must not be negative", p.ID)
	case p.Timeout <= 0:
		return fmt.Errorf("policy %s: timeout must be positive", p.ID)
	case p.Backoff.Base < 0 || p.Backoff.Max < 0:
		return fmt.Errorf("policy %s: backoff durations must not be negative", p.ID)
	}
	switch p.Backoff.Shape {
	case BackoffConstant, BackoffLinear, BackoffExponential, "":
		return nil
	}
	return fmt.Errorf("policy %s: unknown backoff shape %q", p.ID, p.Backoff.Shape)
}

// ActionDescriptor is what an executor receives for one dispatch.
type ActionDescriptor struct {
	Action   Action        `json:"action"`
	Attempt  int           `json:"attempt"`
	Deadline time.Time     `json:"deadline"`
	Timeout  time.Duration `json:"timeout"`

	ctx context.Context
}

// Context is cancelled when the dispatch times out or the action's target is
// invalidated while the executor works on it.
func (d *ActionDescriptor) Context() context.Context {
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// Outcome is what an executor reports back: either mutations to apply or a
// failure.
type Outcome struct {
	Mutations []graph.Mutation `json:"mutations,omitempty"`
	Err       error            `json:"-"`
	Replay    *store.Replay    `json:"replay,omitempty"`
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusRetrying Status = "retrying"
	StatusFailed   Status = "failed"
	StatusBlocked  Status = "blocked"
	StatusRejected Status = "rejected"
	StatusRequeued Status = "requeued"
	StatusDropped  Status = "dropped"
)

// Report describes how ReportResult disposed of an outcome.
type Report struct {
	ActionID   string          `json:"action_id"`
	Status     Status          `json:"status"`
	Commits    []*graph.Commit `json:"commits,omitempty"`
	RetryAt    time.Time       `json:"retry_at,omitzero"`
	LatentRisk string          `json:"latent_risk,omitempty"`
	Question   string          `json:"question,omitempty"`
}

type NoticeKind string

const (
	// NoticeStale marks an action dropped because its target was
	// invalidated while queued.
	NoticeStale     NoticeKind = "stale"
	NoticeCancelled NoticeKind = "cancelled"
	NoticeBlocked   NoticeKind = "blocked"
	NoticeFailed    NoticeKind = "failed"
)

// Notice is an informational event about an action. It is never an error.
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	ActionID string     `json:"action_id"`
	Target   string     `json:"target,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	At       time.Time  `json:"at"`
}
