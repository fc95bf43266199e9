// Package contract decodes and applies contract documents: ordered steps that
// declare tasks, end anchors, assertions, constraints and back-chain
// overrides against an engine.
package contract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"evigraph/internal/store"
)

// Step kinds.
const (
	KindTask       = "task"
	KindEndAnchor  = "end_anchor"
	KindAssertion  = "assertion"
	KindConstraint = "constraint"
	KindBackchain  = "backchain"
)

var contractValidate *validator.Validate

func init() {
	contractValidate = validator.New()
	_ = contractValidate.RegisterValidation("artifact_kind", func(fl validator.FieldLevel) bool {
		return store.Kind(fl.Field().String()).Valid()
	})
	_ = contractValidate.RegisterValidation("edge_type", func(fl validator.FieldLevel) bool {
		return store.EdgeType(fl.Field().String()).Valid()
	})
	_ = contractValidate.RegisterValidation("evidence_level", func(fl validator.FieldLevel) bool {
		return store.Level(fl.Field().String()).Valid()
	})
}

type Contract struct {
	Version  int          `yaml:"version" validate:"omitempty,eq=1"`
	Policies []PolicySpec `yaml:"policies,omitempty" validate:"dive"`
	Steps    []Step       `yaml:"steps" validate:"required,min=1,dive"`
}

type PolicySpec struct {
	ID      string        `yaml:"id" validate:"required"`
	Retries int           `yaml:"retries" validate:"min=0"`
	Backoff BackoffSpec   `yaml:"backoff"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type BackoffSpec struct {
	Shape string        `yaml:"shape" validate:"omitempty,oneof=constant linear exponential"`
	Base  time.Duration `yaml:"base" validate:"min=0"`
	Max   time.Duration `yaml:"max" validate:"min=0"`
}

// Step carries exactly one payload, the one named by Kind.
type Step struct {
	Kind       string          `yaml:"kind" validate:"required,oneof=task end_anchor assertion constraint backchain"`
	Task       *TaskStep       `yaml:"task,omitempty" validate:"required_if=Kind task,omitempty"`
	EndAnchor  *AnchorStep     `yaml:"end_anchor,omitempty" validate:"required_if=Kind end_anchor,omitempty"`
	Assertion  *AssertionStep  `yaml:"assertion,omitempty" validate:"required_if=Kind assertion,omitempty"`
	Constraint *ConstraintStep `yaml:"constraint,omitempty" validate:"required_if=Kind constraint,omitempty"`
	Backchain  *BackchainStep  `yaml:"backchain,omitempty" validate:"required_if=Kind backchain,omitempty"`
}

// TaskStep declares an action. Target and Prereqs name artifacts by alias or
// id.
type TaskStep struct {
	ID           string   `yaml:"id,omitempty"`
	Name         string   `yaml:"name,omitempty"`
	Task         string   `yaml:"task" validate:"required"`
	Target       string   `yaml:"target" validate:"required"`
	Prereqs      []string `yaml:"prereqs,omitempty" validate:"dive,required"`
	AltGroup     string   `yaml:"alt_group,omitempty"`
	Utility      float64  `yaml:"utility"`
	Cost         float64  `yaml:"cost" validate:"min=0"`
	CostOfDelay  float64  `yaml:"cost_of_delay" validate:"min=0"`
	ExpectedGain float64  `yaml:"expected_gain" validate:"min=0"`
	Terminal     bool     `yaml:"terminal,omitempty"`
	Irreversible bool     `yaml:"irreversible,omitempty"`
	Policy       string   `yaml:"policy,omitempty"`
}

type AnchorStep struct {
	ID         string            `yaml:"id" validate:"required"`
	Name       string            `yaml:"name,omitempty"`
	TargetKind string            `yaml:"target_kind" validate:"required,artifact_kind"`
	Rules      store.AnchorRules `yaml:"rules"`
	Slack      float64           `yaml:"slack,omitempty" validate:"min=0,max=1"`
	MaxHops    int               `yaml:"max_hops,omitempty" validate:"min=0"`
}

// AssertionStep creates an artifact. Alias names it for later steps; edges
// and evidence are attached in the same step.
type AssertionStep struct {
	Alias     string         `yaml:"alias,omitempty"`
	ID        string         `yaml:"id,omitempty"`
	Kind      string         `yaml:"kind" validate:"required,artifact_kind"`
	Content   map[string]any `yaml:"content,omitempty"`
	Unit      string         `yaml:"unit,omitempty"`
	Sources   []string       `yaml:"sources,omitempty"`
	Owner     string         `yaml:"owner,omitempty"`
	Tags      []string       `yaml:"tags,omitempty"`
	Stage     string         `yaml:"stage,omitempty"`
	Risk      float64        `yaml:"risk,omitempty" validate:"min=0,max=1"`
	ValidFrom *time.Time     `yaml:"valid_from,omitempty"`
	ValidTo   *time.Time     `yaml:"valid_to,omitempty"`
	AltGroup  string         `yaml:"alt_group,omitempty"`
	Evidence  []EvidenceSpec `yaml:"evidence,omitempty" validate:"dive"`
	Edges     []EdgeSpec     `yaml:"edges,omitempty" validate:"dive"`
	// Resolve moves the artifact to resolved once its evidence and edges
	// are in place.
	Resolve bool `yaml:"resolve,omitempty"`
}

type EvidenceSpec struct {
	ID         string    `yaml:"id,omitempty"`
	Level      string    `yaml:"level" validate:"required,evidence_level"`
	Weight     float64   `yaml:"weight" validate:"gt=0,max=1"`
	Locator    string    `yaml:"locator" validate:"required"`
	Content    string    `yaml:"content,omitempty"`
	Author     string    `yaml:"author,omitempty"`
	ObservedAt time.Time `yaml:"observed_at,omitempty"`
}

// EdgeSpec links the asserted artifact to another one. To makes the asserted
// artifact the source; From makes it the destination.
type EdgeSpec struct {
	Type string `yaml:"type" validate:"required,edge_type"`
	To   string `yaml:"to,omitempty" validate:"required_without=From,excluded_with=From"`
	From string `yaml:"from,omitempty"`
}

type ConstraintStep struct {
	ID       string      `yaml:"id" validate:"required"`
	Name     string      `yaml:"name,omitempty"`
	Severity string      `yaml:"severity,omitempty" validate:"omitempty,oneof=hard soft"`
	Phase    string      `yaml:"phase,omitempty" validate:"omitempty,oneof=resolve write"`
	Scope    store.Scope `yaml:"scope"`
	Rule     store.Expr  `yaml:"rule"`
	Penalty  float64     `yaml:"penalty,omitempty" validate:"min=0"`
}

type BackchainStep struct {
	Anchor  string  `yaml:"anchor" validate:"required"`
	Slack   float64 `yaml:"slack,omitempty" validate:"min=0,max=1"`
	MaxHops int     `yaml:"max_hops,omitempty" validate:"min=0"`
}

// Load reads a contract from a YAML or JSON file.
func Load(path string) (*Contract, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loading contract: %w", err)
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("loading contract %s: %w", path, err)
	}
	return c, nil
}

// Decode parses a contract document. JSON documents decode as YAML.
// Unknown fields are rejected.
func Decode(r io.Reader) (*Contract, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading contract: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var c Contract
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decoding contract: empty document")
		}
		return nil, fmt.Errorf("decoding contract: %w", err)
	}
	return &c, nil
}

// Validate checks field constraints and cross-step references. known reports
// whether a policy id is already registered outside the contract; it may be
// nil.
func (c *Contract) Validate(known func(id string) bool) error {
	if err := contractValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid contract: %w", err)
	}

	policies := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if policies[p.ID] {
			return fmt.Errorf("invalid contract: duplicate policy %s", p.ID)
		}
		policies[p.ID] = true
	}

	aliases := make(map[string]bool)
	for i, s := range c.Steps {
		if n := s.payloads(); n != 1 {
			return fmt.Errorf("invalid contract: step %d (%s) carries %d payloads", i+1, s.Kind, n)
		}
		switch {
		case s.Task != nil:
			if p := s.Task.Policy; p != "" && !policies[p] && (known == nil || !known(p)) {
				return fmt.Errorf("invalid contract: step %d task %q: unknown policy %q: %w", i+1, s.Task.Task, p, store.ErrNotFound)
			}
		case s.Assertion != nil:
			alias := strings.TrimSpace(s.Assertion.Alias)
			if alias == "" {
				continue
			}
			if aliases[alias] {
				return fmt.Errorf("invalid contract: step %d: duplicate alias %q", i+1, alias)
			}
			aliases[alias] = true
		}
	}
	return nil
}

func (s Step) payloads() int {
	n := 0
	for _, set := range []bool{s.Task != nil, s.EndAnchor != nil, s.Assertion != nil, s.Constraint != nil, s.Backchain != nil} {
		if set {
			n++
		}
	}
	return n
}
