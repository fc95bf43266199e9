package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindClaim      Kind = "claim"
	KindNumber     Kind = "number"
	KindTable      Kind = "table"
	KindReport     Kind = "report"
	KindDecision   Kind = "decision"
	KindLatentRisk Kind = "latent_risk"
)

var Kinds = []Kind{KindClaim, KindNumber, KindTable, KindReport, KindDecision, KindLatentRisk}

func (k Kind) Valid() bool {
	for _, kind := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RequiresSources reports whether artifacts of this kind must always carry
// at least one source reference.
func (k Kind) RequiresSources() bool {
	return k == KindClaim || k == KindNumber
}

type State string

const (
	StateDraft       State = "draft"
	StateResolved    State = "resolved"
	StateStale       State = "stale"
	StateInvalidated State = "invalidated"
)

func (s State) Valid() bool {
	switch s {
	case StateDraft, StateResolved, StateStale, StateInvalidated:
		return true
	}
	return false
}

type EdgeType string

const (
	EdgeSupports      EdgeType = "supports"
	EdgeContradicts   EdgeType = "contradicts"
	EdgeRequires      EdgeType = "requires"
	EdgeRefines       EdgeType = "refines"
	EdgeAlternativeOf EdgeType = "alternative_of"
)

func (t EdgeType) Valid() bool {
	switch t {
	case EdgeSupports, EdgeContradicts, EdgeRequires, EdgeRefines, EdgeAlternativeOf:
		return true
	}
	return false
}

// Level is the evidence strength ladder, ordered from weakest to strongest.
type Level string

const (
	LevelOpinion     Level = "opinion"
	LevelAnecdote    Level = "anecdote"
	LevelCitation    Level = "citation"
	LevelEmpirical   Level = "empirical"
	LevelReplicated  Level = "replicated"
	LevelFormalProof Level = "formal_proof"
)

var Levels = []Level{LevelOpinion, LevelAnecdote, LevelCitation, LevelEmpirical, LevelReplicated, LevelFormalProof}

func DefaultLevelWeights() map[Level]float64 {
	return map[Level]float64{
		LevelOpinion:     0.2,
		LevelAnecdote:    0.3,
		LevelCitation:    0.5,
		LevelEmpirical:   0.7,
		LevelReplicated:  0.85,
		LevelFormalProof: 1.0,
	}
}

func (l Level) Rank() int {
	for i, level := range Levels {
		if l == level {
			return i
		}
	}
	return -1
}

func (l Level) Valid() bool {
	return l.Rank() >= 0
}

type Artifact struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Content   map[string]any `json:"content,omitempty"`
	Unit      string         `json:"unit,omitempty"`
	V         float64        `json:"v"`
	R         float64        `json:"r"`
	Sources   []string       `json:"sources"`
	Owner     string         `json:"owner,omitempty"`
	State     State          `json:"state"`
	Tags      []string       `json:"tags,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	AltGroup  string         `json:"alt_group,omitempty"`
	ValidFrom *time.Time     `json:"valid_from,omitempty"`
	ValidTo   *time.Time     `json:"valid_to,omitempty"`
	Revision  int64          `json:"revision"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a copy whose slices and maps can be modified without
// affecting the receiver.
func (a Artifact) Clone() Artifact {
	out := a
	out.Sources = append([]string(nil), a.Sources...)
	out.Tags = append([]string(nil), a.Tags...)
	if a.Content != nil {
		out.Content = make(map[string]any, len(a.Content))
		for k, v := range a.Content {
			out.Content[k] = v
		}
	}
	return out
}

func (a Artifact) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Expired reports whether the artifact's validity window closed before now.
func (a Artifact) Expired(now time.Time) bool {
	return a.ValidTo != nil && now.After(*a.ValidTo)
}

type EdgeKey struct {
	Src  string   `json:"src"`
	Dst  string   `json:"dst"`
	Type EdgeType `json:"type"`
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%s-[%s]->%s", k.Src, k.Type, k.Dst)
}

type Edge struct {
	Src       string    `json:"src"`
	Dst       string    `json:"dst"`
	Type      EdgeType  `json:"type"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

func (e Edge) Key() EdgeKey {
	return EdgeKey{Src: e.Src, Dst: e.Dst, Type: e.Type}
}

type EvidenceItem struct {
	ID          string    `json:"id"`
	ArtifactID  string    `json:"artifact_id"`
	Level       Level     `json:"level"`
	Weight      float64   `json:"weight"`
	Locator     string    `json:"locator"`
	ContentHash string    `json:"content_hash"`
	Author      string    `json:"author,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}

type Retraction struct {
	EvidenceID string    `json:"evidence_id"`
	ArtifactID string    `json:"artifact_id"`
	Reason     string    `json:"reason,omitempty"`
	Seq        int64     `json:"seq"`
	At         time.Time `json:"at"`
}

// Penalty is recorded when a soft constraint fails. Penalties lower the
// effective score used for ranking, never the stored validity.
type Penalty struct {
	ConstraintID string    `json:"constraint_id"`
	ArtifactID   string    `json:"artifact_id"`
	Amount       float64   `json:"amount"`
	Reason       string    `json:"reason,omitempty"`
	Seq          int64     `json:"seq"`
	At           time.Time `json:"at"`
}

type Replay struct {
	ModelID           string `json:"model_id,omitempty"`
	PromptFingerprint string `json:"prompt_fingerprint,omitempty"`
	Seed              *int64 `json:"seed,omitempty"`
}

type JournalEvent struct {
	Seq      int64           `json:"seq"`
	Op       string          `json:"op"`
	Actor    string          `json:"actor,omitempty"`
	Touched  []string        `json:"touched,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Replay   *Replay         `json:"replay,omitempty"`
	Rejected bool            `json:"rejected,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	At       time.Time       `json:"at"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// Phase selects when a constraint is checked: on every write that touches a
// matching artifact, or only when the artifact is resolved or already
// resolved and mutated.
type Phase string

const (
	PhaseResolve Phase = "resolve"
	PhaseWrite   Phase = "write"
)

type UpstreamScope struct {
	Kind Kind `json:"kind" yaml:"kind"`
	Hops int  `json:"hops" yaml:"hops"`
}

type Scope struct {
	Kinds    []Kind         `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Tags     []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Stage    string         `json:"stage,omitempty" yaml:"stage,omitempty"`
	Upstream *UpstreamScope `json:"upstream,omitempty" yaml:"upstream,omitempty"`
}

// Expr is a node of a constraint rule. Boolean nodes (and, or, not) use
// Args; comparison nodes compare Field against the literal Value.
type Expr struct {
	Op    string `json:"op" yaml:"op"`
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
	Args  []Expr `json:"args,omitempty" yaml:"args,omitempty"`
}

type ValueConstraint struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Phase    Phase    `json:"phase"`
	Scope    Scope    `json:"scope"`
	Rule     Expr     `json:"rule"`
	Penalty  float64  `json:"penalty,omitempty"`
	Origin   string   `json:"origin"`
}

const OriginDeclared = "declared"

func AnchorOrigin(anchorID string) string {
	return "anchor:" + anchorID
}

type AnchorRules struct {
	MinValidity        *float64 `json:"min_validity,omitempty" yaml:"min_validity,omitempty"`
	MinAlternatives    int      `json:"min_alternatives,omitempty" yaml:"min_alternatives,omitempty"`
	MaxRisk            *float64 `json:"max_risk,omitempty" yaml:"max_risk,omitempty"`
	NoHardViolations   bool     `json:"no_hard_violations,omitempty" yaml:"no_hard_violations,omitempty"`
	MinProvenanceDepth int      `json:"min_provenance_depth,omitempty" yaml:"min_provenance_depth,omitempty"`
}

type EndAnchor struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	TargetKind Kind        `json:"target_kind"`
	Rules      AnchorRules `json:"rules"`
	Slack      float64     `json:"slack"`
	MaxHops    int         `json:"max_hops"`
	Seq        int64       `json:"seq"`
}

type SearchResult struct {
	ArtifactID string
	Kind       Kind
	State      State
	Tags       []string
	Score      float64
	Snippet    string
}
