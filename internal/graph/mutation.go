package graph

import (
	"fmt"
	"time"

	"evigraph/internal/store"
)

// Operation names as recorded in the journal.
const (
	OpCreateArtifact     = "create_artifact"
	OpAddEvidence        = "add_evidence"
	OpConnectEdge        = "connect_edge"
	OpTransitionState    = "transition_state"
	OpRetractEvidence    = "retract_evidence"
	OpReviseArtifact     = "revise_artifact"
	OpInstallConstraints = "install_constraints"
	OpRemoveConstraints  = "remove_constraints"
	OpDeclareAnchor      = "declare_anchor"
	OpNote               = "note"
)

type CreateArtifactInput struct {
	ID        string         `json:"id,omitempty"`
	Kind      store.Kind     `json:"kind"`
	Content   map[string]any `json:"content,omitempty"`
	Unit      string         `json:"unit,omitempty"`
	Sources   []string       `json:"sources,omitempty"`
	Owner     string         `json:"owner,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Risk      float64        `json:"risk,omitempty"`
	ValidFrom *time.Time     `json:"valid_from,omitempty"`
	ValidTo   *time.Time     `json:"valid_to,omitempty"`
	AltGroup  string         `json:"alt_group,omitempty"`
}

type AddEvidenceInput struct {
	ID         string      `json:"id,omitempty"`
	ArtifactID string      `json:"artifact_id"`
	Level      store.Level `json:"level"`
	Weight     float64     `json:"weight"`
	Locator    string      `json:"locator"`
	// SourceContent is hashed at ingestion and not retained.
	SourceContent string    `json:"-"`
	ContentHash   string    `json:"content_hash,omitempty"`
	Author        string    `json:"author,omitempty"`
	ObservedAt    time.Time `json:"observed_at,omitempty"`
}

type ConnectEdgeInput struct {
	Src  string         `json:"src"`
	Dst  string         `json:"dst"`
	Type store.EdgeType `json:"type"`
}

type TransitionInput struct {
	ArtifactID string      `json:"artifact_id"`
	Target     store.State `json:"target"`
}

type RetractInput struct {
	EvidenceID string `json:"evidence_id"`
	Reason     string `json:"reason,omitempty"`
}

type ReviseInput struct {
	ArtifactID string         `json:"artifact_id"`
	Content    map[string]any `json:"content,omitempty"`
	Sources    []string       `json:"sources,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Risk       *float64       `json:"risk,omitempty"`
	// ExpectRevision, when non-zero, rejects the revision with ErrConflict
	// if the artifact changed since the caller read it.
	ExpectRevision int64 `json:"expect_revision,omitempty"`
}

type AnchorInput struct {
	Anchor  store.EndAnchor         `json:"anchor"`
	Derived []store.ValueConstraint `json:"derived"`
}

type NoteInput struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Mutation is the envelope every write travels in. Exactly one payload is
// set, matching Op.
type Mutation struct {
	Op            string                  `json:"op"`
	Create        *CreateArtifactInput    `json:"create,omitempty"`
	Evidence      *AddEvidenceInput       `json:"evidence,omitempty"`
	Edge          *ConnectEdgeInput       `json:"edge,omitempty"`
	Transition    *TransitionInput        `json:"transition,omitempty"`
	Retract       *RetractInput           `json:"retract,omitempty"`
	Revise        *ReviseInput            `json:"revise,omitempty"`
	Constraints   []store.ValueConstraint `json:"constraints,omitempty"`
	ConstraintIDs []string                `json:"constraint_ids,omitempty"`
	Anchor        *AnchorInput            `json:"anchor,omitempty"`
	Note          *NoteInput              `json:"note,omitempty"`

	Actor  string        `json:"-"`
	Replay *store.Replay `json:"-"`
}

func (m Mutation) Validate() error {
	var ok bool
	switch m.Op {
	case OpCreateArtifact:
		ok = m.Create != nil
	case OpAddEvidence:
		ok = m.Evidence != nil
	case OpConnectEdge:
		ok = m.Edge != nil
	case OpTransitionState:
		ok = m.Transition != nil
	case OpRetractEvidence:
		ok = m.Retract != nil
	case OpReviseArtifact:
		ok = m.Revise != nil
	case OpInstallConstraints:
		ok = len(m.Constraints) > 0
	case OpRemoveConstraints:
		ok = len(m.ConstraintIDs) > 0
	case OpDeclareAnchor:
		ok = m.Anchor != nil
	case OpNote:
		ok = m.Note != nil
	default:
		return store.Invariant(store.CodeInvalidInput, "unknown operation %q", m.Op)
	}
	if !ok {
		return store.Invariant(store.CodeInvalidInput, "operation %s is missing its payload", m.Op)
	}
	return nil
}

// Targets lists the artifact ids a mutation writes to directly. Evidence
// retraction targets are resolved by the store.
func (m Mutation) Targets() []string {
	switch {
	case m.Create != nil && m.Create.ID != "":
		return []string{m.Create.ID}
	case m.Evidence != nil:
		return []string{m.Evidence.ArtifactID}
	case m.Edge != nil:
		return []string{m.Edge.Src, m.Edge.Dst}
	case m.Transition != nil:
		return []string{m.Transition.ArtifactID}
	case m.Revise != nil:
		return []string{m.Revise.ArtifactID}
	}
	return nil
}

// Resolves reports whether the mutation moves an artifact into resolved.
func (m Mutation) Resolves() (string, bool) {
	if m.Transition != nil && m.Transition.Target == store.StateResolved {
		return m.Transition.ArtifactID, true
	}
	return "", false
}

func (m Mutation) String() string {
	if t := m.Targets(); len(t) > 0 {
		return fmt.Sprintf("%s%v", m.Op, t)
	}
	return m.Op
}

type Transition struct {
	ArtifactID string      `json:"artifact_id"`
	From       store.State `json:"from"`
	To         store.State `json:"to"`
	Cause      string      `json:"cause"`
}

// Transition causes.
const (
	CauseRequested  = "requested"
	CauseAncestor   = "ancestor_mutated"
	CauseAltGroup   = "alt_group_exclusivity"
	CauseRetraction = "evidence_retracted"
	CausePostHoc    = "hard_constraint_post_hoc"
)

// Commit describes the effect of one transaction. Its JSON form is the
// journaled output.
type Commit struct {
	Seq         int64              `json:"-"`
	Hash        string             `json:"-"`
	Op          string             `json:"op"`
	ID          string             `json:"id,omitempty"`
	Changed     []store.Artifact   `json:"changed,omitempty"`
	Transitions []Transition       `json:"transitions,omitempty"`
	Penalties   []store.Penalty    `json:"penalties,omitempty"`
	Validity    map[string]float64 `json:"validity,omitempty"`
}

// ChangedIDs lists the ids of artifacts the commit changed.
func (c *Commit) ChangedIDs() []string {
	ids := make([]string, 0, len(c.Changed))
	for _, a := range c.Changed {
		ids = append(ids, a.ID)
	}
	return ids
}

func (c *Commit) TransitionOf(id string) (Transition, bool) {
	for i := len(c.Transitions) - 1; i >= 0; i-- {
		if c.Transitions[i].ArtifactID == id {
			return c.Transitions[i], true
		}
	}
	return Transition{}, false
}
