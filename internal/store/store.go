package store

import (
	"context"
)

// Batch is everything one committed transaction writes. A backend must apply
// a batch atomically; a rejected transaction produces a batch holding only
// its journal event.
type Batch struct {
	Event              JournalEvent
	Artifacts          []Artifact
	Edges              []Edge
	Evidence           []EvidenceItem
	Retractions        []Retraction
	Penalties          []Penalty
	Constraints        []ValueConstraint
	RemovedConstraints []string
	Anchors            []EndAnchor
}

func (b *Batch) Empty() bool {
	return len(b.Artifacts) == 0 && len(b.Edges) == 0 && len(b.Evidence) == 0 &&
		len(b.Retractions) == 0 && len(b.Penalties) == 0 && len(b.Constraints) == 0 &&
		len(b.RemovedConstraints) == 0 && len(b.Anchors) == 0
}

// Dump is the full persisted state, used to rebuild the in-memory graph.
type Dump struct {
	Artifacts   []Artifact
	Edges       []Edge
	Evidence    []EvidenceItem
	Retractions []Retraction
	Penalties   []Penalty
	Constraints []ValueConstraint
	Anchors     []EndAnchor
	Events      []JournalEvent
}

type Backend interface {
	Close(ctx context.Context) error
	EnsureSchema(ctx context.Context) error

	Commit(ctx context.Context, b *Batch) error
	Load(ctx context.Context) (*Dump, error)

	Events(ctx context.Context, fromSeq int64, limit int) ([]JournalEvent, error)
	Search(ctx context.Context, query string, kind Kind) ([]SearchResult, error)
}
