package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"evigraph/internal/store"
)

// Commit writes a batch and its journal event in one transaction.
func (c *Client) Commit(ctx context.Context, b *store.Batch) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range b.Artifacts {
		tags := a.Tags
		if tags == nil {
			tags = []string{}
		}
		if err := exec(ctx, tx, a, `
INSERT INTO artifacts (id, kind, state, tags, body, revision, search_vector, doc)
VALUES ($1, $2, $3, $4, $5, $6,
    setweight(to_tsvector('english', $1), 'A') ||
    setweight(to_tsvector('english', array_to_string($4::text[], ' ')), 'B') ||
    setweight(to_tsvector('english', $5), 'C'),
    $7)
ON CONFLICT (id) DO UPDATE SET
    kind = EXCLUDED.kind,
    state = EXCLUDED.state,
    tags = EXCLUDED.tags,
    body = EXCLUDED.body,
    revision = EXCLUDED.revision,
    search_vector = EXCLUDED.search_vector,
    doc = EXCLUDED.doc
`, a.ID, string(a.Kind), string(a.State), tags, store.SearchText(a), a.Revision); err != nil {
			return fmt.Errorf("upserting artifact %s: %w", a.ID, err)
		}
	}
	for _, e := range b.Edges {
		if err := exec(ctx, tx, e, `
INSERT INTO edges (src, dst, rel_type, seq, doc) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (src, dst, rel_type) DO UPDATE SET seq = EXCLUDED.seq, doc = EXCLUDED.doc
`, e.Src, e.Dst, string(e.Type), e.Seq); err != nil {
			return fmt.Errorf("writing edge %s: %w", e.Key(), err)
		}
	}
	for _, ev := range b.Evidence {
		if err := exec(ctx, tx, ev, `
INSERT INTO evidence (id, artifact_id, seq, doc) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
`, ev.ID, ev.ArtifactID, ev.Seq); err != nil {
			return fmt.Errorf("writing evidence %s: %w", ev.ID, err)
		}
	}
	for _, r := range b.Retractions {
		if err := exec(ctx, tx, r, `
INSERT INTO retractions (evidence_id, artifact_id, seq, doc) VALUES ($1, $2, $3, $4)
ON CONFLICT (evidence_id) DO UPDATE SET doc = EXCLUDED.doc
`, r.EvidenceID, r.ArtifactID, r.Seq); err != nil {
			return fmt.Errorf("writing retraction %s: %w", r.EvidenceID, err)
		}
	}
	for _, p := range b.Penalties {
		if err := exec(ctx, tx, p, `
INSERT INTO penalties (constraint_id, artifact_id, seq, doc) VALUES ($1, $2, $3, $4)
ON CONFLICT (constraint_id, artifact_id) DO UPDATE SET seq = EXCLUDED.seq, doc = EXCLUDED.doc
`, p.ConstraintID, p.ArtifactID, p.Seq); err != nil {
			return fmt.Errorf("writing penalty %s on %s: %w", p.ConstraintID, p.ArtifactID, err)
		}
	}
	for _, id := range b.RemovedConstraints {
		if _, err := tx.Exec(ctx, `DELETE FROM constraints WHERE id = $1`, id); err != nil {
			return fmt.Errorf("removing constraint %s: %w", id, err)
		}
	}
	for _, vc := range b.Constraints {
		if err := exec(ctx, tx, vc, `
INSERT INTO constraints (id, doc) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
`, vc.ID); err != nil {
			return fmt.Errorf("writing constraint %s: %w", vc.ID, err)
		}
	}
	for _, a := range b.Anchors {
		if err := exec(ctx, tx, a, `
INSERT INTO anchors (id, seq, doc) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
`, a.ID, a.Seq); err != nil {
			return fmt.Errorf("writing anchor %s: %w", a.ID, err)
		}
	}

	ev := b.Event
	if err := exec(ctx, tx, ev, `
INSERT INTO journal (seq, op, actor, rejected, at, prev_hash, hash, doc)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, ev.Seq, ev.Op, ev.Actor, ev.Rejected, ev.At, ev.PrevHash, ev.Hash); err != nil {
		return fmt.Errorf("appending journal event %d: %w", ev.Seq, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// exec runs query with args followed by the JSON encoding of doc.
func exec(ctx context.Context, tx pgx.Tx, doc any, query string, args ...any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	_, err = tx.Exec(ctx, query, append(args, string(data))...)
	return err
}
