package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"evigraph/internal/store"
)

// Commit writes a batch and its journal event in one transaction.
func (c *Client) Commit(ctx context.Context, b *store.Batch) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range b.Artifacts {
		if err := upsertArtifact(ctx, tx, a); err != nil {
			return err
		}
	}
	for _, e := range b.Edges {
		if err := exec(ctx, tx, e, `
		INSERT INTO edges (src, dst, rel_type, seq, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (src, dst, rel_type) DO UPDATE SET seq = excluded.seq, doc = excluded.doc
		`, e.Src, e.Dst, string(e.Type), e.Seq); err != nil {
			return fmt.Errorf("writing edge %s: %w", e.Key(), err)
		}
	}
	for _, ev := range b.Evidence {
		if err := exec(ctx, tx, ev, `
		INSERT INTO evidence (id, artifact_id, seq, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc
		`, ev.ID, ev.ArtifactID, ev.Seq); err != nil {
			return fmt.Errorf("writing evidence %s: %w", ev.ID, err)
		}
	}
	for _, r := range b.Retractions {
		if err := exec(ctx, tx, r, `
		INSERT INTO retractions (evidence_id, artifact_id, seq, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (evidence_id) DO UPDATE SET doc = excluded.doc
		`, r.EvidenceID, r.ArtifactID, r.Seq); err != nil {
			return fmt.Errorf("writing retraction %s: %w", r.EvidenceID, err)
		}
	}
	for _, p := range b.Penalties {
		if err := exec(ctx, tx, p, `
		INSERT INTO penalties (constraint_id, artifact_id, seq, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (constraint_id, artifact_id) DO UPDATE SET seq = excluded.seq, doc = excluded.doc
		`, p.ConstraintID, p.ArtifactID, p.Seq); err != nil {
			return fmt.Errorf("writing penalty %s on %s: %w", p.ConstraintID, p.ArtifactID, err)
		}
	}
	for _, id := range b.RemovedConstraints {
		if _, err := tx.ExecContext(ctx, `DELETE FROM constraints WHERE id = ?`, id); err != nil {
			return fmt.Errorf("removing constraint %s: %w", id, err)
		}
	}
	for _, vc := range b.Constraints {
		if err := exec(ctx, tx, vc, `
		INSERT INTO constraints (id, doc) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc
		`, vc.ID); err != nil {
			return fmt.Errorf("writing constraint %s: %w", vc.ID, err)
		}
	}
	for _, a := range b.Anchors {
		if err := exec(ctx, tx, a, `
		INSERT INTO anchors (id, seq, doc) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc
		`, a.ID, a.Seq); err != nil {
			return fmt.Errorf("writing anchor %s: %w", a.ID, err)
		}
	}

	ev := b.Event
	if err := exec(ctx, tx, ev, `
	INSERT INTO journal (seq, op, actor, rejected, at, prev_hash, hash, doc)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Seq, ev.Op, ev.Actor, ev.Rejected, ev.At.Format(timeLayout), ev.PrevHash, ev.Hash); err != nil {
		return fmt.Errorf("appending journal event %d: %w", ev.Seq, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func upsertArtifact(ctx context.Context, tx *sql.Tx, a store.Artifact) error {
	tagsJSON, err := json.Marshal(a.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	err = exec(ctx, tx, a, `
	INSERT INTO artifacts (id, kind, state, tags, body, revision, doc)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		kind = excluded.kind,
		state = excluded.state,
		tags = excluded.tags,
		body = excluded.body,
		revision = excluded.revision,
		doc = excluded.doc
	`, a.ID, string(a.Kind), string(a.State), string(tagsJSON), store.SearchText(a), a.Revision)
	if err != nil {
		return fmt.Errorf("upserting artifact %s: %w", a.ID, err)
	}
	return nil
}

// exec runs query with args followed by the JSON encoding of doc.
func exec(ctx context.Context, tx *sql.Tx, doc any, query string, args ...any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	_, err = tx.ExecContext(ctx, query, append(args, string(data))...)
	return err
}
