package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema creates the record tables. Record documents are TEXT, not
// JSONB: journal hashes are computed over the exact encoded bytes.
func (c *Client) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS artifacts (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    state         TEXT NOT NULL,
    tags          TEXT[] DEFAULT '{}',
    body          TEXT DEFAULT '',
    revision      BIGINT NOT NULL,
    ord           BIGINT GENERATED ALWAYS AS IDENTITY,
    doc           TEXT NOT NULL,
    search_vector TSVECTOR
);

CREATE TABLE IF NOT EXISTS edges (
    src      TEXT NOT NULL,
    dst      TEXT NOT NULL,
    rel_type TEXT NOT NULL,
    seq      BIGINT NOT NULL,
    doc      TEXT NOT NULL,
    CONSTRAINT uq_edge UNIQUE (src, dst, rel_type)
);

CREATE TABLE IF NOT EXISTS evidence (
    id          TEXT PRIMARY KEY,
    artifact_id TEXT NOT NULL,
    seq         BIGINT NOT NULL,
    doc         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS retractions (
    evidence_id TEXT PRIMARY KEY,
    artifact_id TEXT NOT NULL,
    seq         BIGINT NOT NULL,
    doc         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS penalties (
    constraint_id TEXT NOT NULL,
    artifact_id   TEXT NOT NULL,
    seq           BIGINT NOT NULL,
    doc           TEXT NOT NULL,
    CONSTRAINT uq_penalty UNIQUE (constraint_id, artifact_id)
);

CREATE TABLE IF NOT EXISTS constraints (
    id  TEXT PRIMARY KEY,
    doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS anchors (
    id  TEXT PRIMARY KEY,
    seq BIGINT NOT NULL,
    doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS journal (
    seq       BIGINT PRIMARY KEY,
    op        TEXT NOT NULL,
    actor     TEXT DEFAULT '',
    rejected  BOOLEAN DEFAULT FALSE,
    at        TIMESTAMPTZ NOT NULL,
    prev_hash TEXT NOT NULL,
    hash      TEXT NOT NULL,
    doc       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_search ON artifacts USING GIN (search_vector);
CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts (kind);
CREATE INDEX IF NOT EXISTS idx_artifacts_state ON artifacts (state);
CREATE INDEX IF NOT EXISTS idx_artifacts_tags ON artifacts USING GIN (tags);
CREATE INDEX IF NOT EXISTS idx_edges_src ON edges (src);
CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges (dst);
CREATE INDEX IF NOT EXISTS idx_evidence_artifact ON evidence (artifact_id);
CREATE INDEX IF NOT EXISTS idx_penalties_artifact ON penalties (artifact_id);
CREATE INDEX IF NOT EXISTS idx_journal_rejected ON journal (rejected) WHERE rejected = TRUE;
`
	_, err := c.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}
