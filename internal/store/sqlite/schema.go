package sqlite

import (
	"context"
	"fmt"
	"strings"
)

func (c *Client) EnsureSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id       TEXT PRIMARY KEY,
		kind     TEXT NOT NULL,
		state    TEXT NOT NULL,
		tags     TEXT DEFAULT '[]',
		body     TEXT DEFAULT '',
		revision INTEGER NOT NULL,
		doc      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS edges (
		src      TEXT NOT NULL,
		dst      TEXT NOT NULL,
		rel_type TEXT NOT NULL,
		seq      INTEGER NOT NULL,
		doc      TEXT NOT NULL,
		CONSTRAINT uq_edge UNIQUE (src, dst, rel_type)
	);

	CREATE TABLE IF NOT EXISTS evidence (
		id          TEXT PRIMARY KEY,
		artifact_id TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		doc         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS retractions (
		evidence_id TEXT PRIMARY KEY,
		artifact_id TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		doc         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS penalties (
		constraint_id TEXT NOT NULL,
		artifact_id   TEXT NOT NULL,
		seq           INTEGER NOT NULL,
		doc           TEXT NOT NULL,
		CONSTRAINT uq_penalty UNIQUE (constraint_id, artifact_id)
	);

	CREATE TABLE IF NOT EXISTS constraints (
		id  TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS anchors (
		id  TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS journal (
		seq       INTEGER PRIMARY KEY,
		op        TEXT NOT NULL,
		actor     TEXT DEFAULT '',
		rejected  INTEGER DEFAULT 0,
		at        TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash      TEXT NOT NULL,
		doc       TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts (kind);
	CREATE INDEX IF NOT EXISTS idx_artifacts_state ON artifacts (state);
	CREATE INDEX IF NOT EXISTS idx_edges_src ON edges (src);
	CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges (dst);
	CREATE INDEX IF NOT EXISTS idx_edges_src_type ON edges (src, rel_type);
	CREATE INDEX IF NOT EXISTS idx_evidence_artifact ON evidence (artifact_id);
	CREATE INDEX IF NOT EXISTS idx_penalties_artifact ON penalties (artifact_id);
	CREATE INDEX IF NOT EXISTS idx_journal_actor ON journal (actor);
	CREATE INDEX IF NOT EXISTS idx_journal_rejected ON journal (rejected) WHERE rejected = 1;

	CREATE VIRTUAL TABLE IF NOT EXISTS artifacts_fts USING fts5(
		id,
		tags,
		body,
		content=artifacts
	);

	CREATE TRIGGER IF NOT EXISTS artifacts_ai AFTER INSERT ON artifacts BEGIN
		INSERT INTO artifacts_fts(rowid, id, tags, body)
		VALUES (new.rowid, new.id, new.tags, new.body);
	END;

	CREATE TRIGGER IF NOT EXISTS artifacts_ad AFTER DELETE ON artifacts BEGIN
		INSERT INTO artifacts_fts(artifacts_fts, rowid, id, tags, body)
		VALUES ('delete', old.rowid, old.id, old.tags, old.body);
	END;

	CREATE TRIGGER IF NOT EXISTS artifacts_au AFTER UPDATE ON artifacts BEGIN
		INSERT INTO artifacts_fts(artifacts_fts, rowid, id, tags, body)
		VALUES ('delete', old.rowid, old.id, old.tags, old.body);
		INSERT INTO artifacts_fts(rowid, id, tags, body)
		VALUES (new.rowid, new.id, new.tags, new.body);
	END;
	`

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	statements := splitStatements(ddl)
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing DDL: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}

	return nil
}

// splitStatements splits DDL on trailing semicolons, keeping trigger bodies
// between BEGIN and END in one statement.
func splitStatements(ddl string) []string {
	var statements []string
	var current strings.Builder
	depth := 0

	for _, line := range strings.Split(ddl, "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		upper := strings.ToUpper(stripped)
		switch {
		case strings.HasSuffix(upper, "BEGIN"):
			depth++
		case upper == "END;" && depth > 0:
			depth--
		}

		if depth == 0 && strings.HasSuffix(stripped, ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}

	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}

	return statements
}
