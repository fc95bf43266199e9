package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"evigraph/internal/store"
)

// Load reads every record set in commit order.
func (c *Client) Load(ctx context.Context) (*store.Dump, error) {
	d := &store.Dump{}
	if err := loadDocs(ctx, c, `SELECT doc FROM artifacts ORDER BY ord`, &d.Artifacts); err != nil {
		return nil, fmt.Errorf("loading artifacts: %w", err)
	}
	if err := loadDocs(ctx, c, `SELECT doc FROM edges ORDER BY seq, src, dst, rel_type`, &d.Edges); err != nil {
		return nil, fmt.Errorf("loading edges: %w", err)
	}
	if err := loadDocs(ctx, c, `SELECT doc FROM evidence ORDER BY seq, id`, &d.Evidence); err != nil {
		return nil, fmt.Errorf("loading evidence: %w", err)
	}
	if err := loadDocs(ctx, c, `SELECT doc FROM retractions ORDER BY seq`, &d.Retractions); err != nil {
		return nil, fmt.Errorf("loading retractions: %w", err)
	}
	if err := loadDocs(ctx, c, `SELECT doc FROM penalties ORDER BY seq, constraint_id, artifact_id`, &d.Penalties); err != nil {
		return nil, fmt.Errorf("loading penalties: %w", err)
	}
	if err := loadDocs(ctx, c, `SELECT doc FROM constraints ORDER BY id`, &d.Constraints); err != nil {
		return nil, fmt.Errorf("loading constraints: %w", err)
	}
	if err := loadDocs(ctx, c, `SELECT doc FROM anchors ORDER BY seq, id`, &d.Anchors); err != nil {
		return nil, fmt.Errorf("loading anchors: %w", err)
	}
	if err := loadDocs(ctx, c, `SELECT doc FROM journal ORDER BY seq`, &d.Events); err != nil {
		return nil, fmt.Errorf("loading journal: %w", err)
	}
	return d, nil
}

// Events returns journal events with seq >= fromSeq. A limit <= 0 returns
// all of them.
func (c *Client) Events(ctx context.Context, fromSeq int64, limit int) ([]store.JournalEvent, error) {
	var events []store.JournalEvent
	var err error
	if limit <= 0 {
		err = loadDocs(ctx, c, `SELECT doc FROM journal WHERE seq >= $1 ORDER BY seq`, &events, fromSeq)
	} else {
		err = loadDocs(ctx, c, `SELECT doc FROM journal WHERE seq >= $1 ORDER BY seq LIMIT $2`, &events, fromSeq, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing journal events: %w", err)
	}
	return events, nil
}

func loadDocs[T any](ctx context.Context, c *Client, query string, out *[]T, args ...any) error {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return fmt.Errorf("decoding row: %w", err)
		}
		*out = append(*out, v)
	}
	return rows.Err()
}
