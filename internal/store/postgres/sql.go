package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"evigraph/internal/store"
)

// RunSQL runs one statement inside a READ ONLY transaction that is always
// rolled back.
func (c *Client) RunSQL(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	if err := store.CheckReadOnly(query); err != nil {
		return nil, err
	}
	args, err := store.SQLArgs(params)
	if err != nil {
		return nil, err
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning read-only transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("running sql: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("collecting rows: %w", err)
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}
