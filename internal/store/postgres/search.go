package postgres

import (
	"context"
	"fmt"
	"strings"

	"evigraph/internal/store"
)

func (c *Client) Search(ctx context.Context, query string, kind store.Kind) ([]store.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	sql := `
SELECT id, kind, state, tags,
    ts_rank(search_vector, websearch_to_tsquery('english', $1)) AS score,
    CASE WHEN body <> '' THEN
        ts_headline('english', body, websearch_to_tsquery('english', $1),
            'MaxFragments=2, MaxWords=40, MinWords=20, StartSel=**, StopSel=**')
    ELSE '' END AS snippet
FROM artifacts
WHERE search_vector @@ websearch_to_tsquery('english', $1)
  AND ($2 = '' OR kind = $2)
ORDER BY score DESC, id ASC
LIMIT 50
`

	rows, err := c.pool.Query(ctx, sql, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("searching artifacts: %w", err)
	}
	defer rows.Close()

	var results []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		var score float32
		err := rows.Scan(&r.ArtifactID, &r.Kind, &r.State, &r.Tags, &score, &r.Snippet)
		if err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		r.Score = float64(score)
		if r.Tags == nil {
			r.Tags = []string{}
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}

	if results == nil {
		results = []store.SearchResult{}
	}

	return results, nil
}
