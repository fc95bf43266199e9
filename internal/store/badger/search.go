package badger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"evigraph/internal/store"
)

const maxResults = 50

// Search scans every artifact and keeps those matching all query terms.
// Badger has no text index, so the cost is linear in the artifact count.
func (c *Client) Search(ctx context.Context, query string, kind store.Kind) ([]store.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	var artifacts []store.Artifact
	err := c.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixArtifact, nil, 0, &artifacts)
	})
	if err != nil {
		return nil, fmt.Errorf("searching artifacts: %w", err)
	}

	results := []store.SearchResult{}
	for _, a := range artifacts {
		if kind != "" && a.Kind != kind {
			continue
		}
		text := store.SearchText(a) + "\n" + strings.Join(a.Tags, " ")
		score, ok := store.MatchScore(text, query)
		if !ok {
			continue
		}
		tags := a.Tags
		if tags == nil {
			tags = []string{}
		}
		results = append(results, store.SearchResult{
			ArtifactID: a.ID,
			Kind:       a.Kind,
			State:      a.State,
			Tags:       tags,
			Score:      score,
			Snippet:    snippet(text, query),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ArtifactID < results[j].ArtifactID
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// snippet returns the first line of text that mentions a query term.
func snippet(text, query string) string {
	terms := strings.Fields(strings.ToLower(query))
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		for _, term := range terms {
			if strings.Contains(lower, strings.TrimSuffix(term, "*")) {
				if len(line) > 120 {
					return line[:120] + "..."
				}
				return line
			}
		}
	}
	return ""
}
