package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"evigraph/internal/store"
)

func (c *Client) Search(ctx context.Context, query string, kind store.Kind) ([]store.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	ftsQuery, err := matchExpr(query)
	if err != nil {
		return nil, err
	}

	sqlQuery := `
	SELECT a.id, a.kind, a.state, a.tags,
		   -bm25(artifacts_fts, 10.0, 4.0, 1.0) AS score,
		   snippet(artifacts_fts, 2, '**', '**', '...', 50) AS snippet
	FROM artifacts_fts
	JOIN artifacts a ON artifacts_fts.rowid = a.rowid
	WHERE artifacts_fts MATCH ?
	  AND (? = '' OR a.kind = ?)
	ORDER BY score DESC, a.id ASC
	LIMIT 50
	`

	rows, err := c.db.QueryContext(ctx, sqlQuery, ftsQuery, string(kind), string(kind))
	if err != nil {
		return nil, fmt.Errorf("searching artifacts: %w", err)
	}
	defer rows.Close()

	var results []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		var tagsBytes []byte
		err := rows.Scan(&r.ArtifactID, &r.Kind, &r.State, &tagsBytes, &r.Score, &r.Snippet)
		if err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		if len(tagsBytes) > 0 {
			if err := json.Unmarshal(tagsBytes, &r.Tags); err != nil {
				return nil, fmt.Errorf("unmarshaling tags: %w", err)
			}
		}
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

// matchExpr turns a search box query into an FTS5 MATCH expression. Every
// term is quoted, so ids and source locators such as claim-rev or ledger:q1
// match as phrases instead of tripping the FTS5 grammar. tag: and id:
// restrict a term to that column, a leading - excludes it, a trailing *
// matches a prefix, and OR separates alternatives.
func matchExpr(query string) (string, error) {
	type group struct {
		expr     string
		compound bool
	}
	var (
		groups    []group
		with, not []string
	)
	flush := func() error {
		if len(with) == 0 {
			if len(not) > 0 {
				return fmt.Errorf("query %q only excludes terms", query)
			}
			return nil
		}
		expr := strings.Join(with, " AND ")
		if len(with) > 1 && len(not) > 0 {
			expr = "(" + expr + ")"
		}
		for _, n := range not {
			expr += " NOT " + n
		}
		groups = append(groups, group{expr: expr, compound: len(with)+len(not) > 1})
		with, not = nil, nil
		return nil
	}

	for _, t := range splitTerms(query) {
		if !t.quoted && strings.EqualFold(t.text, "OR") {
			if err := flush(); err != nil {
				return "", err
			}
			continue
		}
		expr, ok := t.expr()
		if !ok {
			continue
		}
		if t.excluded {
			not = append(not, expr)
		} else {
			with = append(with, expr)
		}
	}
	if err := flush(); err != nil {
		return "", err
	}

	switch len(groups) {
	case 0:
		return "", fmt.Errorf("query %q has no search terms", query)
	case 1:
		return groups[0].expr, nil
	}
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = g.expr
		if g.compound {
			parts[i] = "(" + g.expr + ")"
		}
	}
	return strings.Join(parts, " OR "), nil
}

type searchTerm struct {
	text     string
	quoted   bool
	excluded bool
}

// splitTerms splits on whitespace outside double quotes. An unterminated
// quote runs to the end of the query.
func splitTerms(query string) []searchTerm {
	var (
		terms   []searchTerm
		current strings.Builder
		inQuote bool
		exclude bool
	)
	emit := func(quoted bool) {
		text := current.String()
		current.Reset()
		if !quoted && strings.HasPrefix(text, "-") && len(text) > 1 {
			text, exclude = text[1:], true
		}
		if text != "" {
			terms = append(terms, searchTerm{text: text, quoted: quoted, excluded: exclude})
		}
		exclude = false
	}
	for _, r := range query {
		switch {
		case r == '"' && inQuote:
			inQuote = false
			emit(true)
		case r == '"':
			if current.String() == "-" {
				current.Reset()
				exclude = true
			} else {
				emit(false)
			}
			inQuote = true
		case inQuote:
			current.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			emit(false)
		default:
			current.WriteRune(r)
		}
	}
	emit(inQuote)
	return terms
}

var termColumns = map[string]string{"tag": "tags", "tags": "tags", "id": "id"}

func (t searchTerm) expr() (string, bool) {
	text, column := t.text, ""
	if !t.quoted {
		if prefix, rest, ok := strings.Cut(text, ":"); ok {
			if col, known := termColumns[strings.ToLower(prefix)]; known {
				text, column = rest, col
			}
		}
	}
	prefix := !t.quoted && strings.HasSuffix(text, "*")
	if prefix {
		text = strings.TrimSuffix(text, "*")
	}
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	expr := `"` + strings.ReplaceAll(text, `"`, `""`) + `"`
	if prefix {
		expr += "*"
	}
	if column != "" {
		expr = column + " : " + expr
	}
	return expr, true
}
