package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SearchText flattens an artifact into the text backends index for search:
// its id, kind, owner, stage, unit, sources and content values in key order.
func SearchText(a Artifact) string {
	var b strings.Builder
	b.WriteString(a.ID)
	b.WriteString(" ")
	b.WriteString(string(a.Kind))
	for _, s := range []string{a.Owner, a.Stage, a.Unit} {
		if s != "" {
			b.WriteString(" ")
			b.WriteString(s)
		}
	}
	if len(a.Sources) > 0 {
		b.WriteString("\nsources: ")
		b.WriteString(strings.Join(a.Sources, " "))
	}
	keys := make([]string, 0, len(a.Content))
	for k := range a.Content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, a.Content[k])
	}
	return b.String()
}

// MatchScore scores text against the whitespace-separated terms of query.
// Every term must occur; the score counts occurrences. Terms ending in *
// match as prefixes.
func MatchScore(text, query string) (float64, bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '_' || r == '-' || r == '.' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
	})
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0, false
	}
	var score float64
	for _, term := range terms {
		prefix := strings.HasSuffix(term, "*")
		term = strings.TrimSuffix(term, "*")
		hits := 0
		for _, w := range words {
			if w == term || prefix && strings.HasPrefix(w, term) {
				hits++
			}
		}
		if hits == 0 {
			return 0, false
		}
		score += float64(hits)
	}
	return score, true
}

// CheckReadOnly rejects SQL that is not a single SELECT, WITH or EXPLAIN
// statement.
func CheckReadOnly(query string) error {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	if strings.Contains(q, ";") {
		return fmt.Errorf("only a single statement is allowed")
	}
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return fmt.Errorf("query must not be empty")
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "EXPLAIN":
		return nil
	}
	return fmt.Errorf("only read-only queries are allowed, got %s", fields[0])
}

// SQLArgs orders params keyed "1", "2", ... into positional arguments.
func SQLArgs(params map[string]any) ([]any, error) {
	args := make([]any, len(params))
	for key, v := range params {
		n, err := strconv.Atoi(key)
		if err != nil || n < 1 || n > len(params) {
			return nil, fmt.Errorf("param %q: keys must be positions 1..%d", key, len(params))
		}
		args[n-1] = v
	}
	return args, nil
}
