// Package parser reads markdown notes whose YAML frontmatter describes an
// artifact.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Document struct {
	Frontmatter map[string]any
	ID          string
	Kind        string
	Title       string
	Tags        []string
	Sources     []string
	Body        string
	SourceFile  string
}

var (
	ErrNoFrontmatter = errors.New("no frontmatter found")
	ErrInvalidYAML   = errors.New("invalid YAML in frontmatter")
	ErrMissingID     = errors.New("frontmatter missing required 'id' field")
	ErrMissingKind   = errors.New("frontmatter missing required 'kind' field")
)

func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	doc.SourceFile = path
	return doc, nil
}

func Parse(content []byte) (*Document, error) {
	trimmed := bytes.TrimLeft(content, "\ufeff\n\r\t ")
	trimmed = bytes.ReplaceAll(trimmed, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(trimmed, []byte("---\n")) {
		return nil, ErrNoFrontmatter
	}

	rest := trimmed[len("---\n"):]
	var yamlBytes []byte
	var body string
	switch {
	case bytes.HasPrefix(rest, []byte("---\n")):
		body = string(rest[len("---\n"):])
	default:
		end := bytes.Index(rest, []byte("\n---\n"))
		if end == -1 {
			if !bytes.HasSuffix(rest, []byte("\n---")) {
				return nil, ErrNoFrontmatter
			}
			end = len(rest) - len("\n---")
			yamlBytes = rest[:end]
		} else {
			yamlBytes = rest[:end]
			body = string(rest[end+len("\n---\n"):])
		}
	}

	var frontmatter map[string]any
	if err := yaml.Unmarshal(yamlBytes, &frontmatter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	id := String(frontmatter["id"])
	if id == "" {
		return nil, ErrMissingID
	}
	kind := String(frontmatter["kind"])
	if kind == "" {
		return nil, ErrMissingKind
	}

	tags, err := Strings(frontmatter["tags"])
	if err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}
	sources, err := Strings(frontmatter["sources"])
	if err != nil {
		return nil, fmt.Errorf("sources: %w", err)
	}

	return &Document{
		Frontmatter: frontmatter,
		ID:          id,
		Kind:        kind,
		Title:       String(frontmatter["title"]),
		Tags:        tags,
		Sources:     sources,
		Body:        strings.TrimLeft(body, "\n"),
	}, nil
}

// String returns value trimmed when it is a string and "" otherwise.
func String(value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Strings accepts a single string or a list of strings. Blank entries are
// dropped.
func Strings(value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{strings.TrimSpace(v)}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, strings.TrimSpace(s))
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be string or list of strings")
	}
}

// Float reads a numeric frontmatter value.
func Float(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// Time reads a YAML timestamp or an RFC 3339 string.
func Time(value any) (*time.Time, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := v.UTC()
		return &t, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
		if err != nil {
			d, derr := time.Parse(time.DateOnly, strings.TrimSpace(v))
			if derr != nil {
				return nil, fmt.Errorf("invalid time %q: %w", v, err)
			}
			t = d
		}
		t = t.UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("invalid time value %v", value)
}
