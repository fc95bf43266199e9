// Package ingest imports markdown notes into the evidence graph. Each note's
// frontmatter names an artifact; its body becomes the artifact's text.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"evigraph/internal/engine"
	"evigraph/internal/graph"
	"evigraph/internal/parser"
	"evigraph/internal/store"
)

const (
	ContentText       = "text"
	ContentTitle      = "title"
	ContentSourceFile = "source_file"
	ContentSourceHash = "source_hash"
)

// edgeFields maps frontmatter keys to the edge they draw from the note's
// artifact to each listed target.
var edgeFields = map[string]store.EdgeType{
	"supports":       store.EdgeSupports,
	"contradicts":    store.EdgeContradicts,
	"requires":       store.EdgeRequires,
	"refines":        store.EdgeRefines,
	"alternative_of": store.EdgeAlternativeOf,
}

var reserved = map[string]bool{
	"id": true, "kind": true, "title": true, "tags": true, "sources": true,
	"owner": true, "unit": true, "stage": true, "risk": true, "alt_group": true,
	"valid_from": true, "valid_to": true,
}

type Result struct {
	Created        int
	Revised        int
	EdgesConnected int
	FilesSkipped   int
	// Orphaned lists artifacts imported from a note under the walked roots
	// that no longer exists. They are reported, never removed.
	Orphaned []string
	Errors   []error
}

type Options struct {
	Exclude []string
	Actor   string
	// Full revises every note even when its content hash is unchanged.
	Full bool
}

type processedDoc struct {
	doc  *parser.Document
	path string
}

func Run(ctx context.Context, eng *engine.Engine, roots []string, options Options) (*Result, error) {
	files, err := walkMarkdownFiles(roots, options.Exclude)
	if err != nil {
		return nil, fmt.Errorf("walking notes: %w", err)
	}
	actor := options.Actor
	if actor == "" {
		actor = "ingest"
	}
	meta := engine.ProposalMeta{Actor: actor}

	result := &Result{}
	var processed []processedDoc
	seen := make(map[string]string)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		hash, err := computeHash(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("hashing %s: %w", path, err))
			continue
		}

		doc, err := parser.ParseFile(path)
		if err != nil {
			if errors.Is(err, parser.ErrNoFrontmatter) || errors.Is(err, parser.ErrMissingKind) {
				result.FilesSkipped++
				continue
			}
			result.Errors = append(result.Errors, fmt.Errorf("parsing %s: %w", path, err))
			continue
		}
		if other, dup := seen[doc.ID]; dup {
			result.Errors = append(result.Errors, fmt.Errorf("%s: artifact %q already defined in %s", path, doc.ID, other))
			continue
		}
		seen[doc.ID] = path

		existing, ok := eng.Store.Snapshot().Artifact(doc.ID)
		if ok {
			if file, _ := existing.Content[ContentSourceFile].(string); file != "" && file != path {
				result.Errors = append(result.Errors, fmt.Errorf("%s: artifact %q was imported from %s", path, doc.ID, file))
				continue
			}
			if !options.Full {
				if prev, _ := existing.Content[ContentSourceHash].(string); prev == hash {
					result.FilesSkipped++
					continue
				}
			}
			m, err := reviseMutation(doc, path, hash)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("%s: %w", path, err))
				continue
			}
			if _, err := eng.Propose(ctx, m, meta); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("revising %s: %w", doc.ID, err))
				continue
			}
			result.Revised++
		} else {
			m, err := createMutation(doc, path, hash)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("%s: %w", path, err))
				continue
			}
			if _, err := eng.Propose(ctx, m, meta); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("creating %s: %w", doc.ID, err))
				continue
			}
			result.Created++
		}
		processed = append(processed, processedDoc{doc: doc, path: path})
	}

	for _, item := range processed {
		keys := make([]string, 0, len(edgeFields))
		for field := range edgeFields {
			keys = append(keys, field)
		}
		sort.Strings(keys)
		for _, field := range keys {
			targets, err := parser.Strings(item.doc.Frontmatter[field])
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("%s: %s: %w", item.path, field, err))
				continue
			}
			for _, target := range targets {
				key := store.EdgeKey{Src: item.doc.ID, Dst: target, Type: edgeFields[field]}
				if _, ok := eng.Store.Snapshot().Edge(key); ok {
					continue
				}
				m := graph.Mutation{Op: graph.OpConnectEdge, Edge: &graph.ConnectEdgeInput{Src: key.Src, Dst: key.Dst, Type: key.Type}}
				if _, err := eng.Propose(ctx, m, meta); err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("connecting %s: %w", key, err))
					continue
				}
				result.EdgesConnected++
			}
		}
	}

	result.Orphaned = orphaned(eng.Store.Snapshot(), roots, files)
	return result, nil
}

func createMutation(doc *parser.Document, path, hash string) (graph.Mutation, error) {
	kind := store.Kind(doc.Kind)
	in := &graph.CreateArtifactInput{
		ID:       doc.ID,
		Kind:     kind,
		Content:  content(doc, path, hash),
		Unit:     parser.String(doc.Frontmatter["unit"]),
		Sources:  sources(doc, kind, path),
		Owner:    parser.String(doc.Frontmatter["owner"]),
		Tags:     doc.Tags,
		Stage:    parser.String(doc.Frontmatter["stage"]),
		AltGroup: parser.String(doc.Frontmatter["alt_group"]),
	}
	if r, ok := parser.Float(doc.Frontmatter["risk"]); ok {
		in.Risk = r
	}
	var err error
	if in.ValidFrom, err = parser.Time(doc.Frontmatter["valid_from"]); err != nil {
		return graph.Mutation{}, fmt.Errorf("valid_from: %w", err)
	}
	if in.ValidTo, err = parser.Time(doc.Frontmatter["valid_to"]); err != nil {
		return graph.Mutation{}, fmt.Errorf("valid_to: %w", err)
	}
	return graph.Mutation{Op: graph.OpCreateArtifact, Create: in}, nil
}

func reviseMutation(doc *parser.Document, path, hash string) (graph.Mutation, error) {
	in := &graph.ReviseInput{
		ArtifactID: doc.ID,
		Content:    content(doc, path, hash),
		Sources:    sources(doc, store.Kind(doc.Kind), path),
		Tags:       doc.Tags,
	}
	if in.Tags == nil {
		in.Tags = []string{}
	}
	if r, ok := parser.Float(doc.Frontmatter["risk"]); ok {
		in.Risk = &r
	}
	return graph.Mutation{Op: graph.OpReviseArtifact, Revise: in}, nil
}

// content keeps every frontmatter key that is neither an artifact field nor
// an edge list, plus the body and the note's provenance.
func content(doc *parser.Document, path, hash string) map[string]any {
	out := make(map[string]any)
	for key, value := range doc.Frontmatter {
		if reserved[key] {
			continue
		}
		if _, ok := edgeFields[key]; ok {
			continue
		}
		out[key] = value
	}
	if body := strings.TrimSpace(doc.Body); body != "" {
		out[ContentText] = body
	}
	if doc.Title != "" {
		out[ContentTitle] = doc.Title
	}
	out[ContentSourceFile] = path
	out[ContentSourceHash] = hash
	return out
}

// sources falls back to the note itself for kinds that must be sourced.
func sources(doc *parser.Document, kind store.Kind, path string) []string {
	if len(doc.Sources) > 0 {
		return doc.Sources
	}
	if kind.RequiresSources() {
		return []string{"file:" + filepath.ToSlash(path)}
	}
	return nil
}

func orphaned(snap *graph.Snapshot, roots, files []string) []string {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}
	cleanRoots := make([]string, 0, len(roots))
	for _, r := range roots {
		if r != "" {
			cleanRoots = append(cleanRoots, filepath.Clean(r))
		}
	}
	var out []string
	for _, a := range snap.Artifacts() {
		file, _ := a.Content[ContentSourceFile].(string)
		if file == "" || present[file] || !isExcluded(file, cleanRoots) {
			continue
		}
		out = append(out, a.ID)
	}
	sort.Strings(out)
	return out
}

func walkMarkdownFiles(roots []string, excludes []string) ([]string, error) {
	excluded := make([]string, 0, len(excludes))
	for _, path := range excludes {
		if path == "" {
			continue
		}
		excluded = append(excluded, filepath.Clean(path))
	}

	var files []string
	for _, root := range roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && isExcluded(path, excluded) {
				return filepath.SkipDir
			}
			if d.IsDir() {
				return nil
			}
			if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
				return nil
			}
			if isExcluded(path, excluded) {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// isExcluded reports whether path equals or sits below one of prefixes.
func isExcluded(path string, prefixes []string) bool {
	clean := filepath.Clean(path)
	for _, prefix := range prefixes {
		if prefix == clean || strings.HasPrefix(clean, prefix+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func computeHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
