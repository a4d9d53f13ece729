// Package axioms compiles a directory tree of YAML fragments into one
// hierarchical document. Directory structure becomes map nesting, so
// constraints/forbidden.yaml lands under document["constraints"]["forbidden"].
// The gate reads its policy constraints from the compiled document.
package axioms

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Document is the compiled axiom tree.
type Document map[string]any

// Compiler parses fragments concurrently and merges them deterministically.
type Compiler struct {
	logger      *slog.Logger
	parallelism int
}

type fragment struct {
	relPath string
	content any
}

// NewCompiler creates an axiom compiler.
func NewCompiler(logger *slog.Logger) *Compiler {
	return &Compiler{
		logger:      logger.With("component", "axioms"),
		parallelism: 8,
	}
}

// Compile walks dir, parses every .yaml/.yml fragment, and merges the
// results into one document. A missing directory compiles to an empty
// document; a malformed fragment fails the whole compilation.
func (c *Compiler) Compile(ctx context.Context, dir string) (Document, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("axioms directory absent, empty document", "dir", dir)
			return Document{}, nil
		}
		return nil, fmt.Errorf("walk axioms dir: %w", err)
	}

	var mu sync.Mutex
	fragments := make([]fragment, 0, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read fragment %s: %w", path, err)
			}
			var content any
			if err := yaml.Unmarshal(data, &content); err != nil {
				return fmt.Errorf("parse fragment %s: %w", path, err)
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			mu.Lock()
			fragments = append(fragments, fragment{relPath: rel, content: content})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Sorted merge keeps the document independent of goroutine timing.
	sort.Slice(fragments, func(i, j int) bool { return fragments[i].relPath < fragments[j].relPath })

	doc := Document{}
	for _, f := range fragments {
		mergeFragment(doc, f)
	}

	c.logger.Info("axioms compiled", "dir", dir, "fragments", len(fragments))
	return doc, nil
}

// mergeFragment places one parsed fragment at the node mirroring its path.
func mergeFragment(doc Document, f fragment) {
	segments := strings.Split(filepath.ToSlash(f.relPath), "/")
	leaf := segments[len(segments)-1]
	leaf = strings.TrimSuffix(leaf, filepath.Ext(leaf))
	keys := append(segments[:len(segments)-1], leaf)

	node := map[string]any(doc)
	for _, key := range keys[:len(keys)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[key] = child
		}
		node = child
	}

	last := keys[len(keys)-1]
	if existing, ok := node[last].(map[string]any); ok {
		if incoming, ok := f.content.(map[string]any); ok {
			deepMerge(existing, incoming)
			return
		}
	}
	node[last] = f.content
}

// deepMerge merges src into dst, recursing into shared map keys.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if dv, ok := dst[k].(map[string]any); ok {
			if sv, ok := v.(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// Get resolves a dotted path ("constraints.forbidden.patterns") in the
// document.
func (d Document) Get(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Strings resolves a dotted path to a string list. Non-string entries are
// skipped.
func (d Document) Strings(path string) []string {
	v, ok := d.Get(path)
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
