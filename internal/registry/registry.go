// Package registry loads command handler modules from a directory,
// indexes them by name and alias, and hot-reloads them when their
// source files change.
//
// Handler modules are Go source files interpreted at runtime. Each file
// declares package main and exports
//
//	func Manifest() map[string]any
//
// with keys "name" (string, required), "execute"
// (func(map[string]any) (string, error), required), and optionally
// "aliases" ([]string), "react" (string), "onMessage" and
// "onMessageUpdate" (func(map[string]any) error). Only stdlib imports
// are allowed. Build constraints are not applied; a leading
// //go:build ignore line keeps plugin files out of normal builds.
package registry

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

// Record is one loaded handler module entry. A single Record may be
// indexed under many keys (its name plus every alias).
type Record struct {
	Name       string
	Aliases    []string
	SourceFile string

	Execute         func(map[string]any) (string, error)
	OnMessage       func(map[string]any) error
	OnMessageUpdate func(map[string]any) error

	// React is an optional pre-reaction emoji sent before Execute.
	React string
}

// Keys returns every lookup key the record owns, lowercased.
func (r *Record) Keys() []string {
	keys := make([]string, 0, 1+len(r.Aliases))
	keys = append(keys, strings.ToLower(r.Name))
	for _, a := range r.Aliases {
		keys = append(keys, strings.ToLower(a))
	}
	return keys
}

// Diff reports what one reload changed.
type Diff struct {
	Added   []string
	Removed []string
}

// signature identifies a file version cheaply: size plus mtime.
type signature struct {
	size  int64
	mtime int64
}

// fileState tracks one source file across reloads.
type fileState struct {
	sig      signature
	records  []*Record
	failures int
}

// allowedImports is the stdlib surface plugin files may use. Anything
// else fails the load.
var allowedImports = map[string]bool{
	"bytes": true, "encoding/base64": true, "encoding/json": true,
	"errors": true, "fmt": true, "math": true, "math/rand": true,
	"regexp": true, "sort": true, "strconv": true, "strings": true,
	"time": true, "unicode": true, "unicode/utf8": true,
}

// Registry maps command names and aliases to handler records. Lookups
// read an immutable table swapped atomically, so a reload never exposes
// a half-applied state to dispatch.
type Registry struct {
	mu    sync.Mutex // serializes writers; readers go through table
	files map[string]*fileState
	table atomic.Pointer[map[string]*Record]
	log   *zap.Logger
}

// New creates an empty registry.
func New(log *zap.Logger) *Registry {
	r := &Registry{
		files: make(map[string]*fileState),
		log:   log,
	}
	empty := make(map[string]*Record)
	r.table.Store(&empty)
	return r
}

// Load scans dir for .go files and loads each. Per-file failures are
// logged and skipped; Load only fails when the directory is unreadable.
func (r *Registry) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read plugins dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".go") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := r.Reload(path); err != nil {
			r.log.Warn("plugin load failed", zap.String("file", name), zap.Error(err))
			continue
		}
		loaded++
	}
	r.log.Info("plugins loaded", zap.Int("files", loaded), zap.Int("commands", len(*r.table.Load())))
	return nil
}

// Reload re-evaluates a single file. An unchanged signature is a no-op.
// On a load failure the signature still advances (so a broken file is
// not retried on every unrelated notification) and the previous working
// records stay registered until a second consecutive failure.
func (r *Registry) Reload(path string) (Diff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r.removeLocked(path), nil
		}
		return Diff{}, fmt.Errorf("stat %s: %w", path, err)
	}
	sig := signature{size: info.Size(), mtime: info.ModTime().UnixNano()}

	st := r.files[path]
	if st != nil && st.sig == sig {
		return Diff{}, nil
	}
	if st == nil {
		st = &fileState{}
		r.files[path] = st
	}
	st.sig = sig

	records, err := evalFile(path)
	if err != nil {
		st.failures++
		if st.failures >= 2 && len(st.records) > 0 {
			r.log.Warn("plugin failed twice, dropping previous registration",
				zap.String("file", filepath.Base(path)))
			removed := recordKeys(st.records)
			st.records = nil
			r.rebuildLocked()
			return Diff{Removed: removed}, err
		}
		return Diff{}, err
	}
	st.failures = 0

	diff := Diff{
		Added:   recordKeys(records),
		Removed: recordKeys(st.records),
	}
	st.records = records
	r.rebuildLocked()
	return diff, nil
}

// Remove drops every record registered from path.
func (r *Registry) Remove(path string) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(path)
}

func (r *Registry) removeLocked(path string) Diff {
	st := r.files[path]
	if st == nil {
		return Diff{}
	}
	removed := recordKeys(st.records)
	delete(r.files, path)
	r.rebuildLocked()
	return Diff{Removed: removed}
}

// rebuildLocked swaps in a freshly built lookup table. Removal works by
// record identity through the owning file, so a rename of the primary
// command never leaves orphaned aliases.
func (r *Registry) rebuildLocked() {
	paths := make([]string, 0, len(r.files))
	for p := range r.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	table := make(map[string]*Record)
	for _, p := range paths {
		for _, rec := range r.files[p].records {
			for _, key := range rec.Keys() {
				if prev, ok := table[key]; ok && prev.SourceFile != rec.SourceFile {
					r.log.Warn("command name collision",
						zap.String("key", key),
						zap.String("kept", filepath.Base(rec.SourceFile)),
						zap.String("shadowed", filepath.Base(prev.SourceFile)))
				}
				table[key] = rec
			}
		}
	}
	r.table.Store(&table)
}

// Get resolves a name or alias, case-insensitively.
func (r *Registry) Get(name string) (*Record, bool) {
	rec, ok := (*r.table.Load())[strings.ToLower(name)]
	return rec, ok
}

// Records returns each distinct record exactly once, regardless of how
// many keys it is indexed under.
func (r *Registry) Records() []*Record {
	table := *r.table.Load()
	seen := make(map[*Record]bool, len(table))
	out := make([]*Record, 0, len(table))
	for _, rec := range table {
		if seen[rec] {
			continue
		}
		seen[rec] = true
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func recordKeys(records []*Record) []string {
	var keys []string
	for _, rec := range records {
		keys = append(keys, rec.Keys()...)
	}
	sort.Strings(keys)
	return keys
}

// evalFile interprets one plugin source file and extracts its records.
func evalFile(path string) ([]*Record, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin: %w", err)
	}
	if err := validateImports(path, src); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load interpreter stdlib: %w", err)
	}
	if _, err := i.Eval(string(src)); err != nil {
		return nil, fmt.Errorf("evaluate plugin: %w", err)
	}

	v, err := i.Eval("main.Manifest")
	if err != nil {
		return nil, fmt.Errorf("plugin has no Manifest function: %w", err)
	}
	manifestFn, ok := v.Interface().(func() map[string]any)
	if !ok {
		return nil, fmt.Errorf("Manifest has wrong signature (want func() map[string]any)")
	}

	rec, err := recordFromManifest(manifestFn(), path)
	if err != nil {
		return nil, err
	}
	return []*Record{rec}, nil
}

// validateImports rejects plugin files importing anything outside the
// allowed stdlib surface.
func validateImports(path string, src []byte) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse plugin: %w", err)
	}
	if f.Name.Name != "main" {
		return fmt.Errorf("plugin package must be main, got %s", f.Name.Name)
	}
	for _, imp := range f.Imports {
		p := strings.Trim(imp.Path.Value, `"`)
		if !allowedImports[p] {
			return fmt.Errorf("plugin import %q not allowed", p)
		}
	}
	return nil
}

// recordFromManifest validates the manifest map and builds the Record.
func recordFromManifest(m map[string]any, path string) (*Record, error) {
	if m == nil {
		return nil, fmt.Errorf("Manifest returned nil")
	}
	name, _ := m["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("manifest missing command name")
	}
	execute, ok := m["execute"].(func(map[string]any) (string, error))
	if !ok {
		return nil, fmt.Errorf("manifest %q missing execute (want func(map[string]any) (string, error))", name)
	}

	rec := &Record{
		Name:       name,
		SourceFile: path,
		Execute:    execute,
	}
	switch v := m["aliases"].(type) {
	case []string:
		rec.Aliases = v
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok {
				rec.Aliases = append(rec.Aliases, s)
			}
		}
	}
	if fn, ok := m["onMessage"].(func(map[string]any) error); ok {
		rec.OnMessage = fn
	}
	if fn, ok := m["onMessageUpdate"].(func(map[string]any) error); ok {
		rec.OnMessageUpdate = fn
	}
	if s, ok := m["react"].(string); ok {
		rec.React = s
	}
	return rec, nil
}
