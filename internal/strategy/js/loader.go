// Package js loads JavaScript strategy modules and adapts them to the
// strategy contract. Each module exports metadata plus a create function
// returning a handler object with onTick/onData hooks.
package js

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/5TFG4/Weaver-sub000/errs"
)

// Metadata describes a loaded module.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Module holds a compiled strategy program and its metadata.
type Module struct {
	Name     string
	Filename string
	Path     string
	Hash     string
	Metadata Metadata
	Program  *goja.Program
}

// ModuleSummary exposes immutable module details for listings.
type ModuleSummary struct {
	Name string   `json:"name"`
	File string   `json:"file"`
	Hash string   `json:"hash"`
	Meta Metadata `json:"metadata"`
}

// Loader manages JavaScript strategy modules sourced from a directory.
type Loader struct {
	mu     sync.RWMutex
	root   string
	byName map[string]*Module
}

// NewLoader constructs a Loader rooted at dir, creating it if needed.
func NewLoader(root string) (*Loader, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("root directory required"))
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, errs.New("strategy/js", errs.CodeStorage,
			errs.WithMessage("ensure directory "+clean), errs.WithCause(err))
	}
	return &Loader{root: clean, byName: make(map[string]*Module)}, nil
}

// Root returns the filesystem root used by the loader.
func (l *Loader) Root() string { return l.root }

// Refresh replaces the in-memory catalog with the modules currently on disk.
func (l *Loader) Refresh() error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return errs.New("strategy/js", errs.CodeStorage,
			errs.WithMessage("read directory "+l.root), errs.WithCause(err))
	}

	next := make(map[string]*Module)
	for _, entry := range entries {
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(l.root, entry.Name())
		module, err := compileModule(fullPath, entry)
		if err != nil {
			return err
		}
		key := strings.ToLower(module.Name)
		if _, exists := next[key]; exists {
			return errs.New("strategy/js", errs.CodeValidation,
				errs.WithMessage("duplicate strategy name "+module.Name))
		}
		next[key] = module
	}

	l.mu.Lock()
	l.byName = next
	l.mu.Unlock()
	return nil
}

// List returns the loaded module catalog sorted by name.
func (l *Loader) List() []ModuleSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ModuleSummary, 0, len(l.byName))
	for _, module := range l.byName {
		out = append(out, ModuleSummary{
			Name: module.Name,
			File: module.Filename,
			Hash: module.Hash,
			Meta: module.Metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the in-memory module definition for instantiation.
func (l *Loader) Get(name string) (*Module, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errs.New("strategy/js", errs.CodeNotFound,
			errs.WithMessage("strategy module "+name+" not found"))
	}
	return module, nil
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

func compileModule(fullPath string, entry fs.DirEntry) (*Module, error) {
	source, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, errs.New("strategy/js", errs.CodeStorage,
			errs.WithMessage("read "+fullPath), errs.WithCause(err))
	}
	prog, err := goja.Compile(fullPath, string(source), true)
	if err != nil {
		return nil, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("compile "+fullPath), errs.WithCause(err))
	}

	meta, err := extractMetadata(prog)
	if err != nil {
		return nil, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage(fullPath), errs.WithCause(err))
	}

	sum := sha256.Sum256(source)
	return &Module{
		Name:     meta.Name,
		Filename: entry.Name(),
		Path:     fullPath,
		Hash:     hex.EncodeToString(sum[:]),
		Metadata: meta,
		Program:  prog,
	}, nil
}

func extractMetadata(program *goja.Program) (Metadata, error) {
	rt := goja.New()
	exports, err := runModule(rt, program)
	if err != nil {
		return Metadata{}, err
	}
	raw := exports.Get("metadata")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return Metadata{}, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("metadata export missing"))
	}

	var meta Metadata
	if err := rt.ExportTo(raw, &meta); err != nil {
		return Metadata{}, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("metadata export invalid"), errs.WithCause(err))
	}
	meta.Name = strings.ToLower(strings.TrimSpace(meta.Name))
	if meta.Name == "" {
		return Metadata{}, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("metadata name required"))
	}
	return meta, nil
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := rt.Set("module", module); err != nil {
		return nil, err
	}
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, err
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, err
	}

	value := module.Get("exports")
	object := value.ToObject(rt)
	if object == nil {
		return nil, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("module exports must be an object"))
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}
