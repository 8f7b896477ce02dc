package modreg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/modwatch/reload"
)

// Registry holds loaded tool units in memory, keyed by unit name.
// It is safe for concurrent use: parse happens outside the lock, the map
// swap inside it.
type Registry struct {
	dir    string
	db     *sql.DB
	logger *slog.Logger

	mu      sync.RWMutex
	units   map[string]*ToolUnit
	goFuncs map[string]GoFunc
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDB provides the database sql_query handlers run against.
func WithDB(db *sql.DB) RegistryOption {
	return func(r *Registry) { r.db = db }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// New creates a Registry over a directory of unit files. Nothing is loaded
// until LoadDir or LoadFile is called.
func New(dir string, opts ...RegistryOption) *Registry {
	r := &Registry{
		dir:     dir,
		logger:  slog.Default(),
		units:   make(map[string]*ToolUnit),
		goFuncs: make(map[string]GoFunc),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Dir returns the units directory this registry loads from.
func (r *Registry) Dir() string { return r.dir }

// RegisterGoFunc registers a Go function callable by units with handler
// type "go_function".
func (r *Registry) RegisterGoFunc(name string, fn GoFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goFuncs[name] = fn
}

// unitFile is the wire form of a unit definition. Active defaults to true
// when the field is absent.
type unitFile struct {
	Name        string         `yaml:"name"`
	Version     int            `yaml:"version"`
	Category    string         `yaml:"category"`
	Description string         `yaml:"description"`
	Active      *bool          `yaml:"active"`
	Handler     Handler        `yaml:"handler"`
	InputSchema map[string]any `yaml:"input_schema"`
}

// parseUnitFile reads, parses and validates one unit file.
func parseUnitFile(path string) (*ToolUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modreg: read %s: %w", path, err)
	}
	var uf unitFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return nil, fmt.Errorf("modreg: parse %s: %w", path, err)
	}

	u := &ToolUnit{
		Name:        uf.Name,
		Version:     uf.Version,
		Category:    uf.Category,
		Description: uf.Description,
		Active:      uf.Active == nil || *uf.Active,
		Handler:     uf.Handler,
		InputSchema: uf.InputSchema,
		Path:        path,
	}
	if u.InputSchema == nil {
		u.InputSchema = map[string]any{"type": "object"}
	}
	if err := validateUnit(u); err != nil {
		return nil, fmt.Errorf("modreg: %s: %w", path, err)
	}

	if u.Handler.Type == HandlerTemplate {
		tmpl, err := template.New(u.Name).Option("missingkey=error").Parse(u.Handler.Template)
		if err != nil {
			return nil, fmt.Errorf("modreg: %s: parse template: %w", path, err)
		}
		u.tmpl = tmpl
	}
	return u, nil
}

func validateUnit(u *ToolUnit) error {
	if u.Name == "" {
		return fmt.Errorf("unit name required")
	}
	switch u.Handler.Type {
	case HandlerSQLQuery:
		if u.Handler.Query == "" {
			return fmt.Errorf("unit %s: sql_query handler requires a query", u.Name)
		}
	case HandlerGoFunction:
		if u.Handler.Func == "" {
			return fmt.Errorf("unit %s: go_function handler requires a func name", u.Name)
		}
	case HandlerTemplate:
		if u.Handler.Template == "" {
			return fmt.Errorf("unit %s: template handler requires a template body", u.Name)
		}
	default:
		return fmt.Errorf("unit %s: unknown handler type %q", u.Name, u.Handler.Type)
	}
	return nil
}

// LoadFile parses path and registers the declared unit, replacing any
// previous version of the same name. A declared name already backed by a
// different file is ErrUnitConflict.
func (r *Registry) LoadFile(ctx context.Context, path string) error {
	u, err := parseUnitFile(path)
	if err != nil {
		return err
	}
	u.LoadedAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.units[u.Name]; ok && prev.Path != path {
		return fmt.Errorf("%w: %s is defined by %s", ErrUnitConflict, u.Name, prev.Path)
	}
	r.units[u.Name] = u
	r.logger.Info("modreg: unit loaded",
		"unit", u.Name, "version", u.Version, "handler", u.Handler.Type, "path", path)
	return nil
}

// LoadResult is the per-file outcome of LoadDir.
type LoadResult struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
	Err  error  `json:"-"`
}

// LoadDir loads every *.yaml and *.yml file directly in the units
// directory, collecting per-file failures instead of aborting. The returned
// error is non-nil only when the directory itself cannot be read.
func (r *Registry) LoadDir(ctx context.Context) ([]LoadResult, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("modreg: read dir %s: %w", r.dir, err)
	}

	var results []LoadResult
	for _, e := range entries {
		if e.IsDir() || !IsUnitFile(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		res := LoadResult{Path: path}
		if err := r.LoadFile(ctx, path); err != nil {
			res.Err = err
			r.logger.Warn("modreg: unit file skipped", "path", path, "error", err)
		} else if u, ok := r.ByPath(path); ok {
			res.Name = u.Name
		}
		results = append(results, res)
	}
	r.logger.Info("modreg: directory loaded", "dir", r.dir, "files", len(results), "units", r.Len())
	return results, nil
}

// IsUnitFile reports whether a file name looks like a unit definition.
func IsUnitFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// ByPath returns the loaded unit backed by the given file, if any.
func (r *Registry) ByPath(path string) (*ToolUnit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.units {
		if u.Path == path {
			return u, true
		}
	}
	return nil, false
}

// Get returns the loaded unit with the given name.
func (r *Registry) Get(name string) (*ToolUnit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[name]
	return u, ok
}

// Len returns the number of loaded units.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

// Snapshot returns the loaded units sorted by name.
func (r *Registry) Snapshot() []*ToolUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolUnit, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ---------- reload.Registry ----------

// Units enumerates the loaded units for the reload engine, sorted by name.
func (r *Registry) Units(ctx context.Context) ([]reload.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]reload.Unit, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, reload.Unit{Name: u.Name, Path: u.Path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Evict removes the loaded version of a unit.
func (r *Registry) Evict(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}
	delete(r.units, name)
	r.logger.Debug("modreg: unit evicted", "unit", name)
	return nil
}

// Load re-parses the backing file and registers the declared unit. When the
// file meanwhile declares a different name the unit registers under that
// name; the rename is logged.
func (r *Registry) Load(ctx context.Context, name, path string) error {
	u, err := parseUnitFile(path)
	if err != nil {
		return err
	}
	u.LoadedAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.units[u.Name]; ok && prev.Path != path {
		return fmt.Errorf("%w: %s is defined by %s", ErrUnitConflict, u.Name, prev.Path)
	}
	if u.Name != name {
		r.logger.Warn("modreg: unit renamed by its file", "old", name, "new", u.Name, "path", path)
	}
	r.units[u.Name] = u
	return nil
}
