package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Well-known directories scanned by LoadFiles, relative to the registry root.
const (
	vectorDir = "datasources/vector"
	rasterDir = "datasources/raster"
)

// LoadReport summarizes a file scan.
type LoadReport struct {
	LoadVectorDatasources int      `json:"load_vector_datasources"`
	LoadRasterDatasources int      `json:"load_raster_datasources"`
	Errors                []string `json:"errors"`
}

// Registry is the in-memory index of validated descriptors. All mutations go
// through it; the store (when present) is kept in step.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Descriptor
	store  Store
	schema SchemaChecker
	root   string
	log    *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore attaches Postgres persistence. Without it the registry is
// memory-only (cache-only nodes).
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithSchemaChecker enables information-schema validation of storeLayer
// references.
func WithSchemaChecker(c SchemaChecker) Option {
	return func(r *Registry) { r.schema = c }
}

// WithRoot sets the directory holding the well-known datasource folders.
func WithRoot(root string) Option {
	return func(r *Registry) { r.root = root }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byID: make(map[string]*Descriptor),
		root: ".",
		log:  zap.L().With(zap.String("component", "datasource.registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hydrate fills the index from the store. Called once at startup on nodes
// with a database.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	all, err := r.store.List(ctx)
	if err != nil {
		return eris.Wrap(err, "registry: hydrate")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range all {
		r.byID[d.ID] = d
	}
	r.log.Info("registry hydrated", zap.Int("datasources", len(all)))
	return nil
}

// Get returns the descriptor for id or ErrNotFound.
func (r *Registry) Get(id string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// List returns all registered descriptors.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}

// Create validates the document, assigns an id when absent, persists, and
// indexes it. A non-empty ValidationError slice means the document was
// rejected.
func (r *Registry) Create(ctx context.Context, d *Descriptor) (string, []ValidationError, error) {
	if verrs := Validate(ctx, d, r.schema); len(verrs) > 0 {
		return "", verrs, nil
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	if r.store != nil {
		if err := r.store.Upsert(ctx, d); err != nil {
			return "", nil, err
		}
	}

	r.mu.Lock()
	r.byID[d.ID] = d
	r.mu.Unlock()

	r.log.Info("datasource created", zap.String("id", d.ID), zap.String("name", d.Name))
	return d.ID, nil, nil
}

// Update validates and replaces an existing descriptor.
func (r *Registry) Update(ctx context.Context, d *Descriptor) ([]ValidationError, error) {
	if d.ID == "" {
		return nil, ErrNotFound
	}
	r.mu.RLock()
	_, ok := r.byID[d.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if verrs := Validate(ctx, d, r.schema); len(verrs) > 0 {
		return verrs, nil
	}

	if r.store != nil {
		if err := r.store.Upsert(ctx, d); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.byID[d.ID] = d
	r.mu.Unlock()

	r.log.Info("datasource updated", zap.String("id", d.ID))
	return nil, nil
}

// Delete removes a descriptor. Cached tiles for it are invalidated lazily:
// the next cache lookup by the deleted id simply misses.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.RLock()
	_, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil && !eris.Is(err, ErrNotFound) {
			return err
		}
	}

	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()

	r.log.Info("datasource deleted", zap.String("id", id))
	return nil
}

// LoadFiles scans the well-known vector and raster directories, validates
// each JSON document, and upserts by id (generating one if absent).
func (r *Registry) LoadFiles(ctx context.Context) LoadReport {
	return r.loadFiles(ctx, nil)
}

// ReloadFiles is LoadFiles restricted to the listed ids.
func (r *Registry) ReloadFiles(ctx context.Context, ids []string) LoadReport {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return r.loadFiles(ctx, want)
}

func (r *Registry) loadFiles(ctx context.Context, only map[string]bool) LoadReport {
	var report LoadReport

	for _, scan := range []struct {
		dir  string
		kind Kind
	}{
		{vectorDir, KindVector},
		{rasterDir, KindRaster},
	} {
		dir := filepath.Join(r.root, scan.dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", dir, err))
			}
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			d, err := r.loadFile(ctx, path, scan.kind, only)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
				continue
			}
			if d == nil {
				continue // filtered out by ReloadFiles ids
			}
			switch scan.kind {
			case KindVector:
				report.LoadVectorDatasources++
			case KindRaster:
				report.LoadRasterDatasources++
			}
		}
	}

	r.log.Info("datasource files loaded",
		zap.Int("vector", report.LoadVectorDatasources),
		zap.Int("raster", report.LoadRasterDatasources),
		zap.Int("errors", len(report.Errors)),
	)
	return report
}

func (r *Registry) loadFile(ctx context.Context, path string, kind Kind, only map[string]bool) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, eris.Wrap(err, "parse")
	}
	if d.Kind == "" {
		d.Kind = kind
	}
	if only != nil && !only[d.ID] {
		return nil, nil
	}

	if verrs := Validate(ctx, &d, r.schema); len(verrs) > 0 {
		return nil, eris.Errorf("invalid: %v", verrs[0])
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	if r.store != nil {
		if err := r.store.Upsert(ctx, &d); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.byID[d.ID] = &d
	r.mu.Unlock()
	return &d, nil
}
