package server

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tilecraft/tileserv/internal/cache"
	"github.com/tilecraft/tileserv/internal/config"
	"github.com/tilecraft/tileserv/internal/datasource"
	"github.com/tilecraft/tileserv/internal/generator"
	"github.com/tilecraft/tileserv/internal/remote"
	"github.com/tilecraft/tileserv/internal/tile"
	"github.com/tilecraft/tileserv/internal/worker"
)

// fakePool is the in-memory generator standing in for the worker pool.
type fakePool struct {
	mu         sync.Mutex
	generate   generator.Func
	calls      atomic.Int64
	added      int
	reloadErr  error
	reloads    int
	terminated bool
	slots      []worker.SlotInfo
}

func (f *fakePool) Generate(ctx context.Context, coord tile.Coord) (generator.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gen := f.generate
	f.mu.Unlock()
	if gen != nil {
		return gen(ctx, coord)
	}
	return generator.Result{Status: generator.Present, Bytes: []byte("generated")}, nil
}

func (f *fakePool) AddWorkers(_ context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added += n
	return nil
}

func (f *fakePool) ReloadAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reloadErr != nil {
		return f.reloadErr
	}
	f.reloads++
	return nil
}

func (f *fakePool) TerminateAll(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
}

func (f *fakePool) Info() []worker.SlotInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slots
}

// testEnv bundles a Server with its live fakes.
type testEnv struct {
	server   *Server
	registry *datasource.Registry
	cache    *cache.Cache
	pool     *fakePool
	cacheDir string
}

func newTestEnv(t *testing.T, gateSize int) *testEnv {
	t.Helper()

	dir := t.TempDir()
	reg := datasource.NewRegistry()
	c := cache.New(dir)
	t.Cleanup(c.Close)
	pool := &fakePool{}

	cfg := &config.Config{
		TimeoutWorkerResponse:     2,
		MaxConcurrentTileRequests: gateSize,
	}

	s := New(Options{
		Config:   cfg,
		Registry: reg,
		Cache:    c,
		Pool:     pool,
		Gate:     worker.NewGate(gateSize),
		Fleet:    remote.NewFleet(2 * time.Second),
	})
	return &testEnv{server: s, registry: reg, cache: c, pool: pool, cacheDir: dir}
}

// addDatasource registers a world-bounded vector datasource and returns its id.
func (e *testEnv) addDatasource(t *testing.T, mutate func(*datasource.Descriptor)) string {
	t.Helper()
	d := &datasource.Descriptor{
		Name:    "roads",
		Kind:    datasource.KindVector,
		Store:   datasource.StoreInternal,
		MinZoom: 0,
		MaxZoom: 14,
		Bounds:  [4]float64{-180, -85, 180, 85},
		Vector: &datasource.VectorPayload{Layers: []datasource.VectorLayer{{
			Name:      "roads",
			Filter:    "class = 'road'",
			Fields:    []string{"class"},
			GeomField: "geom",
		}}},
	}
	if mutate != nil {
		mutate(d)
	}
	id, verrs, err := e.registry.Create(context.Background(), d)
	require.NoError(t, err)
	require.Empty(t, verrs)
	return id
}

// writeCachedTile places a tile into the datasource's MBTiles archive.
func (e *testEnv) writeCachedTile(t *testing.T, id string, z, x, y int, data []byte) {
	t.Helper()
	path := filepath.Join(e.cacheDir, id+".mbtiles")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, _ = db.Exec(`CREATE TABLE IF NOT EXISTS tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`)
	tmsY := (1 << uint(z)) - 1 - y
	_, err = db.Exec(`INSERT INTO tiles VALUES (?, ?, ?, ?)`, z, x, tmsY, data)
	require.NoError(t, err)

	// Drop any handle opened before the write.
	e.cache.Invalidate(id)
}
