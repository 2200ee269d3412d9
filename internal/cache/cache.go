// Package cache answers read-only tile lookups against the on-disk artifacts
// the generators produce: one MBTiles archive per datasource plus an optional
// plain tile tree. The disk artifact IS the cache; no in-memory copy is kept.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/tile"
)

// Status is the ternary cache outcome.
type Status int

const (
	// Absent means no cache entry exists for the coordinate.
	Absent Status = iota
	// Empty means the coordinate is cached with no content (HTTP 204).
	Empty
	// Present means cached bytes exist.
	Present
)

// Artifact is a cache lookup result. Bytes is set only for Present.
type Artifact struct {
	Status Status
	Bytes  []byte
}

// Stats reports cache lookup counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Empties int64 `json:"empties"`
	Misses  int64 `json:"misses"`
}

// Cache resolves tile coordinates to artifacts under a root directory laid
// out as <root>/<id>.mbtiles and <root>/<id>/{z}/{x}/{y}.{ext}.
type Cache struct {
	root string

	mu      sync.Mutex
	readers map[string]*mbtilesReader

	hits    atomic.Int64
	empties atomic.Int64
	misses  atomic.Int64

	log *zap.Logger
}

// New creates a Cache rooted at dir. Archives are opened lazily on first
// lookup per datasource.
func New(dir string) *Cache {
	return &Cache{
		root:    dir,
		readers: make(map[string]*mbtilesReader),
		log:     zap.L().With(zap.String("component", "cache")),
	}
}

// Lookup is the single cache operation. Writes never happen here; the
// generator owns tile writes and they surface on a later lookup.
func (c *Cache) Lookup(coord tile.Coord) (Artifact, error) {
	data, err := c.lookupArchive(coord)
	if eris.Is(err, errNoTile) {
		data, err = c.lookupTree(coord)
	}
	if eris.Is(err, errNoTile) {
		c.misses.Add(1)
		return Artifact{Status: Absent}, nil
	}
	if err != nil {
		return Artifact{}, err
	}

	if len(data) == 0 {
		c.empties.Add(1)
		return Artifact{Status: Empty}, nil
	}
	c.hits.Add(1)
	return Artifact{Status: Present, Bytes: data}, nil
}

// Invalidate drops the cached archive handle for a datasource so the next
// lookup reopens it. Called when a datasource is deleted.
func (c *Cache) Invalidate(datasourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.readers[datasourceID]; ok {
		_ = r.close()
		delete(c.readers, datasourceID)
	}
}

// Stats returns lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Empties: c.empties.Load(),
		Misses:  c.misses.Load(),
	}
}

// Close releases all archive handles.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, r := range c.readers {
		_ = r.close()
		delete(c.readers, id)
	}
}

func (c *Cache) lookupArchive(coord tile.Coord) ([]byte, error) {
	r, err := c.reader(coord.DatasourceID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errNoTile
	}
	return r.readTile(coord.Z, coord.X, coord.Y)
}

// reader returns the datasource's archive handle, opening it on first use.
// A missing archive file is a normal miss, not an error.
func (c *Cache) reader(id string) (*mbtilesReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.readers[id]; ok {
		return r, nil
	}

	path := filepath.Join(c.root, id+".mbtiles")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	r, err := openMBTiles(path)
	if err != nil {
		return nil, err
	}
	c.readers[id] = r
	c.log.Debug("opened mbtiles archive", zap.String("datasource", id), zap.String("path", path))
	return r, nil
}

func (c *Cache) lookupTree(coord tile.Coord) ([]byte, error) {
	path := filepath.Join(c.root, coord.DatasourceID,
		fmt.Sprintf("%d", coord.Z), fmt.Sprintf("%d", coord.X),
		fmt.Sprintf("%d.%s", coord.Y, coord.Ext))

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errNoTile
	}
	if err != nil {
		return nil, eris.Wrap(err, "cache: read tile file")
	}
	return data, nil
}
