// Package datasource holds the descriptor model, its validator, the
// in-memory registry, and the Postgres persistence for datasources.
package datasource

import (
	"github.com/tilecraft/tileserv/internal/tile"
)

// Kind is the datasource family.
type Kind string

const (
	KindRaster Kind = "raster"
	KindVector Kind = "vector"
)

// StoreMode selects where tiles for a datasource come from.
type StoreMode string

const (
	StoreInternal StoreMode = "internal"
	StoreTiles    StoreMode = "tiles"
	StoreTileJSON StoreMode = "tilejson"
	StoreMBTiles  StoreMode = "mbtiles"
)

// storeModes is the closed set accepted by validation.
var storeModes = map[StoreMode]bool{
	StoreInternal: true,
	StoreTiles:    true,
	StoreTileJSON: true,
	StoreMBTiles:  true,
}

// rasterEncodings is the closed set of raster output encodings.
var rasterEncodings = map[string]bool{
	"png":  true,
	"jpg":  true,
	"webp": true,
}

// pixelSelectionMethods is the closed set of mosaic pixel selection methods.
var pixelSelectionMethods = map[string]bool{
	"FirstMethod":   true,
	"HighestMethod": true,
	"LowestMethod":  true,
	"MeanMethod":    true,
}

// PyramidSettings controls bulk pyramid builds for one datasource.
type PyramidSettings struct {
	MinZoom    int    `json:"minzoom"`
	MaxZoom    int    `json:"maxzoom"`
	Workers    int    `json:"workers,omitempty"`
	Resampling string `json:"resampling,omitempty"`
}

// RasterPayload describes a raster datasource: a single file or a mosaic.
type RasterPayload struct {
	Path                 string   `json:"path,omitempty"`
	Mosaic               []string `json:"mosaic,omitempty"`
	Encoding             string   `json:"encoding"`
	PixelSelectionMethod string   `json:"pixel_selection_method,omitempty"`
}

// VectorQuery carries raw SQL for one zoom band of a vector layer.
type VectorQuery struct {
	SQL     string `json:"sql"`
	MinZoom int    `json:"minzoom"`
	MaxZoom int    `json:"maxzoom"`
}

// VectorLayer describes one layer of a vector datasource. A layer carries
// either (Filter, Fields, GeomField) or Queries, never both.
type VectorLayer struct {
	Name       string        `json:"name"`
	StoreLayer string        `json:"storeLayer,omitempty"`
	Filter     string        `json:"filter,omitempty"`
	Fields     []string      `json:"fields,omitempty"`
	GeomField  string        `json:"geomField,omitempty"`
	Queries    []VectorQuery `json:"queries,omitempty"`
}

// VectorPayload describes a vector datasource.
type VectorPayload struct {
	Layers []VectorLayer `json:"layers"`
}

// Descriptor is a validated datasource document. It is created and mutated
// only through the Registry.
type Descriptor struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Attribution string    `json:"attribution,omitempty"`
	Kind        Kind      `json:"kind"`
	Store       StoreMode `json:"store"`

	// Host/Port point at the worker node that owns the source files.
	// Empty host means the tiles are produced locally.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	MinZoom int        `json:"minzoom"`
	MaxZoom int        `json:"maxzoom"`
	Bounds  [4]float64 `json:"bounds"`
	Center  [3]float64 `json:"center,omitempty"`

	UseCacheOnly  bool `json:"use_cache_only,omitempty"`
	CompressTiles bool `json:"compress_tiles,omitempty"`

	Pyramid PyramidSettings `json:"pyramid"`

	Raster *RasterPayload `json:"raster,omitempty"`
	Vector *VectorPayload `json:"vector,omitempty"`
}

// Variant is the exhaustive classification validation operates over.
type Variant string

const (
	VariantRasterSingle Variant = "raster-single"
	VariantRasterMosaic Variant = "raster-mosaic"
	VariantVectorFilter Variant = "vector-with-filter"
	VariantVectorSQL    Variant = "vector-with-sql"
	VariantRemoteTiles  Variant = "vector-remote-tiles"
)

// Variant classifies the descriptor. The result is only meaningful for a
// descriptor that passed validation.
func (d *Descriptor) Variant() Variant {
	if d.Kind == KindRaster {
		if d.Raster != nil && len(d.Raster.Mosaic) > 0 {
			return VariantRasterMosaic
		}
		return VariantRasterSingle
	}
	if d.Store == StoreTiles || d.Store == StoreTileJSON {
		return VariantRemoteTiles
	}
	if d.Vector != nil {
		for _, l := range d.Vector.Layers {
			if len(l.Queries) > 0 {
				return VariantVectorSQL
			}
		}
	}
	return VariantVectorFilter
}

// Remote reports whether tiles for this descriptor are produced on another
// dispatcher node.
func (d *Descriptor) Remote() bool {
	return d.Host != ""
}

// ExtAllowed reports whether the extension matches the descriptor kind.
func (d *Descriptor) ExtAllowed(ext tile.Ext) bool {
	if d.Kind == KindRaster {
		return ext.Raster()
	}
	return ext.Vector()
}

// ZoomInRange reports whether z lies inside the descriptor's zoom range.
func (d *Descriptor) ZoomInRange(z int) bool {
	return z >= d.MinZoom && z <= d.MaxZoom
}

// Contains reports whether the tile's extent overlaps the descriptor bounds.
// A zero bounds value means world extent.
func (d *Descriptor) Contains(c tile.Coord) bool {
	if d.Bounds == [4]float64{} {
		return true
	}
	return c.Intersects(d.Bounds)
}
