// Package tile provides tile coordinates, extensions, and grid math shared
// by the cache, router, and pyramid builder.
package tile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/rotisserie/eris"
)

// MaxZoom is the highest zoom level the dispatcher accepts.
const MaxZoom = 22

// Ext is a tile payload extension.
type Ext string

const (
	ExtPNG  Ext = "png"
	ExtJPG  Ext = "jpg"
	ExtWebP Ext = "webp"
	ExtMVT  Ext = "mvt"
	ExtPBF  Ext = "pbf"
)

// ParseExt validates an extension string.
func ParseExt(s string) (Ext, error) {
	switch Ext(s) {
	case ExtPNG, ExtJPG, ExtWebP, ExtMVT, ExtPBF:
		return Ext(s), nil
	}
	return "", eris.Errorf("tile: unknown extension %q", s)
}

// Raster reports whether the extension is an image format.
func (e Ext) Raster() bool {
	switch e {
	case ExtPNG, ExtJPG, ExtWebP:
		return true
	}
	return false
}

// Vector reports whether the extension is a vector-tile format.
func (e Ext) Vector() bool {
	return e == ExtMVT || e == ExtPBF
}

// ContentType returns the MIME type for the extension.
func (e Ext) ContentType() string {
	switch e {
	case ExtPNG:
		return "image/png"
	case ExtJPG:
		return "image/jpeg"
	case ExtWebP:
		return "image/webp"
	case ExtMVT:
		return "application/vnd.mapbox-vector-tile"
	case ExtPBF:
		return "application/x-protobuf"
	default:
		return "application/octet-stream"
	}
}

// Coord addresses a single tile of one datasource.
type Coord struct {
	DatasourceID string
	Z, X, Y      int
	Ext          Ext
}

// ParseCoord builds a Coord from path segments, checking the grid invariants
// 0 <= z <= MaxZoom and 0 <= x,y < 2^z.
func ParseCoord(id, zs, xs, ys, ext string) (Coord, error) {
	z, err := strconv.Atoi(zs)
	if err != nil {
		return Coord{}, eris.Errorf("tile: invalid z %q", zs)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return Coord{}, eris.Errorf("tile: invalid x %q", xs)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return Coord{}, eris.Errorf("tile: invalid y %q", ys)
	}
	e, err := ParseExt(strings.ToLower(ext))
	if err != nil {
		return Coord{}, err
	}

	c := Coord{DatasourceID: id, Z: z, X: x, Y: y, Ext: e}
	if !c.InGrid() {
		return Coord{}, eris.Errorf("tile: %d/%d/%d outside grid", z, x, y)
	}
	return c, nil
}

// InGrid reports whether the coordinate lies inside the tile pyramid.
func (c Coord) InGrid() bool {
	if c.Z < 0 || c.Z > MaxZoom {
		return false
	}
	max := 1 << uint(c.Z)
	return c.X >= 0 && c.X < max && c.Y >= 0 && c.Y < max
}

// Fingerprint is the single-flight key: a stable normalized string for the
// coordinate. Two requests for the same tile always produce the same value.
func (c Coord) Fingerprint() string {
	return fmt.Sprintf("%s/%d/%d/%d.%s", c.DatasourceID, c.Z, c.X, c.Y, c.Ext)
}

func (c Coord) String() string {
	return c.Fingerprint()
}

// Bound returns the coordinate's geographic extent in lon/lat.
func (c Coord) Bound() orb.Bound {
	return maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z)).Bound()
}

// Intersects reports whether the tile's extent overlaps the given bounds
// (minLon, minLat, maxLon, maxLat).
func (c Coord) Intersects(bounds [4]float64) bool {
	b := orb.Bound{
		Min: orb.Point{bounds[0], bounds[1]},
		Max: orb.Point{bounds[2], bounds[3]},
	}
	return c.Bound().Intersects(b)
}

// GridRange yields every (x, y) pair of one zoom level intersecting bounds.
// It returns the inclusive column and row ranges rather than materializing
// the full grid.
func GridRange(z int, bounds [4]float64) (minX, minY, maxX, maxY int) {
	b := orb.Bound{
		Min: orb.Point{bounds[0], bounds[1]},
		Max: orb.Point{bounds[2], bounds[3]},
	}
	min := maptile.At(b.Min, maptile.Zoom(z))
	max := maptile.At(b.Max, maptile.Zoom(z))

	// Tile rows grow southward, so the bound's min latitude lands on the
	// larger Y.
	minX, maxX = int(min.X), int(max.X)
	minY, maxY = int(max.Y), int(min.Y)
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	limit := 1<<uint(z) - 1
	minX = clamp(minX, 0, limit)
	maxX = clamp(maxX, 0, limit)
	minY = clamp(minY, 0, limit)
	maxY = clamp(maxY, 0, limit)
	return minX, minY, maxX, maxY
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
