// Package pyramid drives bulk tile generation across a datasource's zoom
// range and bounds.
package pyramid

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tilecraft/tileserv/internal/datasource"
	"github.com/tilecraft/tileserv/internal/generator"
	"github.com/tilecraft/tileserv/internal/tile"
)

// ErrCancelled is returned when the job's cancel flag was observed.
var ErrCancelled = eris.New("pyramid: build cancelled")

// webMercatorBounds is the world extent used when a descriptor carries none.
var webMercatorBounds = [4]float64{-180, -85.051129, 180, 85.051129}

// Builder walks the tile grid of one datasource and generates every tile
// through the node's generator capability (local pool or remote forwarder).
type Builder struct {
	threads int
	log     *zap.Logger
}

// NewBuilder creates a Builder fanning out to at most threads concurrent
// generation calls (thread_workers).
func NewBuilder(threads int) *Builder {
	if threads < 1 {
		threads = 1
	}
	return &Builder{
		threads: threads,
		log:     zap.L().With(zap.String("component", "pyramid.builder")),
	}
}

// Progress counts one build's outcomes.
type Progress struct {
	Generated int64 `json:"generated"`
	Empty     int64 `json:"empty"`
	Failed    int64 `json:"failed"`
}

// Build generates the full pyramid for a descriptor. The cancelled callback
// is polled between zoom levels; a true return stops the build at that safe
// point. Individual tile failures are counted, not fatal; a fully failed
// zoom level aborts the build.
func (b *Builder) Build(ctx context.Context, d *datasource.Descriptor, gen generator.Generator, cancelled func() bool) (Progress, error) {
	var progress Progress

	minZoom, maxZoom := d.Pyramid.MinZoom, d.Pyramid.MaxZoom
	if maxZoom == 0 {
		minZoom, maxZoom = d.MinZoom, d.MaxZoom
	}
	ext := tile.ExtPNG
	if d.Kind == datasource.KindVector {
		ext = tile.ExtMVT
	}

	for z := minZoom; z <= maxZoom; z++ {
		if cancelled != nil && cancelled() {
			return progress, ErrCancelled
		}
		if err := b.buildLevel(ctx, d, gen, z, ext, &progress); err != nil {
			return progress, err
		}
		b.log.Info("pyramid level complete",
			zap.String("datasource", d.ID),
			zap.Int("z", z),
			zap.Int64("generated", progress.Generated),
		)
	}
	return progress, nil
}

func (b *Builder) buildLevel(ctx context.Context, d *datasource.Descriptor, gen generator.Generator, z int, ext tile.Ext, progress *Progress) error {
	bounds := d.Bounds
	if bounds == [4]float64{} {
		bounds = webMercatorBounds
	}
	minX, minY, maxX, maxY := tile.GridRange(z, bounds)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.threads)

	var generated, empty, failed atomic.Int64
	total := int64(maxX-minX+1) * int64(maxY-minY+1)

	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			coord := tile.Coord{DatasourceID: d.ID, Z: z, X: x, Y: y, Ext: ext}
			g.Go(func() error {
				res, err := gen.Generate(ctx, coord)
				switch {
				case err != nil:
					// Keep building; the level fails only when nothing
					// succeeded.
					failed.Add(1)
					b.log.Debug("tile generation failed",
						zap.String("coord", coord.String()), zap.Error(err))
				case res.Status == generator.Empty:
					empty.Add(1)
				default:
					generated.Add(1)
				}
				return ctx.Err()
			})
		}
	}

	err := g.Wait()
	progress.Generated += generated.Load()
	progress.Empty += empty.Load()
	progress.Failed += failed.Load()
	if err != nil {
		return eris.Wrap(err, "pyramid: level aborted")
	}
	if failed.Load() == total && total > 0 {
		return eris.Errorf("pyramid: every tile of level %d failed", z)
	}
	return nil
}
