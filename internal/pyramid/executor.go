package pyramid

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/datasource"
	"github.com/tilecraft/tileserv/internal/generator"
	"github.com/tilecraft/tileserv/internal/queue"
	"github.com/tilecraft/tileserv/internal/remote"
)

// Executor runs pyramid queue jobs: it resolves the datasource, picks the
// local pool or the owning remote node, and drives the build.
type Executor struct {
	registry *datasource.Registry
	builder  *Builder
	queue    *queue.Queue
	local    generator.Generator
	fleet    *remote.Fleet
	log      *zap.Logger
}

// NewExecutor wires the pyramid executor.
func NewExecutor(reg *datasource.Registry, builder *Builder, q *queue.Queue, local generator.Generator, fleet *remote.Fleet) *Executor {
	return &Executor{
		registry: reg,
		builder:  builder,
		queue:    q,
		local:    local,
		fleet:    fleet,
		log:      zap.L().With(zap.String("component", "pyramid.executor")),
	}
}

// Execute implements queue.Executor.
func (e *Executor) Execute(ctx context.Context, job queue.Job) error {
	d, err := e.registry.Get(job.Detail.DatasourceID)
	if err != nil {
		// The datasource is gone; retrying cannot help.
		return eris.Wrapf(err, "pyramid: datasource %s", job.Detail.DatasourceID)
	}

	gen := e.local
	if d.Remote() && e.fleet != nil {
		gen = e.fleet.For(d.Host, d.Port)
	}
	if gen == nil {
		return eris.New("pyramid: no generator available")
	}

	cancelled := func() bool {
		c, cerr := e.queue.IsCancelled(ctx, job.JobID)
		if cerr != nil {
			e.log.Warn("cancel check failed", zap.String("job_id", job.JobID), zap.Error(cerr))
			return false
		}
		return c
	}

	progress, err := e.builder.Build(ctx, d, gen, cancelled)
	if eris.Is(err, ErrCancelled) {
		e.log.Info("pyramid build cancelled",
			zap.String("job_id", job.JobID),
			zap.Int64("generated", progress.Generated),
		)
		return queue.ErrJobCancelled
	}
	if err != nil {
		return err
	}

	e.log.Info("pyramid build complete",
		zap.String("job_id", job.JobID),
		zap.String("datasource", d.ID),
		zap.Int64("generated", progress.Generated),
		zap.Int64("empty", progress.Empty),
		zap.Int64("failed", progress.Failed),
	)
	return nil
}
