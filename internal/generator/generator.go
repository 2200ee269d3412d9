// Package generator defines the tile-generation capability shared by the
// local worker pool and the remote-node forwarder. The router never needs to
// know which implementation serves a call.
package generator

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/tilecraft/tileserv/internal/tile"
)

// Status classifies a generation outcome.
type Status int

const (
	// Present means the generator produced tile bytes.
	Present Status = iota
	// Empty means the coordinate is inside the grid but has no content.
	Empty
)

// Result carries the generated payload. Bytes is nil when Status is Empty.
type Result struct {
	Status Status
	Bytes  []byte
}

// Generator produces one tile.
type Generator interface {
	Generate(ctx context.Context, coord tile.Coord) (Result, error)
}

// Error kinds the router maps onto HTTP statuses.
var (
	// ErrTimeout means the worker or remote node exceeded
	// timeout_worker_response.
	ErrTimeout = eris.New("generator: worker response timeout")
	// ErrWorker means the backend reported a generation failure.
	ErrWorker = eris.New("generator: worker error")
	// ErrWorkerCrash means the worker exited while serving the request.
	ErrWorkerCrash = eris.New("generator: worker crashed mid-request")
)

// Func adapts a plain function to the Generator interface. Used by tests.
type Func func(ctx context.Context, coord tile.Coord) (Result, error)

// Generate implements Generator.
func (f Func) Generate(ctx context.Context, coord tile.Coord) (Result, error) {
	return f(ctx, coord)
}
