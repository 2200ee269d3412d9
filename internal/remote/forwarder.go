// Package remote forwards tile work to the worker node that owns a
// datasource's source files. Forwarding is plain HTTP against the remote
// node's own tile endpoint; the response streams back unchanged.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/generator"
	"github.com/tilecraft/tileserv/internal/resilience"
	"github.com/tilecraft/tileserv/internal/tile"
)

// Forwarder implements generator.Generator against one remote node. A
// circuit breaker per host keeps a dead node from eating the request budget.
type Forwarder struct {
	host   string
	port   int
	client *http.Client
	cb     *resilience.CircuitBreaker
	log    *zap.Logger
}

// NewForwarder creates a Forwarder for one (host, port) with the shared
// worker response timeout.
func NewForwarder(host string, port int, timeout time.Duration) *Forwarder {
	return &Forwarder{
		host:   host,
		port:   port,
		client: &http.Client{Timeout: timeout},
		cb:     resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		log: zap.L().With(
			zap.String("component", "remote.forwarder"),
			zap.String("host", host),
			zap.Int("port", port),
		),
	}
}

// Generate implements generator.Generator.
func (f *Forwarder) Generate(ctx context.Context, coord tile.Coord) (generator.Result, error) {
	return resilience.ExecuteVal(ctx, f.cb, func(ctx context.Context) (generator.Result, error) {
		return f.fetch(ctx, coord)
	})
}

func (f *Forwarder) fetch(ctx context.Context, coord tile.Coord) (generator.Result, error) {
	url := fmt.Sprintf("http://%s:%d/api/tile/%s/%d/%d/%d.%s",
		f.host, f.port, coord.DatasourceID, coord.Z, coord.X, coord.Y, coord.Ext)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return generator.Result{}, eris.Wrap(err, "remote: build request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		var netErr net.Error
		if ctx.Err() == context.DeadlineExceeded || (errors.As(err, &netErr) && netErr.Timeout()) {
			return generator.Result{}, generator.ErrTimeout
		}
		return generator.Result{}, eris.Wrap(generator.ErrWorker, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		data, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return generator.Result{}, eris.Wrap(generator.ErrWorker, rerr.Error())
		}
		return generator.Result{Status: generator.Present, Bytes: data}, nil
	case http.StatusNoContent:
		return generator.Result{Status: generator.Empty}, nil
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return generator.Result{}, generator.ErrTimeout
	default:
		f.log.Warn("remote node error", zap.Int("status", resp.StatusCode))
		return generator.Result{}, eris.Wrapf(generator.ErrWorker, "status %d", resp.StatusCode)
	}
}

// Fleet hands out one Forwarder per remote node, created on first use.
type Fleet struct {
	timeout time.Duration

	mu         sync.Mutex
	forwarders map[string]*Forwarder
}

// NewFleet creates a Fleet using the shared worker response timeout.
func NewFleet(timeout time.Duration) *Fleet {
	return &Fleet{
		timeout:    timeout,
		forwarders: make(map[string]*Forwarder),
	}
}

// For returns the forwarder for one remote node.
func (fl *Fleet) For(host string, port int) *Forwarder {
	key := fmt.Sprintf("%s:%d", host, port)

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if f, ok := fl.forwarders[key]; ok {
		return f
	}
	f := NewForwarder(host, port, fl.timeout)
	fl.forwarders[key] = f
	return f
}
