package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilecraft/tileserv/internal/generator"
	"github.com/tilecraft/tileserv/internal/resilience"
	"github.com/tilecraft/tileserv/internal/tile"
)

func forwarderFor(t *testing.T, srv *httptest.Server, timeout time.Duration) *Forwarder {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewForwarder(u.Hostname(), port, timeout)
}

func testCoord() tile.Coord {
	return tile.Coord{DatasourceID: "ds1", Z: 3, X: 4, Y: 5, Ext: tile.ExtMVT}
}

func TestForwarder_Present(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tile/ds1/3/4/5.mvt", r.URL.Path)
		_, _ = w.Write([]byte("remote-tile"))
	}))
	defer srv.Close()

	f := forwarderFor(t, srv, time.Second)
	res, err := f.Generate(context.Background(), testCoord())
	require.NoError(t, err)
	assert.Equal(t, generator.Present, res.Status)
	assert.Equal(t, []byte("remote-tile"), res.Bytes)
}

func TestForwarder_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := forwarderFor(t, srv, time.Second)
	res, err := f.Generate(context.Background(), testCoord())
	require.NoError(t, err)
	assert.Equal(t, generator.Empty, res.Status)
}

func TestForwarder_RemoteOverload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := forwarderFor(t, srv, time.Second)
	_, err := f.Generate(context.Background(), testCoord())
	assert.ErrorIs(t, err, generator.ErrTimeout)
}

func TestForwarder_RemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := forwarderFor(t, srv, time.Second)
	_, err := f.Generate(context.Background(), testCoord())
	assert.ErrorIs(t, err, generator.ErrWorker)
}

func TestForwarder_CircuitOpensOnDeadNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := forwarderFor(t, srv, time.Second)
	for i := 0; i < 10; i++ {
		_, _ = f.Generate(context.Background(), testCoord())
	}
	_, err := f.Generate(context.Background(), testCoord())
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestFleet_ReusesForwarders(t *testing.T) {
	fl := NewFleet(time.Second)
	a := fl.For("node-a", 8000)
	b := fl.For("node-a", 8000)
	c := fl.For("node-b", 8000)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
