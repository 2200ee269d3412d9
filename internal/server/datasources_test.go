package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilecraft/tileserv/internal/datasource"
)

func doJSON(t *testing.T, e *testEnv, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func descriptorBody() *datasource.Descriptor {
	return &datasource.Descriptor{
		Name:    "rivers",
		Kind:    datasource.KindVector,
		Store:   datasource.StoreInternal,
		MinZoom: 0,
		MaxZoom: 12,
		Bounds:  [4]float64{-20, -20, 20, 20},
		Vector: &datasource.VectorPayload{Layers: []datasource.VectorLayer{{
			Name:      "rivers",
			Filter:    "class = 'river'",
			Fields:    []string{"class"},
			GeomField: "geom",
		}}},
	}
}

func TestDatasource_CreateAndRoundTrip(t *testing.T) {
	e := newTestEnv(t, 8)

	w := doJSON(t, e, http.MethodPost, "/api/datasources", descriptorBody())
	require.Equal(t, http.StatusOK, w.Code)

	var created struct {
		DatasourceID string `json:"datasource_id"`
		Message      string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.DatasourceID)

	w = doJSON(t, e, http.MethodGet, "/api/datasources/"+created.DatasourceID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got datasource.Descriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))

	want := descriptorBody()
	want.ID = created.DatasourceID
	assert.Equal(t, *want, got, "GET must return the POSTed document modulo the id")
}

func TestDatasource_CreateInvalid422(t *testing.T) {
	e := newTestEnv(t, 8)

	bad := descriptorBody()
	bad.Store = "s3"
	bad.Vector.Layers[0].Filter = "class = 'x' AND surface = 'paved'"

	w := doJSON(t, e, http.MethodPost, "/api/datasources", bad)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp struct {
		Detail []datasource.ValidationError `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Detail)
	assert.Equal(t, []string{"store"}, resp.Detail[0].Location)
}

func TestDatasource_List(t *testing.T) {
	e := newTestEnv(t, 8)
	e.addDatasource(t, nil)
	e.addDatasource(t, func(d *datasource.Descriptor) { d.Name = "rail" })

	w := doJSON(t, e, http.MethodGet, "/api/datasources", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var all []datasource.Descriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 2)
}

func TestDatasource_GetUnknown404(t *testing.T) {
	e := newTestEnv(t, 8)
	w := doJSON(t, e, http.MethodGet, "/api/datasources/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDatasource_Update(t *testing.T) {
	e := newTestEnv(t, 8)
	id := e.addDatasource(t, nil)

	updated := descriptorBody()
	updated.ID = id
	updated.Name = "roads-v2"

	w := doJSON(t, e, http.MethodPut, "/api/datasources", updated)
	require.Equal(t, http.StatusOK, w.Code)

	d, err := e.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "roads-v2", d.Name)
}

func TestDatasource_UpdateUnknown404(t *testing.T) {
	e := newTestEnv(t, 8)
	updated := descriptorBody()
	updated.ID = "nope"
	w := doJSON(t, e, http.MethodPut, "/api/datasources", updated)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDatasource_Delete(t *testing.T) {
	e := newTestEnv(t, 8)
	id := e.addDatasource(t, nil)

	w := doJSON(t, e, http.MethodDelete, "/api/datasources/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Deleted descriptors invalidate outstanding tiles lazily: the id now
	// just misses.
	w = doJSON(t, e, http.MethodGet, fmt.Sprintf("/api/tile/%s/3/4/5.mvt", id), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, e, http.MethodDelete, "/api/datasources/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDatasource_LoadFiles(t *testing.T) {
	e := newTestEnv(t, 8)

	w := doJSON(t, e, http.MethodPost, "/api/datasources/load_files", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report datasource.LoadReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Zero(t, report.LoadVectorDatasources)
	assert.Zero(t, report.LoadRasterDatasources)
}

func TestDatasource_ReloadFiles(t *testing.T) {
	e := newTestEnv(t, 8)

	w := doJSON(t, e, http.MethodPost, "/api/datasources/reload_files", []string{"some-id"})
	assert.Equal(t, http.StatusOK, w.Code)
}
