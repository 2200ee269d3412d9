package datasource

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Upsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	d := validVector()
	d.ID = "abc-123"

	mock.ExpectExec("INSERT INTO datasource").
		WithArgs("abc-123", "vector", "", 0, "internal", false,
			"roads", "", "", 0, 14, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewPostgresStore(mock)
	require.NoError(t, store.Upsert(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	d := validVector()
	d.ID = "abc-123"
	raw, err := json.Marshal(d)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT data FROM datasource").
		WithArgs("abc-123").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(raw))

	store := NewPostgresStore(mock)
	got, err := store.Get(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "roads", got.Name)
	assert.Equal(t, KindVector, got.Kind)
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT data FROM datasource").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"data"}))

	store := NewPostgresStore(mock)
	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a, _ := json.Marshal(validVector())
	b, _ := json.Marshal(validRaster())
	mock.ExpectQuery("SELECT data FROM datasource").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(a).AddRow(b))

	store := NewPostgresStore(mock)
	all, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPostgresStore_Delete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM datasource").
		WithArgs("abc").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	store := NewPostgresStore(mock)
	require.NoError(t, store.Delete(context.Background(), "abc"))

	mock.ExpectExec("DELETE FROM datasource").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	assert.ErrorIs(t, store.Delete(context.Background(), "missing"), ErrNotFound)
}

func TestPostgresSchemaChecker(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT count").
		WithArgs("osm_roads").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	checker := NewPostgresSchemaChecker(mock)
	ok, err := checker.TableExists(context.Background(), "osm_roads")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("SELECT column_name").
		WithArgs("osm_roads").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("class").AddRow("geom"))

	missing, err := checker.ColumnsExist(context.Background(), "osm_roads", []string{"class", "lanes", "geom"})
	require.NoError(t, err)
	assert.Equal(t, []string{"lanes"}, missing)
}
