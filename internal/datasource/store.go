package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/tilecraft/tileserv/internal/db"
	"github.com/tilecraft/tileserv/internal/resilience"
)

// ErrNotFound is returned for lookups of unknown datasource identifiers.
var ErrNotFound = eris.New("datasource: not found")

// dbRetry bounds in-request recovery from transient Postgres failures.
var dbRetry = resilience.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Store persists descriptors. One row per descriptor; the full document
// lives in the data column.
type Store interface {
	Upsert(ctx context.Context, d *Descriptor) error
	Get(ctx context.Context, id string) (*Descriptor, error)
	List(ctx context.Context) ([]*Descriptor, error)
	Delete(ctx context.Context, id string) error
}

// PostgresStore implements Store over the datasource table.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, d *Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return eris.Wrap(err, "datasource: marshal descriptor")
	}
	bounds, err := json.Marshal(d.Bounds)
	if err != nil {
		return eris.Wrap(err, "datasource: marshal bounds")
	}
	center, err := json.Marshal(d.Center)
	if err != nil {
		return eris.Wrap(err, "datasource: marshal center")
	}

	sql := `
		INSERT INTO datasource (identifier, data_type, host, port, store_type, mbtiles,
			name, description, attribution, minzoom, maxzoom, bounds, center, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (identifier) DO UPDATE SET
			data_type = EXCLUDED.data_type,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			store_type = EXCLUDED.store_type,
			mbtiles = EXCLUDED.mbtiles,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			attribution = EXCLUDED.attribution,
			minzoom = EXCLUDED.minzoom,
			maxzoom = EXCLUDED.maxzoom,
			bounds = EXCLUDED.bounds,
			center = EXCLUDED.center,
			data = EXCLUDED.data
	`
	err = resilience.Do(ctx, dbRetry, func(ctx context.Context) error {
		_, execErr := s.pool.Exec(ctx, sql,
			d.ID, string(d.Kind), d.Host, d.Port, string(d.Store), d.Store == StoreMBTiles,
			d.Name, d.Description, d.Attribution, d.MinZoom, d.MaxZoom, bounds, center, data,
		)
		return execErr
	})
	return eris.Wrap(err, "datasource: upsert")
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Descriptor, error) {
	var data []byte
	err := resilience.Do(ctx, dbRetry, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT data FROM datasource WHERE identifier = $1`, id,
		).Scan(&data)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "datasource: get")
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, eris.Wrap(err, "datasource: unmarshal descriptor")
	}
	return &d, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]*Descriptor, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM datasource ORDER BY identifier`)
	if err != nil {
		return nil, eris.Wrap(err, "datasource: list")
	}
	defer rows.Close()

	var out []*Descriptor
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "datasource: scan row")
		}
		var d Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, eris.Wrap(err, "datasource: unmarshal descriptor")
		}
		out = append(out, &d)
	}
	return out, eris.Wrap(rows.Err(), "datasource: iterate rows")
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM datasource WHERE identifier = $1`, id)
	if err != nil {
		return eris.Wrap(err, "datasource: delete")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PostgresSchemaChecker implements SchemaChecker against information_schema.
type PostgresSchemaChecker struct {
	pool db.Pool
}

// NewPostgresSchemaChecker creates a PostgresSchemaChecker.
func NewPostgresSchemaChecker(pool db.Pool) *PostgresSchemaChecker {
	return &PostgresSchemaChecker{pool: pool}
}

// TableExists implements SchemaChecker.
func (c *PostgresSchemaChecker) TableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := c.pool.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_name = $1`, table,
	).Scan(&count)
	if err != nil {
		return false, eris.Wrap(err, "datasource: check table")
	}
	return count > 0, nil
}

// ColumnsExist implements SchemaChecker. It returns the subset of columns
// missing from the table.
func (c *PostgresSchemaChecker) ColumnsExist(ctx context.Context, table string, columns []string) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_name = $1`, table)
	if err != nil {
		return nil, eris.Wrap(err, "datasource: check columns")
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "datasource: scan column")
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "datasource: iterate columns")
	}

	var missing []string
	for _, col := range columns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	return missing, nil
}
