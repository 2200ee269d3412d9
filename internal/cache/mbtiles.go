package cache

import (
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// errNoTile distinguishes a missing row from a reader failure.
var errNoTile = eris.New("cache: tile not present in archive")

// mbtilesReader reads one datasource's MBTiles archive.
type mbtilesReader struct {
	db   *sql.DB
	path string
}

// openMBTiles opens an archive read-only and verifies the tiles table exists.
func openMBTiles(path string) (*mbtilesReader, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, eris.Wrap(err, "cache: open mbtiles")
	}

	var count int
	err = db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='tiles'",
	).Scan(&count)
	if err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "cache: verify mbtiles schema")
	}
	if count == 0 {
		_ = db.Close()
		return nil, eris.Errorf("cache: %s has no tiles table", path)
	}

	return &mbtilesReader{db: db, path: path}, nil
}

// readTile returns the stored payload for an XYZ coordinate. MBTiles rows are
// TMS, so the row index is flipped. Payloads are returned exactly as stored;
// gzip handling is the router's concern.
func (r *mbtilesReader) readTile(z, x, y int) ([]byte, error) {
	tmsY := (1 << uint(z)) - 1 - y

	var data []byte
	err := r.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		z, x, tmsY,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoTile
	}
	if err != nil {
		return nil, eris.Wrap(err, "cache: query tile")
	}
	return data, nil
}

func (r *mbtilesReader) close() error {
	return r.db.Close()
}
