package db

import "github.com/jmoiron/sqlx"

// Pool pairs the write handle with a read handle so stores can route
// queries by intent.
//
// On SQLite the two are genuinely different pools: writes funnel through
// one connection while reads fan out over several, which is what WAL mode
// is for. On Postgres the split is a formality and both methods hand back
// the same pgx-backed pool.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewSQLitePool opens the writer and reader handles for the database at
// dbPath. The writer goes first so the file and its journal exist before
// the read-only pool touches them.
func NewSQLitePool(dbPath string) (*Pool, error) {
	writer, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{writer: writer, reader: reader}, nil
}

// NewPostgresPool wraps a single pgx pool as both sides of the split.
func NewPostgresPool(dsn string, maxConns, minConns int) (*Pool, error) {
	conn, err := OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	return &Pool{writer: conn, reader: conn}, nil
}

// Writer returns the handle for statements that mutate data, including
// transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for SELECTs.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close shuts down both handles, tolerating the Postgres case where they
// are the same object.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
