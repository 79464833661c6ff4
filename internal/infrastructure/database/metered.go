package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
)

// MeteredDB is a database/sql view of the pool that times every statement
// and reports the outcome through RecordQuery, so query failures count
// against the circuit breaker.
type MeteredDB struct {
	db     *sql.DB
	record func(time.Duration, bool)
}

// MeteredStdlibDB returns the pool as a metered database/sql handle for
// repositories that use the standard interface
func (p *ConnectionPool) MeteredStdlibDB() *MeteredDB {
	return &MeteredDB{
		db:     stdlib.OpenDBFromPool(p.primary),
		record: p.RecordQuery,
	}
}

// NewMeteredDB wraps an existing handle. record may be nil.
func NewMeteredDB(db *sql.DB, record func(time.Duration, bool)) *MeteredDB {
	if record == nil {
		record = func(time.Duration, bool) {}
	}
	return &MeteredDB{db: db, record: record}
}

func (m *MeteredDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	res, err := m.db.ExecContext(ctx, query, args...)
	m.record(time.Since(start), err != nil)
	return res, err
}

func (m *MeteredDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := m.db.QueryContext(ctx, query, args...)
	m.record(time.Since(start), err != nil)
	return rows, err
}

func (m *MeteredDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	start := time.Now()
	row := m.db.QueryRowContext(ctx, query, args...)
	// Row errors surface at Scan time; what we can observe here is whether
	// the statement was even dispatched.
	m.record(time.Since(start), row.Err() != nil)
	return row
}

func (m *MeteredDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	start := time.Now()
	tx, err := m.db.BeginTx(ctx, opts)
	m.record(time.Since(start), err != nil)
	return tx, err
}

// Close releases the underlying handle
func (m *MeteredDB) Close() error {
	return m.db.Close()
}
