package database

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableDB opens a lazily connecting handle against a port nothing
// listens on, so every statement fails at dial time
func unreachableDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", "postgres://nobody@127.0.0.1:1/none?connect_timeout=1")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMeteredDB_ReportsFailedStatements(t *testing.T) {
	var failures atomic.Int32
	m := NewMeteredDB(unreachableDB(t), func(_ time.Duration, failed bool) {
		if failed {
			failures.Add(1)
		}
	})

	_, err := m.ExecContext(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, int32(1), failures.Load())

	_, err = m.BeginTx(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, int32(2), failures.Load())
}

func TestMeteredDB_NilRecorderIsSafe(t *testing.T) {
	m := NewMeteredDB(unreachableDB(t), nil)
	_, err := m.QueryContext(context.Background(), "SELECT 1")
	assert.Error(t, err)
}

func TestRecordQuery_FeedsCircuitBreaker(t *testing.T) {
	pool := &ConnectionPool{metrics: &ConnectionMetrics{}, circuitBreaker: newTestBreaker(2, time.Minute)}

	pool.RecordQuery(time.Millisecond, true)
	assert.Equal(t, CircuitClosed, pool.circuitBreaker.State())
	pool.RecordQuery(time.Millisecond, true)
	assert.Equal(t, CircuitOpen, pool.circuitBreaker.State())

	m := pool.Metrics()
	assert.Equal(t, int64(2), m.QueriesFailed)
}
