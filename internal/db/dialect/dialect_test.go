package dialect

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/db"
)

func TestDriverPredicates(t *testing.T) {
	assert.True(t, IsPostgres(PGX))
	assert.False(t, IsPostgres(SQLite3))
	assert.False(t, IsPostgres(""))

	assert.Equal(t, 1, BoolToInt(true))
	assert.Equal(t, 0, BoolToInt(false))
}

func TestTimestampExpressions(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		now    string
		minus  string
	}{
		{
			name:   "sqlite",
			driver: SQLite3,
			now:    "datetime('now')",
			minus:  "datetime('now', '-' || q.hours || ' hours')",
		},
		{
			name:   "postgres",
			driver: PGX,
			now:    "NOW()",
			minus:  "NOW() - (q.hours || ' hours')::interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.now, Now(tt.driver))
			assert.Equal(t, tt.minus, NowMinusHours(tt.driver, "q.hours"))
		})
	}
}

func TestInsertReturningIDSQLite(t *testing.T) {
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "dialect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Exec(`CREATE TABLE greetings (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)`)
	require.NoError(t, err)

	ctx := context.Background()
	for i, name := range []string{"hello", "world"} {
		id, err := InsertReturningID(ctx, conn, `INSERT INTO greetings (name) VALUES (?)`, name)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), id)
	}
}
