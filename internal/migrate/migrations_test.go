package migrate

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	var version int
	require.NoError(t, conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	require.Positive(t, version)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM directives`).Scan(&n))
	require.Zero(t, n)
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	ms, err := load()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	for i := 1; i < len(ms); i++ {
		require.Greater(t, ms[i].version, ms[i-1].version)
	}
}
