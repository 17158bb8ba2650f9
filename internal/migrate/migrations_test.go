package migrate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"jorbline/internal/db"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openDB(t)

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	v, err := Version(conn)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	var rows int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&rows))
	require.Equal(t, 1, rows)

	for _, table := range []string{"jorbs", "jorb_messages", "jorb_checkpoints", "events", "settings", "api_keys"} {
		var name string
		require.NoError(t, conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name), table)
	}
}

func TestFailedMigrationKeepsEarlierOnes(t *testing.T) {
	conn := openDB(t)
	fsys := fstest.MapFS{
		"sql/0001_a.sql": {Data: []byte(`CREATE TABLE a(id INTEGER);`)},
		"sql/0002_b.sql": {Data: []byte(`CREATE TABLE b(id INTEGER); NOT SQL;`)},
	}
	require.ErrorContains(t, migrate(conn, fsys), "0002_b.sql")

	v, err := Version(conn)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	var name string
	require.Error(t, conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='b'`).Scan(&name))
}

func TestDuplicateVersionsRejected(t *testing.T) {
	_, err := loadMigrations(fstest.MapFS{
		"sql/0001_a.sql": {Data: []byte(`SELECT 1;`)},
		"sql/01_b.sql":   {Data: []byte(`SELECT 1;`)},
	})
	require.ErrorContains(t, err, "share version 1")
}
