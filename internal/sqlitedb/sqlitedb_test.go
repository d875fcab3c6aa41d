package sqlitedb_test

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/wabot-instance/internal/logger"
	"codeberg.org/mutker/wabot-instance/internal/sqlitedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schema(version int, backupDir string) sqlitedb.Schema {
	return sqlitedb.Schema{
		Name:      "widgets",
		Version:   version,
		CreateSQL: `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		Tables:    []string{"widgets"},
		BackupDir: backupDir,
	}
}

func TestEnsureCreatesSchema(t *testing.T) {
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "nested", "w.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, sqlitedb.Ensure(db, schema(1, ""), logger.Nop()))

	version, err := sqlitedb.SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	exists, err := sqlitedb.TableExists(db, "widgets")
	require.NoError(t, err)
	assert.True(t, exists)

	// Idempotent at the same version, data survives
	_, err = db.Exec(`INSERT INTO widgets (name) VALUES ('a')`)
	require.NoError(t, err)
	require.NoError(t, sqlitedb.Ensure(db, schema(1, ""), logger.Nop()))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM widgets`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestEnsureBacksUpOnVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backups")

	db, err := sqlitedb.Open(filepath.Join(dir, "w.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, sqlitedb.Ensure(db, schema(1, backupDir), logger.Nop()))
	_, err = db.Exec(`INSERT INTO widgets (name) VALUES ('a')`)
	require.NoError(t, err)

	require.NoError(t, sqlitedb.Ensure(db, schema(2, backupDir), logger.Nop()))

	version, err := sqlitedb.SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM widgets`).Scan(&count))
	assert.Zero(t, count, "schema recreated")

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
