package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, profile DatabaseProfile) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: profile,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew_CreatesFileAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "cache.db")
	db, err := New(Config{Path: path, Profile: ProfileCache, Name: "cache"})
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file is created on open")
}

func TestQuickCheck(t *testing.T) {
	db := openTestDB(t, ProfileCache)
	assert.NoError(t, db.QuickCheck(context.Background()))

	require.NoError(t, db.Close())
	assert.Error(t, db.QuickCheck(context.Background()), "ping fails after close")
}

func TestBuildConnectionString_Profiles(t *testing.T) {
	cacheStr := buildConnectionString("/tmp/a.db", ProfileCache)
	assert.Contains(t, cacheStr, "journal_mode(WAL)")
	assert.Contains(t, cacheStr, "synchronous(OFF)")
	assert.Contains(t, cacheStr, "auto_vacuum(FULL)")

	stdStr := buildConnectionString("/tmp/a.db", ProfileStandard)
	assert.Contains(t, stdStr, "synchronous(NORMAL)")
	assert.Contains(t, stdStr, "auto_vacuum(INCREMENTAL)")
}

func TestWALCheckpoint(t *testing.T) {
	db := openTestDB(t, ProfileCache)

	_, err := db.Conn().Exec(`CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`INSERT INTO t (v) VALUES (1), (2), (3)`)
	require.NoError(t, err)

	assert.NoError(t, db.WALCheckpoint(""), "empty mode defaults to TRUNCATE")
	assert.NoError(t, db.WALCheckpoint("PASSIVE"))
}

func TestMaintenanceJob(t *testing.T) {
	db := openTestDB(t, ProfileCache)
	job := NewMaintenanceJob(db, zerolog.Nop())

	assert.Equal(t, "db_maintenance", job.Name())
	assert.NoError(t, job.Run())
}
