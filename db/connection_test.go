package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpen(t *testing.T) {
	t.Run("applies pragmas on every pooled connection", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		db.SetMaxOpenConns(3)
		for i := 0; i < 3; i++ {
			conn, err := db.Conn(t.Context())
			require.NoError(t, err)
			defer conn.Close()

			var journalMode string
			require.NoError(t, conn.QueryRowContext(t.Context(), "PRAGMA journal_mode").Scan(&journalMode))
			assert.Equal(t, "wal", journalMode)

			var foreignKeys int
			require.NoError(t, conn.QueryRowContext(t.Context(), "PRAGMA foreign_keys").Scan(&foreignKeys))
			assert.Equal(t, 1, foreignKeys)

			var busyTimeout int
			require.NoError(t, conn.QueryRowContext(t.Context(), "PRAGMA busy_timeout").Scan(&busyTimeout))
			assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
		}
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		require.Error(t, err)
		assert.Nil(t, db)

		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "connection.go", "error should carry a stack trace")
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("closed database reports closed", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		_, err = db.Exec("PRAGMA journal_mode")
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
	})
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"mundo.db?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate",
		DSN("mundo.db"))
	assert.Equal(t,
		"file:x.db?mode=rwc&_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate",
		DSN("file:x.db?mode=rwc"))
}

func TestOpen_WithLogger(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	require.NotNil(t, db)
	defer db.Close()
}

func TestIsDatabaseClosed(t *testing.T) {
	assert.False(t, IsDatabaseClosed(nil))
	assert.True(t, IsDatabaseClosed(ErrDatabaseClosed))
	assert.True(t, IsDatabaseClosed(fmt.Errorf("claim: %w", ErrDatabaseClosed)))
	assert.True(t, IsDatabaseClosed(fmt.Errorf("sql: database is closed")))
	assert.False(t, IsDatabaseClosed(fmt.Errorf("disk I/O error")))
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(ErrDatabaseClosed))

	path := filepath.Join(t.TempDir(), "locked.db")
	holder, err := OpenWithMigrations(path, nil)
	require.NoError(t, err)
	defer holder.Close()

	tx, err := holder.Begin()
	require.NoError(t, err, "_txlock=immediate takes the write lock at BEGIN")
	defer tx.Rollback()

	impatient, err := sql.Open("sqlite3", path+"?_busy_timeout=50&_txlock=immediate")
	require.NoError(t, err)
	defer impatient.Close()

	_, err = impatient.Begin()
	require.Error(t, err)
	assert.True(t, IsBusy(err), "got %v", err)
	assert.True(t, IsBusy(fmt.Errorf("claim next job: %w", err)))
	assert.False(t, IsDatabaseClosed(err))
}
