package db

import (
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/mundo/errors"
)

func TestOpenWithMigrations(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "world_jobs", "sweep_runs", "leftover_blobs"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist after migrations", table)
	}

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 4, applied)
}

func TestMigrate(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")
	})

	t.Run("fails on a closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		require.Error(t, Migrate(db, nil))
	})

	t.Run("rolls back a failing migration", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(schemaTableQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(schemaTableQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
			WillReturnError(errors.New("disk I/O error"))
		mock.ExpectRollback()

		err = Migrate(db, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "execute 000_create_schema_migrations.sql")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skips a change a peer applied while waiting for the lock", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		versions := func(vs ...string) *sqlmock.Rows {
			rows := sqlmock.NewRows([]string{"version"})
			for _, v := range vs {
				rows.AddRow(v)
			}
			return rows
		}

		mock.ExpectQuery(regexp.QuoteMeta(schemaTableQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery("SELECT version FROM schema_migrations").
			WillReturnRows(versions("000", "001", "002"))
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(schemaTableQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery("SELECT version FROM schema_migrations").
			WillReturnRows(versions("000", "001", "002", "003"))
		mock.ExpectRollback()

		applied, err := Apply(db, nil)
		require.NoError(t, err)
		assert.Empty(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet(), "003 must not be executed twice")
	})
}

func TestMigrations(t *testing.T) {
	all, err := Migrations()
	require.NoError(t, err)
	require.Len(t, all, 4)

	assert.Equal(t, "000", all[0].Version)
	assert.Equal(t, "001 create world jobs", all[1].Describe())
	assert.Equal(t, "002_create_sweep_runs.sql", all[2].File)
	assert.Equal(t, "create_leftover_blobs", all[3].Name)
}

func TestPending(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	pending, err := Pending(db)
	require.NoError(t, err)
	assert.Len(t, pending, 4, "a fresh database has every change pending")

	applied, err := Apply(db, nil)
	require.NoError(t, err)
	assert.Equal(t, pending, applied)

	pending, err = Pending(db)
	require.NoError(t, err)
	assert.Empty(t, pending)

	applied, err = Apply(db, nil)
	require.NoError(t, err)
	assert.Empty(t, applied, "an up to date schema applies nothing")
}

func TestConcurrentStartsMigrateOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	// create the file and switch it to WAL before the race
	first, err := Open(path, nil)
	require.NoError(t, err)
	first.Close()

	const processes = 4
	var wg sync.WaitGroup
	errs := make([]error, processes)
	for i := 0; i < processes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := OpenWithMigrations(path, nil)
			if err == nil {
				conn.Close()
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "start %d", i)
	}

	conn, err := Open(path, nil)
	require.NoError(t, err)
	defer conn.Close()
	var recorded int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&recorded))
	assert.Equal(t, 4, recorded)
}

func TestWorldJobsSingleProcessingIndex(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	insert := `INSERT INTO world_jobs (id, stored_path, state, created_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err = db.Exec(insert, "a", "mundos_pendientes/a.zip", "processing", now, now.Add(time.Hour), now)
	require.NoError(t, err)

	_, err = db.Exec(insert, "b", "mundos_pendientes/b.zip", "processing", now, now.Add(time.Hour), now)
	require.Error(t, err, "a second processing row must violate the partial unique index")

	_, err = db.Exec(insert, "c", "mundos_pendientes/c.zip", "pending", now, now.Add(time.Hour), now)
	require.NoError(t, err, "pending rows are unconstrained")
	_, err = db.Exec(insert, "d", "mundos_pendientes/d.zip", "pending", now, now.Add(time.Hour), now)
	require.NoError(t, err)

	_, err = db.Exec(insert, "e", nil, "bogus", now, now, now)
	require.Error(t, err, "unknown states are rejected by the CHECK constraint")
}
