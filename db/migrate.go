package db

import (
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/sym"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

const schemaTableQuery = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'"

// Migration is one embedded schema change, stored as NNN_description.sql.
type Migration struct {
	Version string // "001"
	Name    string // "create_world_jobs"
	File    string
}

// Describe renders the change for logs and the CLI: "001 create world jobs".
func (m Migration) Describe() string {
	return m.Version + " " + strings.ReplaceAll(m.Name, "_", " ")
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Migrations lists the embedded schema changes in apply order.
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFS, migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var list []Migration
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		version, name, ok := strings.Cut(strings.TrimSuffix(entry.Name(), ".sql"), "_")
		if !ok || version == "" || name == "" {
			return nil, errors.Newf("migration %s is not named NNN_description.sql", entry.Name())
		}
		list = append(list, Migration{Version: version, Name: name, File: entry.Name()})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	return list, nil
}

// appliedVersions reads schema_migrations. A database that predates
// migration 000 has nothing applied.
func appliedVersions(q querier) (map[string]bool, error) {
	var tables int
	if err := q.QueryRow(schemaTableQuery).Scan(&tables); err != nil {
		return nil, errors.Wrap(err, "look up schema_migrations")
	}
	applied := make(map[string]bool)
	if tables == 0 {
		return applied, nil
	}

	rows, err := q.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Pending returns the migrations the database has not recorded yet.
func Pending(db *sql.DB) ([]Migration, error) {
	all, err := Migrations()
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, m := range all {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Migrate brings the schema up to date.
// A nil log keeps it silent.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	_, err := Apply(db, log)
	return err
}

// Apply runs every pending migration and returns the ones this call applied.
//
// The web server and the worker may start against the same file at once.
// Each migration re-reads schema_migrations inside its own transaction,
// which holds the write lock from BEGIN, so a change a peer applied while
// this process waited for the lock is skipped rather than run twice.
func Apply(db *sql.DB, log *zap.SugaredLogger) ([]Migration, error) {
	pending, err := Pending(db)
	if err != nil {
		return nil, err
	}

	var applied []Migration
	for _, m := range pending {
		ran, err := applyOne(db, m, log)
		if err != nil {
			return applied, err
		}
		if ran {
			applied = append(applied, m)
		}
	}

	if log != nil && len(applied) > 0 {
		log.Infow("Schema migrated",
			logger.FieldSymbol, sym.DB,
			logger.FieldCount, len(applied),
			"schema_version", applied[len(applied)-1].Version,
		)
	}
	return applied, nil
}

func applyOne(db *sql.DB, m Migration, log *zap.SugaredLogger) (bool, error) {
	body, err := migrationFS.ReadFile(path.Join(migrationDir, m.File))
	if err != nil {
		return false, errors.Wrapf(err, "read %s", m.File)
	}

	tx, err := db.Begin()
	if err != nil {
		return false, errors.Wrapf(err, "begin tx for %s", m.File)
	}
	defer tx.Rollback()

	done, err := appliedVersions(tx)
	if err != nil {
		return false, errors.Wrapf(err, "recheck %s", m.File)
	}
	if done[m.Version] {
		if log != nil {
			log.Debugw("Migration applied by another process", "migration", m.Describe())
		}
		return false, nil
	}

	if log != nil {
		log.Infow("Applying migration", "migration", m.Describe())
	}
	if _, err := tx.Exec(string(body)); err != nil {
		return false, errors.Wrapf(err, "execute %s", m.File)
	}
	// 000 creates schema_migrations and then records itself like the rest
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return false, errors.Wrapf(err, "record %s", m.File)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "commit %s", m.File)
	}
	return true, nil
}
