package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// connParams are applied by the driver to every connection. WAL lets
// `relay trace` read a journal while a run is still writing it.
var connParams = url.Values{
	"_journal_mode": {"WAL"},
	"_synchronous":  {"NORMAL"},
	"_busy_timeout": {"5000"},
	"_foreign_keys": {"1"},
}

// migration is one step of the journal's schema history.
type migration struct {
	version int
	name    string
	stmt    string
}

// journalMigrations upgrade a journal created by an older relay. The base
// tables come from schema.sql; every later change is appended here and
// never edited.
var journalMigrations = []migration{
	{1, "envelope history index", `
		CREATE INDEX IF NOT EXISTS idx_events_envelope
		ON lifecycle_events(run_id, envelope, seq)`},
	{2, "kind count index", `
		CREATE INDEX IF NOT EXISTS idx_events_kind
		ON lifecycle_events(run_id, kind)`},
	{3, "run finish time", `
		ALTER TABLE runs ADD COLUMN finished_at TEXT NOT NULL DEFAULT ''`},
}

// currentSchemaVersion is the user_version of a fully migrated journal.
const currentSchemaVersion = 3

// Store is a SQLite lifecycle journal.
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal at path and brings its schema up to
// date. Opening an existing journal is safe; already applied migrations
// are skipped.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?"+connParams.Encode())
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal tables: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate applies every journal migration newer than the stored
// user_version. Each step commits together with its version bump.
func migrate(ctx context.Context, db *sql.DB) error {
	version, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range journalMigrations {
		if m.version <= version {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return fmt.Errorf("migrate journal to v%d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (m migration) apply(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return err
	}
	return tx.Commit()
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read journal version: %w", err)
	}
	return version, nil
}
