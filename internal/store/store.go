// Package store persists assessments, results, users and the audit log in
// SQLite (modernc) or PostgreSQL (pgx). Queries are written with ?
// placeholders and rebound per dialect by sqlx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // driver: sqlite
)

// Driver selects the database dialect.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

type Store struct {
	db     *sqlx.DB
	driver Driver
}

// New opens a SQLite database at dbPath. ":memory:" gives a private
// in-memory database.
func New(dbPath string) (*Store, error) {
	return Open(context.Background(), DriverSQLite, dbPath)
}

// Open connects to the database and ensures the schema exists. For SQLite
// dsn is a file path.
func Open(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "examgate.db"
		}
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/examgate?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sqlx.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps :memory: databases whole and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	params := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" && !strings.Contains(path, "mode=memory") {
		params += "&_pragma=journal_mode(WAL)"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the dialect in use.
func (s *Store) Driver() Driver {
	return s.driver
}

// q rebinds a ?-placeholder query for the current dialect.
func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS assessments (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	format TEXT NOT NULL,
	name TEXT NOT NULL,
	instructions TEXT NOT NULL DEFAULT '',
	deadline DATETIME,
	model_id TEXT NOT NULL DEFAULT '',
	allow_references BOOLEAN NOT NULL DEFAULT 0,
	shuffle_questions BOOLEAN NOT NULL DEFAULT 0,
	question_count INTEGER NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
	id TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL REFERENCES assessments(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	user_name TEXT NOT NULL DEFAULT '',
	score REAL NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	answers TEXT NOT NULL,
	duration INTEGER NOT NULL DEFAULT 0,
	graded_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (assessment_id, user_id)
);

CREATE TABLE IF NOT EXISTS event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS imported_files (
	hash TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	imported_at DATETIME NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS assessments (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	format TEXT NOT NULL,
	name TEXT NOT NULL,
	instructions TEXT NOT NULL DEFAULT '',
	deadline TIMESTAMPTZ,
	model_id TEXT NOT NULL DEFAULT '',
	allow_references BOOLEAN NOT NULL DEFAULT FALSE,
	shuffle_questions BOOLEAN NOT NULL DEFAULT FALSE,
	question_count INTEGER NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
	id TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL REFERENCES assessments(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	user_name TEXT NOT NULL DEFAULT '',
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	answers TEXT NOT NULL,
	duration INTEGER NOT NULL DEFAULT 0,
	graded_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (assessment_id, user_id)
);

CREATE TABLE IF NOT EXISTS event_log (
	id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS imported_files (
	hash TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	imported_at TIMESTAMPTZ NOT NULL
);
`
