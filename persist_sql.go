package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// SQLPersister stores the snapshot as rows of an events table, replaced in a
// single transaction on every save.
type SQLPersister struct {
	db      *sql.DB
	dialect string
}

// OpenSQLPersister opens dsn and applies migrations. Accepted forms are
// sqlite://<file> and postgres://... (or postgresql://...).
func OpenSQLPersister(dsn string) (*SQLPersister, error) {
	var driver, source, dialect string
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		driver, dialect = "sqlite", dialectSQLite
		source = strings.TrimPrefix(dsn, "sqlite://")
		if dir := filepath.Dir(source); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		driver, dialect, source = "postgres", dialectPostgres, dsn
	default:
		return nil, fmt.Errorf("unsupported database url %q", dsn)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == dialectSQLite {
		// One writer at a time; sqlite serializes them anyway.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newSQLPersister(db, dialect), nil
}

func newSQLPersister(db *sql.DB, dialect string) *SQLPersister {
	return &SQLPersister{db: db, dialect: dialect}
}

func runMigrations(db *sql.DB, dialect string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var dbDriver database.Driver
	switch dialect {
	case dialectSQLite:
		dbDriver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case dialectPostgres:
		dbDriver, err = migratepg.WithInstance(db, &migratepg.Config{})
	default:
		err = fmt.Errorf("unknown dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dialect, dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (p *SQLPersister) insertQuery() string {
	if p.dialect == dialectPostgres {
		return "INSERT INTO events (seq, path, data) VALUES ($1, $2, $3)"
	}
	return "INSERT INTO events (seq, path, data) VALUES (?, ?, ?)"
}

// Load returns the stored events ordered by sequence. An empty table is an
// empty log, not ErrSnapshotNotFound: the schema exists once migrations ran.
func (p *SQLPersister) Load(ctx context.Context) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT path, data FROM events ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var path, data string
		if err := rows.Scan(&path, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if !json.Valid([]byte(data)) {
			return nil, &CorruptSnapshotError{
				Source: "events table",
				Err:    fmt.Errorf("row %d has invalid JSON data", len(events)+1),
			}
		}
		events = append(events, Event{Path: path, Data: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (p *SQLPersister) Save(ctx context.Context, events []Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM events"); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}

	query := p.insertQuery()
	for i, e := range events {
		if _, err := tx.ExecContext(ctx, query, int64(i+1), e.Path, string(e.Data)); err != nil {
			return fmt.Errorf("insert event %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *SQLPersister) Close() error {
	return p.db.Close()
}
