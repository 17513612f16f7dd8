// Package db opens the mapping database and keeps its schema and journal tidy.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/lib/pq"              // registers "postgres"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
	DriverSQLite   = "sqlite"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS mappings (
    pseudonym_id TEXT PRIMARY KEY,
    original_key TEXT NOT NULL UNIQUE,
    surrogate_id TEXT NOT NULL UNIQUE,
    original %[1]s NOT NULL,
    surrogate %[1]s NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS rewrite_jobs (
    id TEXT PRIMARY KEY,
    pseudonym_id TEXT NOT NULL REFERENCES mappings(pseudonym_id),
    operator TEXT NOT NULL,
    source_digest TEXT NOT NULL,
    output_digest TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS rewrite_jobs_pseudonym_idx ON rewrite_jobs (pseudonym_id);
`

// Schema returns the DDL for driver.
func Schema(driver string) string {
	blob := "BYTEA"
	if driver == DriverSQLite {
		blob = "BLOB"
	}
	return fmt.Sprintf(schemaTemplate, blob)
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $N placeholders for drivers that number them differently.
func Rebind(driver, query string) string {
	if driver != DriverSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

// Open connects to the database, verifies the connection and applies the schema.
//
//	ctx:    context for cancellation and deadlines
//	driver: one of DriverPostgres, DriverPGX, DriverSQLite
//	dsn:    driver specific data source name; for sqlite a file path
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverPGX:
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	for _, stmt := range strings.Split(Schema(driver), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "wsipseudo.db"
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		_ = os.MkdirAll(filepath.Dir(dsn), 0o750)
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}
