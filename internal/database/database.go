// Package database is the server's PostgreSQL layer. Lessons live in a
// table with a native pgvector column; orgs and api_keys carry the tenancy
// model. All queries are scoped by org so cross-tenant reads behave as
// absent rows.
package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// Database wraps the server's connection pool.
type Database struct {
	db *sql.DB
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// New opens a PostgreSQL connection pool and runs the idempotent schema
// migrations.
func New(databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Close closes the connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) migrate() error {
	if _, err := d.db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("pgvector extension unavailable: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS orgs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		project TEXT,
		is_root BOOLEAN NOT NULL DEFAULT false,
		role TEXT,
		user_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
		problem TEXT NOT NULL,
		resolution TEXT NOT NULL,
		context TEXT,
		tags JSONB NOT NULL DEFAULT '[]'::jsonb,
		confidence REAL NOT NULL DEFAULT 0.5,
		source TEXT,
		project TEXT,
		embedding vector(384),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		upvotes INTEGER NOT NULL DEFAULT 0,
		downvotes INTEGER NOT NULL DEFAULT 0,
		meta JSONB NOT NULL DEFAULT '{}'::jsonb
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
	CREATE INDEX IF NOT EXISTS idx_api_keys_org ON api_keys(org_id);
	CREATE INDEX IF NOT EXISTS idx_lessons_org ON lessons(org_id);
	CREATE INDEX IF NOT EXISTS idx_lessons_project ON lessons(org_id, project);
	CREATE INDEX IF NOT EXISTS idx_lessons_created ON lessons(org_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_lessons_tags ON lessons USING GIN (tags);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return err
	}
	return nil
}
