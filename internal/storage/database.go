package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"olmoplayground/internal/config"
)

// Open connects to the configured database and verifies the connection.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// foreign_keys is per connection and :memory: databases are per
		// connection too, so sqlite runs on a single connection.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn must be provided")
		}
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS completion (
	id TEXT PRIMARY KEY,
	input TEXT NOT NULL,
	outputs TEXT NOT NULL,
	opts TEXT NOT NULL,
	model TEXT NOT NULL,
	sha TEXT NOT NULL,
	created {{ts}} NOT NULL,
	tokenize_ms INTEGER NOT NULL,
	generation_ms INTEGER NOT NULL,
	queue_ms INTEGER NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS message (
	id TEXT PRIMARY KEY,
	root TEXT NOT NULL CONSTRAINT message_root_fkey REFERENCES message(id) ON DELETE CASCADE,
	parent TEXT CONSTRAINT message_parent_fkey REFERENCES message(id) ON DELETE CASCADE,
	original TEXT CONSTRAINT message_original_fkey REFERENCES message(id) ON DELETE SET NULL,
	completion TEXT CONSTRAINT message_completion_fkey REFERENCES completion(id) ON DELETE SET NULL,
	content TEXT NOT NULL,
	thinking TEXT,
	file_urls TEXT,
	logprobs TEXT,
	role TEXT NOT NULL,
	creator TEXT NOT NULL,
	model_id TEXT NOT NULL,
	model_host TEXT NOT NULL,
	created {{ts}} NOT NULL,
	deleted {{ts}},
	expiration_time {{ts}},
	final BOOLEAN NOT NULL DEFAULT FALSE,
	finish_reason TEXT,
	harmful BOOLEAN,
	private BOOLEAN NOT NULL DEFAULT FALSE,
	opts TEXT NOT NULL,
	tool_calls TEXT,
	tool_definitions TEXT
);
CREATE INDEX IF NOT EXISTS message_root_idx ON message (root);
CREATE INDEX IF NOT EXISTS message_creator_idx ON message (creator);
CREATE INDEX IF NOT EXISTS message_expiration_idx ON message (expiration_time);
CREATE TABLE IF NOT EXISTS label (
	id TEXT PRIMARY KEY,
	message TEXT NOT NULL CONSTRAINT label_message_fkey REFERENCES message(id) ON DELETE CASCADE,
	rating TEXT NOT NULL,
	comment TEXT,
	creator TEXT NOT NULL,
	created {{ts}} NOT NULL,
	deleted {{ts}}
);
CREATE INDEX IF NOT EXISTS label_message_idx ON label (message);
`

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var ts string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		ts = "TIMESTAMP"
	case "postgres":
		ts = "TIMESTAMPTZ"
	default:
		return fmt.Errorf("migrate: unsupported driver %s", driver)
	}
	schema := strings.ReplaceAll(schemaTemplate, "{{ts}}", ts)
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
