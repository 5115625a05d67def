// Package store is the entity store: six uniquely-keyed collections backed by
// a single sqlite file. Sources, templates, notes and media are keyed by
// content hash; inserting byte-identical content a second time fails with
// ErrDuplicateKey and never creates a second row.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrDuplicateKey signals a unique-key collision on insert. Callers are
	// expected to swallow it and look up the existing row.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound signals a lookup by id/key that matched nothing.
	ErrNotFound = errors.New("not found")
)

// DB wraps the sqlite connection backing the collections.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the given path (or opens an existing one) and
// ensures the schema is up to date.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to ":memory:" gets its own empty database, so
	// an in-memory store must never grow a second connection.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: db, path: dsn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the dsn the store was opened with. Used by sync to hash the
// backing file when another instance imports from this one.
func (db *DB) Path() string {
	return db.path
}

// mapInsertErr converts a sqlite unique/primary-key constraint failure into
// ErrDuplicateKey so callers can branch on it without driver knowledge.
func mapInsertErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT,
			sqlite3.SQLITE_CONSTRAINT_UNIQUE,
			sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return ErrDuplicateKey
		}
	}
	return err
}

// marshalJSON encodes map/slice columns stored as JSON text.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(b), nil
}

// unmarshalJSON decodes a JSON text column into out; empty input is a no-op.
func unmarshalJSON(s string, out any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}
