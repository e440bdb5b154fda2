// Package database provides the embedded relational store Privacy Witness
// Kernel components persist into. It is a single sqlite file; there is no
// migration ladder since one kernel version owns exactly one schema.
package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

//go:embed schema.sql
var schemaSQL string

// DB wraps a sqlite-backed *sql.DB with the pragmas and schema this kernel
// needs already applied.
type DB struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// Option configures a DB at open time.
type Option func(*DB)

// WithLogger sets a custom logger for the store.
func WithLogger(logger *log.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// Open opens (or creates) the sqlite file at path, applies pragmas, and
// ensures the schema exists.
func Open(path string, opts ...Option) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database: path cannot be empty")
	}

	d := &DB{
		path:   path,
		logger: log.New(log.Writer(), "[database] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(d)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY against the kernel's
	// own in-process head mutex; readers multiplex over the same handle.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := configurePragmas(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: configure: %w", err)
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: apply schema: %w", err)
	}

	d.conn = conn
	return d, nil
}

func configurePragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for callers that need direct access.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// BeginTx starts a transaction.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.conn.BeginTx(ctx, nil)
}

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}
