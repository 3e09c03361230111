// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SQLITE BUCKET
// =============================================================================

// SQLiteBucket stores the bucket payload as a single row in a SQLite
// database. The bucket name is the primary key, so one database can hold
// several independent buckets.
type SQLiteBucket struct {
	db   *sql.DB
	name string
}

// NewSQLiteBucket opens (creating if needed) the database at dbPath and
// binds the bucket with the given name.
func NewSQLiteBucket(dbPath, name string) (*SQLiteBucket, error) {
	if name == "" {
		return nil, errors.New("bucket name cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure database: %w", err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS buckets (
		name       TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteBucket{db: db, name: name}, nil
}

// Get reads the full payload. A missing row is an empty bucket, not an
// error.
func (b *SQLiteBucket) Get() ([]byte, error) {
	var data []byte
	err := b.db.QueryRow("SELECT data FROM buckets WHERE name = ?", b.name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read bucket: %w", err)
	}
	return data, nil
}

// Put replaces the full payload in one statement; the row either carries
// the old payload or the new one, never a mix.
func (b *SQLiteBucket) Put(data []byte) error {
	_, err := b.db.Exec(`INSERT INTO buckets (name, data, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		b.name, data)
	if err != nil {
		return fmt.Errorf("failed to write bucket: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (b *SQLiteBucket) Close() error {
	return b.db.Close()
}
