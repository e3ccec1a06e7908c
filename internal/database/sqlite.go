// Package database opens and migrates the SQLite store backing the server.
package database

import (
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	"blobserver/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// FileName is the name of the SQLite database file inside the storage
// directory. The leading underscore is the reserved prefix, which keeps the
// file invisible to blob lookup and upload.
const FileName = "_blobserver.db"

// PathIn returns the database file path for a storage directory.
func PathIn(storageDir string) string {
	return filepath.Join(storageDir, FileName)
}

// OpenConnection opens and configures a SQLite connection with appropriate
// PRAGMAs. path can be a file path or ":memory:" for an in-memory database.
//
// The pool is capped at a single connection: the server assumes one writer,
// and a capped pool keeps ":memory:" databases from silently splitting into
// one database per pooled connection.
func OpenConnection(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Open opens the database file for a storage directory and verifies the
// schema is current.
func Open(storageDir string) (*sqlx.DB, error) {
	db, err := OpenConnection(PathIn(storageDir))
	if err != nil {
		return nil, err
	}
	if err := migrations.CheckStatus(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}
	return db, nil
}

// MigrateUp brings the database at the given storage directory to the
// latest schema version, creating it if necessary.
func MigrateUp(storageDir string) error {
	db, err := OpenConnection(PathIn(storageDir))
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.MigrateUp(db.DB)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func BackupTo(db *sqlx.DB, destPath string) error {
	if _, err := db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}
