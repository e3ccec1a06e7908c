package migrations

import (
	"database/sql"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCheckStatus_FreshDatabase(t *testing.T) {
	db := openMemoryDB(t)

	err := CheckStatus(db)
	if err == nil {
		t.Fatal("CheckStatus() = nil for a fresh database, want error")
	}
	if !strings.Contains(err.Error(), "no schema version") {
		t.Errorf("CheckStatus() error = %q, want no-schema-version error", err)
	}
}

func TestMigrateUp(t *testing.T) {
	db := openMemoryDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	if err := CheckStatus(db); err != nil {
		t.Errorf("CheckStatus() after migration error = %v", err)
	}

	// Re-running against a current schema is a no-op.
	if err := MigrateUp(db); err != nil {
		t.Errorf("MigrateUp() second run error = %v", err)
	}
	if err := CheckStatus(db); err != nil {
		t.Errorf("CheckStatus() after second run error = %v", err)
	}
}
